// ABOUTME: Bot program contract: definitions, manifests, hooks, and the loader strategy
// ABOUTME: Programs are stateless handlers; all durable state lives in the runtime

package bot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/2389/parley/internal/msglog"
)

// Bot errors
var (
	ErrStaleState     = errors.New("stale bot state version")
	ErrBotNotFound    = errors.New("bot not found")
	ErrUnknownProgram = errors.New("unknown bot program")
	ErrNotPermitted   = errors.New("bot lacks permission")
	ErrBadTransition  = errors.New("invalid bot status transition")
)

// Hook names a bot manifest may declare.
const (
	HookInit       = "on_init"
	HookJoin       = "on_join"
	HookMessage    = "on_message"     // user-kind messages only
	HookAnyMessage = "on_any_message" // every client-origin message
)

// Permissions declares optional capabilities a bot may exercise beyond
// posting messages.
type Permissions struct {
	CanUpdateChannel bool `json:"can_update_channel,omitempty"`
}

// Manifest is the public declaration of what a bot does: which hooks it
// wants, which message types it emits, and its public parameters.
type Manifest struct {
	Summary     string         `json:"summary,omitempty"`
	Hooks       []string       `json:"hooks"`
	Emits       []string       `json:"emits,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Permissions Permissions    `json:"permissions,omitempty"`
}

// HasHook reports whether the manifest declares the named hook.
func (m Manifest) HasHook(name string) bool {
	for _, h := range m.Hooks {
		if h == name {
			return true
		}
	}
	return false
}

// Definition describes a bot to attach: its identity, the program backing
// it, and an optional redacted secret map. Secrets are injected only into
// the bot's execution context and never appear on any read path.
type Definition struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Slot        string            `json:"slot,omitempty"` // slot spec this def fills at channel creation
	Builtin     string            `json:"builtin"`        // builtin program name
	Manifest    Manifest          `json:"manifest"`
	Params      map[string]any    `json:"params,omitempty"`
	EnvRedacted map[string]string `json:"env_redacted,omitempty"`
}

// CodeRef identifies the program source for transparency digests.
func (d Definition) CodeRef() string {
	return "builtin://" + d.Builtin
}

// Program is the lifecycle-hook contract between the runtime and a bot.
// Implementations must be stateless: every hook call receives a Context
// holding the current state blob, and mutations go back through
// Context.SetState so the runtime can version them.
type Program interface {
	OnInit(ctx *Context) error
	OnJoin(ctx *Context, sessionID string) error
	OnMessage(ctx *Context, msg *msglog.Message) error
}

// Loader turns a Definition into a runnable Program. How program code is
// obtained (builtin table, compiled module, sandboxed interpreter) is the
// loader's business; the runtime only sees this interface.
type Loader interface {
	Load(def Definition) (Program, error)
}

// Factory constructs a Program from its public params.
type Factory func(params map[string]any) (Program, error)

// BuiltinLoader resolves Definition.Builtin against a registered factory
// table. It is the in-process loader strategy.
type BuiltinLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewBuiltinLoader creates an empty loader.
func NewBuiltinLoader() *BuiltinLoader {
	return &BuiltinLoader{factories: make(map[string]Factory)}
}

// Register adds a named program factory, replacing any previous entry.
func (l *BuiltinLoader) Register(name string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = f
}

// Load implements Loader.
func (l *BuiltinLoader) Load(def Definition) (Program, error) {
	l.mu.RLock()
	factory, ok := l.factories[def.Builtin]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, def.Builtin)
	}
	return factory(def.Params)
}
