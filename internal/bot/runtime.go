// ABOUTME: Bot runtime: attaches programs to channels and serializes hook dispatch
// ABOUTME: Sole writer of bot state; guards every write with optimistic versioning

package bot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/parley/internal/commit"
	"github.com/2389/parley/internal/msglog"
)

// Status is a bot instance's lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusActive        Status = "active"
	StatusPaused        Status = "paused"
	StatusTerminated    Status = "terminated"
)

// Poster is what the runtime needs from the channel layer: appending
// messages on a bot's behalf and applying admin ops for bots that hold the
// can_update_channel permission.
type Poster interface {
	PostFromBot(channelID, botID string, kind msglog.Kind, body msglog.Body) (*msglog.Message, error)
	PostSystem(channelID string, body msglog.Body) (*msglog.Message, error)
	ApplyBotOp(channelID, botID string, op map[string]any) error
}

// Instance is one bot attached to one channel. The runtime owns its state
// blob exclusively; hook dispatch for an instance is serialized by mu.
type Instance struct {
	ID        string
	Def       Definition
	CreatedAt time.Time

	program Program

	mu           sync.Mutex
	status       Status
	state        json.RawMessage
	stateVersion int
}

// Info is the sanitized projection of an instance for channel views.
// It never includes the redacted env map or the raw state blob.
type Info struct {
	ID           string    `json:"bot_id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Manifest     Manifest  `json:"manifest"`
	Status       Status    `json:"status"`
	StateVersion int       `json:"state_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Runtime loads bot programs into channels and dispatches lifecycle hooks.
type Runtime struct {
	poster Poster
	loader Loader
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	instances map[string]map[string]*Instance // channel id -> bot id -> instance
	seq       map[string]int                  // channel id -> next instance sequence number
}

// NewRuntime creates a Runtime. Pass nil logger for default.
func NewRuntime(poster Poster, loader Loader, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		poster:    poster,
		loader:    loader,
		logger:    logger.With("component", "bot"),
		now:       time.Now,
		instances: make(map[string]map[string]*Instance),
		seq:       make(map[string]int),
	}
}

// Attach loads the program from def, registers the instance, posts the
// attach/manifest transparency messages, and runs on_init exactly once,
// moving the instance to active.
func (r *Runtime) Attach(channelID string, def Definition) (*Instance, error) {
	program, err := r.loader.Load(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.instances[channelID] == nil {
		r.instances[channelID] = make(map[string]*Instance)
	}
	// The sequence number never rewinds, so a detached instance's id is
	// never handed to a later attachment in the same channel.
	seq := r.seq[channelID]
	r.seq[channelID]++
	inst := &Instance{
		ID:        fmt.Sprintf("bot_%s_%d", def.Name, seq),
		Def:       def,
		CreatedAt: r.now().UTC(),
		program:   program,
		status:    StatusUninitialized,
	}
	r.instances[channelID][inst.ID] = inst
	r.mu.Unlock()

	manifestDigest, err := commit.ManifestDigest(def.Manifest)
	if err != nil {
		return nil, err
	}
	if _, err := r.poster.PostSystem(channelID, msglog.Body{
		"type":          "bot:attach",
		"bot_id":        inst.ID,
		"name":          def.Name,
		"code_hash":     commit.Digest(def.CodeRef()),
		"manifest_hash": manifestDigest,
	}); err != nil {
		return nil, err
	}
	if _, err := r.poster.PostSystem(channelID, msglog.Body{
		"type":   "bot:manifest",
		"bot_id": inst.ID,
		"manifest_excerpt": msglog.Body{
			"name":    def.Name,
			"version": def.Version,
			"summary": def.Manifest.Summary,
			"hooks":   def.Manifest.Hooks,
			"emits":   def.Manifest.Emits,
		},
	}); err != nil {
		return nil, err
	}

	r.runInit(channelID, inst)

	r.logger.Info("bot attached",
		"channel_id", channelID,
		"bot_id", inst.ID,
		"program", def.Builtin,
	)
	return inst, nil
}

// runInit runs on_init under the instance lock and transitions
// uninitialized -> active. A failing on_init is logged; the instance still
// activates so the channel is not wedged by one bad hook.
func (r *Runtime) runInit(channelID string, inst *Instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status != StatusUninitialized {
		return
	}
	ctx := r.contextLocked(channelID, inst)
	if err := inst.program.OnInit(ctx); err != nil {
		r.logger.Error("bot on_init failed", "channel_id", channelID, "bot_id", inst.ID, "error", err)
	}
	inst.status = StatusActive
}

// DispatchJoin invokes on_join for every active bot in the channel that
// declares the hook. Calls are serialized per bot.
func (r *Runtime) DispatchJoin(channelID, sessionID string) {
	for _, inst := range r.channelInstances(channelID) {
		if !inst.Def.Manifest.HasHook(HookJoin) {
			continue
		}
		r.runHook(channelID, inst, HookJoin, func(ctx *Context) error {
			return inst.program.OnJoin(ctx, sessionID)
		})
	}
}

// DispatchMessage invokes on_message for every active bot in the channel
// whose manifest matches the message kind: on_message sees user messages,
// on_any_message sees every client-origin message.
func (r *Runtime) DispatchMessage(channelID string, msg *msglog.Message) {
	for _, inst := range r.channelInstances(channelID) {
		wants := inst.Def.Manifest.HasHook(HookAnyMessage) ||
			(msg.Kind == msglog.KindUser && inst.Def.Manifest.HasHook(HookMessage))
		if !wants {
			continue
		}
		r.runHook(channelID, inst, HookMessage, func(ctx *Context) error {
			return inst.program.OnMessage(ctx, msg)
		})
	}
}

// runHook executes one hook under the per-instance lock. Paused and
// terminated instances skip the hook entirely: while paused, messages are
// ignored rather than queued. Hook errors are logged, never propagated to
// the caller that triggered the dispatch.
func (r *Runtime) runHook(channelID string, inst *Instance, hook string, fn func(*Context) error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status != StatusActive {
		r.logger.Debug("hook skipped",
			"channel_id", channelID,
			"bot_id", inst.ID,
			"hook", hook,
			"status", string(inst.status),
		)
		return
	}

	ctx := r.contextLocked(channelID, inst)
	if err := fn(ctx); err != nil {
		r.logger.Error("bot hook failed",
			"channel_id", channelID,
			"bot_id", inst.ID,
			"hook", hook,
			"error", err,
		)
	}
}

// contextLocked builds a hook context with a snapshot of the current
// state and version. Caller holds inst.mu.
func (r *Runtime) contextLocked(channelID string, inst *Instance) *Context {
	state := make(json.RawMessage, len(inst.state))
	copy(state, inst.state)
	return &Context{
		ChannelID: channelID,
		BotID:     inst.ID,
		Env:       inst.Def.EnvRedacted,
		runtime:   r,
		inst:      inst,
		state:     state,
		version:   inst.stateVersion,
	}
}

// channelInstances snapshots the instances of a channel in attach order.
func (r *Runtime) channelInstances(channelID string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.instances[channelID]))
	for _, inst := range r.instances[channelID] {
		out = append(out, inst)
	}
	sortInstances(out)
	return out
}

func sortInstances(insts []*Instance) {
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].CreatedAt.Equal(insts[j].CreatedAt) {
			return insts[i].ID < insts[j].ID
		}
		return insts[i].CreatedAt.Before(insts[j].CreatedAt)
	})
}

// Get returns an instance by id.
func (r *Runtime) Get(channelID, botID string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[channelID][botID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, botID)
	}
	return inst, nil
}

// TogglePause flips an instance between active and paused and returns the
// new status.
func (r *Runtime) TogglePause(channelID, botID string) (Status, error) {
	inst, err := r.Get(channelID, botID)
	if err != nil {
		return "", err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch inst.status {
	case StatusActive:
		inst.status = StatusPaused
	case StatusPaused:
		inst.status = StatusActive
	default:
		return "", fmt.Errorf("%w: cannot toggle pause from %s", ErrBadTransition, inst.status)
	}
	return inst.status, nil
}

// Detach terminates an instance and removes it from the channel index.
// There is no transition out of terminated.
func (r *Runtime) Detach(channelID, botID string) error {
	inst, err := r.Get(channelID, botID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.status = StatusTerminated
	inst.mu.Unlock()

	r.mu.Lock()
	delete(r.instances[channelID], botID)
	r.mu.Unlock()
	return nil
}

// InspectState returns a consistent snapshot of an instance's state blob
// and version, taken under the same lock that serializes hook dispatch.
func (r *Runtime) InspectState(channelID, botID string) (json.RawMessage, int, error) {
	inst, err := r.Get(channelID, botID)
	if err != nil {
		return nil, 0, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	snapshot := make(json.RawMessage, len(inst.state))
	copy(snapshot, inst.state)
	return snapshot, inst.stateVersion, nil
}

// StateVersion returns the current state version of an instance.
func (r *Runtime) StateVersion(channelID, botID string) (int, error) {
	inst, err := r.Get(channelID, botID)
	if err != nil {
		return 0, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.stateVersion, nil
}

// List returns sanitized info for every bot attached to a channel.
func (r *Runtime) List(channelID string) []Info {
	insts := r.channelInstances(channelID)
	out := make([]Info, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		out = append(out, Info{
			ID:           inst.ID,
			Name:         inst.Def.Name,
			Version:      inst.Def.Version,
			Manifest:     inst.Def.Manifest,
			Status:       inst.status,
			StateVersion: inst.stateVersion,
			CreatedAt:    inst.CreatedAt,
		})
		inst.mu.Unlock()
	}
	return out
}
