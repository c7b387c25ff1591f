// ABOUTME: Hook execution context handed to bot programs on every invocation
// ABOUTME: Carries the loaded state snapshot and the only write path back into the runtime

package bot

import (
	"encoding/json"
	"fmt"

	"github.com/2389/parley/internal/msglog"
)

// Context is the capability surface a program sees during one hook call.
// It is valid only for the duration of that call. The state snapshot is
// loaded before the hook runs; SetState writes back with the loaded
// version as the expected prior version.
type Context struct {
	ChannelID string
	BotID     string
	// Env holds the definition's redacted secrets. They are injected here
	// and nowhere else.
	Env map[string]string

	runtime *Runtime
	inst    *Instance
	state   json.RawMessage
	version int
}

// Post appends a message to the channel attributed to this bot. Posts
// take effect immediately and stay in the log even if a later SetState in
// the same hook is rejected.
func (c *Context) Post(kind msglog.Kind, body msglog.Body) (*msglog.Message, error) {
	return c.runtime.poster.PostFromBot(c.ChannelID, c.BotID, kind, body)
}

// State returns the state blob as loaded at hook entry (or as last
// written by SetState within this hook). Empty for a fresh bot.
func (c *Context) State() json.RawMessage {
	return c.state
}

// StateVersion returns the version the next SetState call expects.
func (c *Context) StateVersion() int {
	return c.version
}

// LoadState unmarshals the state blob into v. A fresh bot with no state
// yet leaves v untouched and returns false.
func (c *Context) LoadState(v any) (bool, error) {
	if len(c.state) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(c.state, v); err != nil {
		return false, fmt.Errorf("decoding bot state: %w", err)
	}
	return true, nil
}

// SetState writes a new state blob, expecting the instance version to
// still match the one this context loaded. On a lost update the write is
// rejected with ErrStaleState and the instance state is left untouched.
// On success the version increments by exactly one. The caller holds the
// instance dispatch lock for the whole hook, so a mismatch indicates a
// runtime bug; it is guarded regardless.
func (c *Context) SetState(v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding bot state: %w", err)
	}
	if c.inst.stateVersion != c.version {
		return fmt.Errorf("%w: have %d, expected %d", ErrStaleState, c.inst.stateVersion, c.version)
	}
	c.inst.state = blob
	c.inst.stateVersion++
	c.version = c.inst.stateVersion
	c.state = blob
	return nil
}

// AdminOp applies a channel admin operation on behalf of the bot.
// Requires the manifest permission can_update_channel.
func (c *Context) AdminOp(op map[string]any) error {
	if !c.inst.Def.Manifest.Permissions.CanUpdateChannel {
		return fmt.Errorf("%w: can_update_channel not granted", ErrNotPermitted)
	}
	return c.runtime.poster.ApplyBotOp(c.ChannelID, c.BotID, op)
}
