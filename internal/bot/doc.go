// Package bot runs server-resident programs inside channels.
//
// # Overview
//
// A bot is a Program (three lifecycle hooks: on_init, on_join, on_message)
// attached to a channel as an Instance. The Runtime is the sole writer of
// an instance's state blob; everything a hook may do flows through the
// Context it receives.
//
// # Dispatch contract
//
// Hook invocations for one instance are strictly serialized by a per-
// instance mutex, even when messages arrive concurrently from different
// sessions. Before each call the runtime snapshots (state, state_version)
// into the Context; the hook may Post any number of messages (immediate,
// attributed to the bot) and may write state back with SetState, which
// expects the loaded version and increments it by exactly one. A version
// mismatch rejects the write with ErrStaleState while already-posted
// messages stay in the log.
//
// This stateless-handler/external-state split is deliberate: it is what
// makes serialized dispatch observable and lost updates detectable, and
// it means a turn-based bot's own turn logic can never race itself.
//
// # Lifecycle
//
// uninitialized -> active (on_init, exactly once) -> paused <-> active,
// or -> terminated (no way back). While paused, hooks are skipped: the
// instance ignores traffic rather than queueing it.
//
// # Loading
//
// How program code is obtained is a strategy behind the Loader interface.
// The in-process BuiltinLoader maps names to factories; a compiled-module
// or sandboxed-interpreter loader would slot in without touching dispatch,
// state, or locking.
package bot
