// Package channel is the orchestration layer: it owns every channel's
// slot table and message log, and wires the token manager and bot runtime
// together without letting either reach into the other.
//
// # Shape
//
// The Registry is the single entry point. It implements token.SlotBinder
// (the token manager's view of slots) and bot.Poster (the runtime's write
// path into logs), so the three layers form a diamond with the registry at
// the top and no cycle at the package level.
//
// # Locking
//
// Each channel guards its slot table and name with its own RWMutex; the
// log locks independently. The registry never holds a channel lock while
// calling into the token manager or the bot runtime, and bot hook
// execution (which holds an instance lock) only re-enters the registry
// through PostFromBot and ApplyBotOp, neither of which dispatches hooks
// or touches instance locks.
//
// # Admin ops
//
// UpdateChannel applies batches of ops; each op is atomic and posts its
// own system message, but a failing op aborts the rest of the batch
// without rolling back ops already applied. Bots holding the
// can_update_channel permission get the slot-table subset of the same
// ops through ApplyBotOp.
package channel
