// Package msglog implements the per-channel append-only message log.
//
// # Overview
//
// Every channel owns exactly one Log. Appends assign contiguous,
// channel-scoped ids starting at 1; id order is the only ordering
// guarantee and entries are never mutated or deleted.
//
// # Cursors
//
// A cursor is the id of the last message a reader has seen. Read(cursor)
// returns everything newer; cursor 0 reads from the beginning. Because ids
// are gap-free, a reader that chains cursors observes every message
// exactly once even while racing a live append stream.
//
// # Long-poll
//
// Wait(ctx, cursor, timeout) blocks the caller (and only the caller) until
// a newer message arrives or the timeout elapses, then returns whatever is
// available, possibly nothing. An empty result is a normal outcome, not an
// error. Appenders wake all satisfied waiters by closing a broadcast
// channel and replacing it under the log mutex, so many concurrent waiters
// on the same channel are cheap and no lock is held while parked.
package msglog
