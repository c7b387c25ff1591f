// Package token issues and validates the capability tokens that bind
// client sessions to channel slots.
//
// Three token forms make up a small state machine:
//
//   - invite code: an unguessable single-use string scoped to one unfilled
//     slot. Redeeming it exactly once yields a member token; concurrent
//     redemptions are linearized per slot so only the first succeeds.
//   - member token: a durable HS256 JWT carrying a grant id plus channel
//     and slot claims. It proves the right to act as that slot.
//   - rejoin token: the member token presented again after a session
//     change. Rejoin atomically swaps the slot to the new session and
//     revokes the old session's capability, without touching bot state or
//     message history.
//
// The manager does not own slot occupancy; it drives a SlotBinder supplied
// by the channel layer, holding a per-slot mutex across the check-and-bind
// so redeem and rejoin are linearizable per (channel, slot).
package token
