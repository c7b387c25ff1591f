// Package httpapi is the thin JSON transport over the channel registry.
//
// All authorization lives below this layer: handlers extract the caller's
// session id from the X-Session-ID header and pass it through; the
// registry decides membership and admin capability. The package's main
// job beyond decoding is the error contract, mapping domain sentinel
// errors to stable machine-readable codes (INVITE_INVALID, NOT_MEMBER,
// NOT_ADMIN, BAD_OP, RATE_LIMIT, STALE_STATE, NOT_FOUND) so clients can
// branch without parsing messages.
//
// Long-polling rides on plain GET: /v1/channels/{id}/messages blocks up
// to timeout_ms for messages past the cursor and returns an empty batch
// on timeout, which clients treat as a normal retry signal.
package httpapi
