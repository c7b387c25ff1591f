// ABOUTME: Channel and slot entities plus the sanitized view projection
// ABOUTME: Slots are stable seats filled by bot instances or bound sessions

package channel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/2389/parley/internal/bot"
	"github.com/2389/parley/internal/msglog"
)

// Channel errors
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrSlotNotFound    = errors.New("slot not found")
	ErrNotMember       = errors.New("session is not a member")
	ErrNotAdmin        = errors.New("admin capability required")
	ErrBadOp           = errors.New("bad channel op")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrBadSlotSpec     = errors.New("bad slot spec")
)

// SlotKind distinguishes bot-occupied seats from invite-redeemable ones.
type SlotKind string

const (
	SlotBot    SlotKind = "bot"
	SlotInvite SlotKind = "invite"
)

// Slot is a named seat in a channel. IDs are assigned at creation and
// never reused within the channel. FilledBy is empty, a bound session id,
// or a "bot:<bot_id>" reference.
type Slot struct {
	ID       string   `json:"slot_id"`
	Kind     SlotKind `json:"kind"`
	Role     string   `json:"role"`
	Admin    bool     `json:"admin"`
	FilledBy string   `json:"filled_by,omitempty"`
}

// SlotSpec declares a slot at channel creation.
type SlotSpec struct {
	Kind  SlotKind
	Role  string
	Admin bool
}

// ParseSlotSpec parses the "kind:role" declaration form, e.g.
// "bot:referee" or "invite:player". Bot slots are admin by default.
func ParseSlotSpec(s string) (SlotSpec, error) {
	kindStr, role, ok := strings.Cut(s, ":")
	if !ok || role == "" {
		return SlotSpec{}, fmt.Errorf("%w: %q (want kind:role)", ErrBadSlotSpec, s)
	}
	kind := SlotKind(kindStr)
	if kind != SlotBot && kind != SlotInvite {
		return SlotSpec{}, fmt.Errorf("%w: unknown kind %q", ErrBadSlotSpec, kindStr)
	}
	return SlotSpec{Kind: kind, Role: role, Admin: kind == SlotBot}, nil
}

// String returns the declaration form, used to match bot definitions to
// their slots.
func (s SlotSpec) String() string {
	return string(s.Kind) + ":" + s.Role
}

// Channel is a room: an ordered slot table, a message log, and the bot
// instances attached to it (owned by the runtime, keyed by channel id).
// Slots and name are guarded by mu; the log has its own locking.
type Channel struct {
	ID        string
	Log       *msglog.Log
	CreatedAt time.Time

	mu            sync.RWMutex
	name          string
	slots         []*Slot
	compositionID int64 // log id of the last composition-changing message
}

// Name returns the channel's current name.
func (c *Channel) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Channel) setName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// slot returns the slot with the given id. Caller holds c.mu.
func (c *Channel) slotLocked(slotID string) (*Slot, error) {
	for _, s := range c.slots {
		if s.ID == slotID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
}

// bumpComposition records that the channel's composition (slots, bots,
// name) changed at the given log id.
func (c *Channel) bumpComposition(msgID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msgID > c.compositionID {
		c.compositionID = msgID
	}
}

// compositionChangedSince reports whether composition changed after the
// given cursor.
func (c *Channel) compositionChangedSince(cursor int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compositionID > cursor
}

// View is the read-only projection of a channel handed to clients. Slot
// session ids are visible; redacted bot env material never is.
type View struct {
	ChannelID string     `json:"channel_id"`
	Name      string     `json:"name"`
	Slots     []Slot     `json:"slots"`
	Bots      []bot.Info `json:"bots"`
	CreatedAt time.Time  `json:"created_at"`
}
