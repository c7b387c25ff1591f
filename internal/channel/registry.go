// ABOUTME: Registry owning all channels: create/join/post/sync/who plus bot attachment
// ABOUTME: Routes membership checks through the token manager and hook dispatch through the bot runtime

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/parley/internal/bot"
	"github.com/2389/parley/internal/msglog"
	"github.com/2389/parley/internal/token"
)

// Limits bounds per-channel and per-session resource usage.
type Limits struct {
	// SyncWaitCap caps the long-poll timeout a client may request.
	// Zero means no cap.
	SyncWaitCap time.Duration
	// MaxBodyBytes rejects message bodies whose JSON encoding exceeds
	// this size. Zero means unlimited.
	MaxBodyBytes int
	// PostRate/PostBurst rate-limit posts per session. Zero rate
	// disables limiting.
	PostRate  float64
	PostBurst int
}

// Registry owns every channel in the process: the slot tables, the
// message logs, and (through the bot runtime) the bot instances. All
// mutation goes through registry operations; no caller gets direct
// mutable access to channel state.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time
	limits Limits

	tokens *token.Manager
	bots   *bot.Runtime

	mu       sync.RWMutex
	channels map[string]*Channel

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRegistry creates a Registry, wiring up its token manager (signing
// member tokens with secret) and the bot runtime (loading programs via
// loader). Pass nil logger for default.
func NewRegistry(secret []byte, loader bot.Loader, limits Limits, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:   logger.With("component", "registry"),
		now:      time.Now,
		limits:   limits,
		channels: make(map[string]*Channel),
		limiters: make(map[string]*rate.Limiter),
	}
	r.tokens = token.NewManager(secret, r, logger)
	r.bots = bot.NewRuntime(r, loader, logger)
	return r
}

// Tokens exposes the token manager (invite invalidation, direct authorize).
func (r *Registry) Tokens() *token.Manager { return r.tokens }

// Bots exposes the bot runtime (read-only inspection paths).
func (r *Registry) Bots() *bot.Runtime { return r.bots }

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// CreateResult is the response to CreateChannel.
type CreateResult struct {
	ChannelID string   `json:"channel_id"`
	Invites   []string `json:"invites"`
	View      *View    `json:"view"`
}

// CreateChannel allocates a channel with the declared slots, attaches any
// bots to their bot slots, generates invite codes for every invite slot,
// and announces the attached bots with a system message.
func (r *Registry) CreateChannel(name string, specs []SlotSpec, defs []bot.Definition) (*CreateResult, error) {
	ch := &Channel{
		ID:        "chn_" + uuid.NewString(),
		Log:       msglog.New(r.now),
		CreatedAt: r.now().UTC(),
		name:      name,
	}
	for i, spec := range specs {
		ch.slots = append(ch.slots, &Slot{
			ID:    fmt.Sprintf("s%d", i),
			Kind:  spec.Kind,
			Role:  spec.Role,
			Admin: spec.Admin,
		})
	}

	r.mu.Lock()
	r.channels[ch.ID] = ch
	r.mu.Unlock()

	// A failure mid-create must not leave a half-built channel reachable.
	fail := func(err error) (*CreateResult, error) {
		r.mu.Lock()
		delete(r.channels, ch.ID)
		r.mu.Unlock()
		return nil, err
	}

	// Invite codes for every unfilled invite slot.
	var invites []string
	for _, slot := range ch.slots {
		if slot.Kind != SlotInvite {
			continue
		}
		code, err := r.tokens.CreateInvite(ch.ID, slot.ID)
		if err != nil {
			return fail(err)
		}
		invites = append(invites, code)
	}

	// Announce attached bots before any of them speaks.
	if len(defs) > 0 {
		announce := make([]msglog.Body, 0, len(defs))
		for _, def := range defs {
			announce = append(announce, msglog.Body{
				"name":    def.Name,
				"version": def.Version,
				"summary": def.Manifest.Summary,
			})
		}
		msg, err := r.PostSystem(ch.ID, msglog.Body{"type": "bots_announced", "bots": announce})
		if err != nil {
			return fail(err)
		}
		ch.bumpComposition(msg.ID)
	}

	// Attach each definition to its bot slot.
	used := make([]bool, len(defs))
	for i, slot := range ch.slots {
		if slot.Kind != SlotBot {
			continue
		}
		spec := specs[i].String()
		di := matchDef(defs, used, spec)
		if di < 0 {
			continue
		}
		used[di] = true
		if _, err := r.attachToSlot(ch, slot.ID, defs[di]); err != nil {
			return fail(err)
		}
	}
	ch.bumpComposition(ch.Log.LastID())

	r.logger.Info("channel created",
		"channel_id", ch.ID,
		"name", name,
		"slots", len(specs),
		"bots", len(defs),
	)
	return &CreateResult{ChannelID: ch.ID, Invites: invites, View: r.view(ch)}, nil
}

// matchDef finds the first unused definition bound to spec, or any unused
// definition with no explicit slot binding.
func matchDef(defs []bot.Definition, used []bool, spec string) int {
	for i, def := range defs {
		if !used[i] && def.Slot == spec {
			return i
		}
	}
	for i, def := range defs {
		if !used[i] && def.Slot == "" {
			return i
		}
	}
	return -1
}

// attachToSlot runs the bot attach flow and fills the slot with the new
// instance reference.
func (r *Registry) attachToSlot(ch *Channel, slotID string, def bot.Definition) (*bot.Instance, error) {
	inst, err := r.bots.Attach(ch.ID, def)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	slot, err := ch.slotLocked(slotID)
	if err != nil {
		return nil, err
	}
	slot.FilledBy = "bot:" + inst.ID
	return inst, nil
}

// JoinResult is the response to JoinChannel.
type JoinResult struct {
	ChannelID string `json:"channel_id"`
	SlotID    string `json:"slot_id"`
	Token     string `json:"token"`
	View      *View  `json:"view"`
}

// JoinChannel redeems an invite code or rejoins with a member token.
// A fresh redemption binds the session, posts a system message, and
// triggers on_join for every bot in the channel. A rejoin atomically
// hands the slot to the new session without touching bot state or
// history.
func (r *Registry) JoinChannel(code, sessionID string) (*JoinResult, error) {
	if token.IsMemberToken(code) {
		grant, err := r.tokens.Rejoin(code, sessionID)
		if err != nil {
			return nil, err
		}
		ch, err := r.channel(grant.ChannelID)
		if err != nil {
			return nil, err
		}
		msg, err := r.PostSystem(ch.ID, msglog.Body{
			"type":    "member_rejoined",
			"slot_id": grant.SlotID,
		})
		if err != nil {
			return nil, err
		}
		ch.bumpComposition(msg.ID)
		return &JoinResult{ChannelID: ch.ID, SlotID: grant.SlotID, Token: code, View: r.view(ch)}, nil
	}

	grant, memberToken, err := r.tokens.Redeem(code, sessionID)
	if err != nil {
		return nil, err
	}
	ch, err := r.channel(grant.ChannelID)
	if err != nil {
		return nil, err
	}
	msg, err := r.PostSystem(ch.ID, msglog.Body{
		"type":       "member_joined",
		"slot_id":    grant.SlotID,
		"session_id": sessionID,
	})
	if err != nil {
		return nil, err
	}
	ch.bumpComposition(msg.ID)

	r.bots.DispatchJoin(ch.ID, sessionID)

	return &JoinResult{ChannelID: ch.ID, SlotID: grant.SlotID, Token: memberToken, View: r.view(ch)}, nil
}

// PostResult is the response to PostMessage.
type PostResult struct {
	MsgID int64     `json:"msg_id"`
	TS    time.Time `json:"ts"`
}

// PostMessage appends a client message and synchronously dispatches it to
// the channel's bots. Fails with ErrNotMember for sessions not bound to
// any slot and ErrRateLimited when the session exceeds its post budget.
func (r *Registry) PostMessage(channelID, sessionID string, kind msglog.Kind, body msglog.Body) (*PostResult, error) {
	ch, err := r.channel(channelID)
	if err != nil {
		return nil, err
	}
	auth := r.tokens.Authorize(channelID, sessionID)
	if !auth.IsMember {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, sessionID)
	}
	if !r.allowPost(sessionID) {
		return nil, fmt.Errorf("%w: session %s", ErrRateLimited, sessionID)
	}
	if err := r.checkBodySize(body); err != nil {
		return nil, err
	}

	// Occupancy re-check and append under the slot lock. Rejoin swaps the
	// slot occupant under ch.mu, so once a rebind completes an evicted
	// session can no longer slip a message into the log: its append either
	// finished before the swap took the lock or sees the new occupant here.
	ch.mu.RLock()
	slot, err := ch.slotLocked(auth.SlotID)
	if err != nil || slot.FilledBy != sessionID {
		ch.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotMember, sessionID)
	}
	msg, err := ch.Log.Append(kind, sessionID, body)
	ch.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// Bots observe the append synchronously; anything they post lands
	// after this message in the log.
	r.bots.DispatchMessage(ch.ID, msg)

	return &PostResult{MsgID: msg.ID, TS: msg.TS}, nil
}

// SyncResult is the response to SyncMessages. View is set only when the
// channel composition changed since the requested cursor.
type SyncResult struct {
	Messages []*msglog.Message `json:"messages"`
	Cursor   int64             `json:"cursor"`
	View     *View             `json:"view,omitempty"`
}

// SyncMessages long-polls the channel log from cursor. An empty result
// after the timeout is a normal outcome; callers re-issue with the same
// cursor.
func (r *Registry) SyncMessages(ctx context.Context, channelID, sessionID string, cursor int64, timeout time.Duration) (*SyncResult, error) {
	ch, err := r.channel(channelID)
	if err != nil {
		return nil, err
	}
	auth := r.tokens.Authorize(channelID, sessionID)
	if !auth.IsMember {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, sessionID)
	}
	if r.limits.SyncWaitCap > 0 && timeout > r.limits.SyncWaitCap {
		timeout = r.limits.SyncWaitCap
	}

	msgs := ch.Log.Wait(ctx, cursor, timeout)
	res := &SyncResult{Messages: msgs, Cursor: cursor}
	if len(msgs) > 0 {
		res.Cursor = msgs[len(msgs)-1].ID
	}
	if ch.compositionChangedSince(cursor) {
		res.View = r.view(ch)
	}
	return res, nil
}

// Who returns the channel's sanitized view.
func (r *Registry) Who(channelID string) (*View, error) {
	ch, err := r.channel(channelID)
	if err != nil {
		return nil, err
	}
	return r.view(ch), nil
}

// AttachResult is the response to AttachBot.
type AttachResult struct {
	BotID    string       `json:"bot_id"`
	Manifest bot.Manifest `json:"manifest"`
}

// AttachBot attaches a bot to the channel, occupying the first unfilled
// bot slot or appending a new one. Requires admin capability.
func (r *Registry) AttachBot(channelID, sessionID string, def bot.Definition) (*AttachResult, error) {
	ch, err := r.channel(channelID)
	if err != nil {
		return nil, err
	}
	if err := r.requireAdmin(channelID, sessionID); err != nil {
		return nil, err
	}

	slotID := ""
	ch.mu.Lock()
	for _, slot := range ch.slots {
		if slot.Kind == SlotBot && slot.FilledBy == "" {
			slotID = slot.ID
			break
		}
	}
	if slotID == "" {
		slot := &Slot{
			ID:    fmt.Sprintf("s%d", len(ch.slots)),
			Kind:  SlotBot,
			Role:  def.Name,
			Admin: true,
		}
		ch.slots = append(ch.slots, slot)
		slotID = slot.ID
	}
	ch.mu.Unlock()

	inst, err := r.attachToSlot(ch, slotID, def)
	if err != nil {
		return nil, err
	}
	ch.bumpComposition(ch.Log.LastID())

	return &AttachResult{BotID: inst.ID, Manifest: inst.Def.Manifest}, nil
}

// InspectBot returns a consistent snapshot of a bot's state blob and
// version. Admin-only; taken under the bot's dispatch lock.
func (r *Registry) InspectBot(channelID, sessionID, botID string) (json.RawMessage, int, error) {
	if _, err := r.channel(channelID); err != nil {
		return nil, 0, err
	}
	if err := r.requireAdmin(channelID, sessionID); err != nil {
		return nil, 0, err
	}
	return r.bots.InspectState(channelID, botID)
}

// requireAdmin checks membership then admin capability.
func (r *Registry) requireAdmin(channelID, sessionID string) error {
	auth := r.tokens.Authorize(channelID, sessionID)
	if !auth.IsMember {
		return fmt.Errorf("%w: %s", ErrNotMember, sessionID)
	}
	if !auth.IsAdmin {
		return fmt.Errorf("%w: session %s", ErrNotAdmin, sessionID)
	}
	return nil
}

// channel looks up a channel by id.
func (r *Registry) channel(channelID string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return ch, nil
}

// view snapshots the channel for external consumption.
func (r *Registry) view(ch *Channel) *View {
	ch.mu.RLock()
	slots := make([]Slot, len(ch.slots))
	for i, s := range ch.slots {
		slots[i] = *s
	}
	name := ch.name
	ch.mu.RUnlock()

	return &View{
		ChannelID: ch.ID,
		Name:      name,
		Slots:     slots,
		Bots:      r.bots.List(ch.ID),
		CreatedAt: ch.CreatedAt,
	}
}

// allowPost consults the per-session post limiter.
func (r *Registry) allowPost(sessionID string) bool {
	if r.limits.PostRate <= 0 {
		return true
	}
	r.limitMu.Lock()
	defer r.limitMu.Unlock()
	lim, ok := r.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.limits.PostRate), r.limits.PostBurst)
		r.limiters[sessionID] = lim
	}
	return lim.Allow()
}

// checkBodySize enforces the configured body budget.
func (r *Registry) checkBodySize(body msglog.Body) error {
	if r.limits.MaxBodyBytes <= 0 {
		return nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", msglog.ErrBadBody, err)
	}
	if len(data) > r.limits.MaxBodyBytes {
		return fmt.Errorf("%w: body %d bytes exceeds %d", msglog.ErrBadBody, len(data), r.limits.MaxBodyBytes)
	}
	return nil
}

// Sentinel re-exports so callers can match token failures without
// importing both packages.
var (
	ErrInviteInvalid = token.ErrInviteInvalid
	ErrTokenInvalid  = token.ErrTokenInvalid
)
