// ABOUTME: Admin channel ops: set_bot, remove_bot, yield_slot, set_admin, rename, debug_bot
// ABOUTME: Each op is atomic and independently validated; every success posts a system message

package channel

import (
	"fmt"
	"strings"

	"github.com/2389/parley/internal/bot"
	"github.com/2389/parley/internal/msglog"
)

// Op is one admin operation in an UpdateChannel batch. Which fields are
// required depends on Type.
type Op struct {
	Type   string          `json:"type"`
	SlotID string          `json:"slot_id,omitempty"`
	Name   string          `json:"name,omitempty"`   // rename
	Admin  bool            `json:"admin,omitempty"`  // set_admin
	To     SlotKind        `json:"to,omitempty"`     // yield_slot
	BotDef *bot.Definition `json:"bot_def,omitempty"` // set_bot
	BotID  string          `json:"bot_id,omitempty"` // debug_bot
	Action string          `json:"action,omitempty"` // debug_bot: toggle_pause
}

// UpdateResult is the response to UpdateChannel. Invites holds codes for
// slots yielded to invite kind during the batch; they are returned here
// rather than leaked into the public log.
type UpdateResult struct {
	OK      bool     `json:"ok"`
	View    *View    `json:"view"`
	Invites []string `json:"invites,omitempty"`
}

// UpdateChannel applies admin ops in order. Each op is validated and
// applied atomically and posts one system message on success. The batch
// is not transactional: a failing op aborts the call, but ops already
// applied stay committed.
func (r *Registry) UpdateChannel(channelID, sessionID string, ops []Op) (*UpdateResult, error) {
	ch, err := r.channel(channelID)
	if err != nil {
		return nil, err
	}
	if err := r.requireAdmin(channelID, sessionID); err != nil {
		return nil, err
	}

	result := &UpdateResult{OK: true}
	for i, op := range ops {
		sysBody, invite, err := r.applyOp(ch, op)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, op.Type, err)
		}
		if invite != "" {
			result.Invites = append(result.Invites, invite)
		}
		msg, err := r.PostSystem(ch.ID, sysBody)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, op.Type, err)
		}
		ch.bumpComposition(msg.ID)
	}

	result.View = r.view(ch)
	return result, nil
}

// applyOp validates and applies a single op, returning the system message
// body describing the change and, for yield-to-invite, a fresh invite code.
func (r *Registry) applyOp(ch *Channel, op Op) (msglog.Body, string, error) {
	switch op.Type {
	case "rename":
		if op.Name == "" {
			return nil, "", fmt.Errorf("%w: rename requires name", ErrBadOp)
		}
		ch.setName(op.Name)
		return msglog.Body{"type": "rename_applied", "name": op.Name}, "", nil

	case "set_admin":
		ch.mu.Lock()
		defer ch.mu.Unlock()
		slot, err := ch.slotLocked(op.SlotID)
		if err != nil {
			return nil, "", err
		}
		slot.Admin = op.Admin
		return msglog.Body{"type": "set_admin_applied", "slot_id": op.SlotID, "admin": op.Admin}, "", nil

	case "yield_slot":
		return r.opYieldSlot(ch, op)

	case "set_bot":
		return r.opSetBot(ch, op)

	case "remove_bot":
		return r.opRemoveBot(ch, op)

	case "debug_bot":
		if op.Action != "toggle_pause" {
			return nil, "", fmt.Errorf("%w: debug_bot action %q", ErrBadOp, op.Action)
		}
		status, err := r.bots.TogglePause(ch.ID, op.BotID)
		if err != nil {
			return nil, "", err
		}
		return msglog.Body{"type": "debug_bot_applied", "bot_id": op.BotID, "status": string(status)}, "", nil

	default:
		return nil, "", fmt.Errorf("%w: %q", ErrBadOp, op.Type)
	}
}

// opYieldSlot changes a slot's kind, vacating it. Role and admin are
// preserved; any occupant loses the seat (a session's grant is revoked, a
// bot instance is detached). Yielding to invite kind mints a fresh code.
func (r *Registry) opYieldSlot(ch *Channel, op Op) (msglog.Body, string, error) {
	if op.To != SlotBot && op.To != SlotInvite {
		return nil, "", fmt.Errorf("%w: yield_slot to %q", ErrBadOp, op.To)
	}

	ch.mu.Lock()
	slot, err := ch.slotLocked(op.SlotID)
	if err != nil {
		ch.mu.Unlock()
		return nil, "", err
	}
	previous := slot.FilledBy
	slot.Kind = op.To
	slot.FilledBy = ""
	ch.mu.Unlock()

	if botID, ok := strings.CutPrefix(previous, "bot:"); ok {
		if err := r.bots.Detach(ch.ID, botID); err != nil {
			r.logger.Warn("detach on yield failed", "channel_id", ch.ID, "bot_id", botID, "error", err)
		}
	} else if previous != "" {
		r.tokens.RevokeSlot(ch.ID, op.SlotID)
	}

	invite := ""
	if op.To == SlotInvite {
		invite, err = r.tokens.CreateInvite(ch.ID, op.SlotID)
		if err != nil {
			return nil, "", err
		}
	}
	return msglog.Body{"type": "yield_slot_applied", "slot_id": op.SlotID, "to": string(op.To)}, invite, nil
}

// opSetBot installs a bot into a slot, replacing a previous bot occupant.
// A slot held by a live session cannot be taken over.
func (r *Registry) opSetBot(ch *Channel, op Op) (msglog.Body, string, error) {
	if op.BotDef == nil {
		return nil, "", fmt.Errorf("%w: set_bot requires bot_def", ErrBadOp)
	}

	ch.mu.Lock()
	slot, err := ch.slotLocked(op.SlotID)
	if err != nil {
		ch.mu.Unlock()
		return nil, "", err
	}
	previous := slot.FilledBy
	if previous != "" && !strings.HasPrefix(previous, "bot:") {
		ch.mu.Unlock()
		return nil, "", fmt.Errorf("%w: slot %s occupied by a session", ErrBadOp, op.SlotID)
	}
	ch.mu.Unlock()

	if botID, ok := strings.CutPrefix(previous, "bot:"); ok {
		if err := r.bots.Detach(ch.ID, botID); err != nil {
			return nil, "", err
		}
	}

	inst, err := r.bots.Attach(ch.ID, *op.BotDef)
	if err != nil {
		return nil, "", err
	}

	ch.mu.Lock()
	slot, err = ch.slotLocked(op.SlotID)
	if err == nil {
		slot.Kind = SlotBot
		slot.Admin = true
		slot.FilledBy = "bot:" + inst.ID
	}
	ch.mu.Unlock()
	if err != nil {
		return nil, "", err
	}

	return msglog.Body{
		"type":    "set_bot_applied",
		"slot_id": op.SlotID,
		"bot_id":  inst.ID,
		"name":    op.BotDef.Name,
	}, "", nil
}

// opRemoveBot detaches the bot occupying a slot. A bot-kind slot loses
// its default admin flag with its occupant.
func (r *Registry) opRemoveBot(ch *Channel, op Op) (msglog.Body, string, error) {
	ch.mu.Lock()
	slot, err := ch.slotLocked(op.SlotID)
	if err != nil {
		ch.mu.Unlock()
		return nil, "", err
	}
	botID, ok := strings.CutPrefix(slot.FilledBy, "bot:")
	if !ok {
		ch.mu.Unlock()
		return nil, "", fmt.Errorf("%w: slot %s has no bot", ErrBadOp, op.SlotID)
	}
	slot.FilledBy = ""
	if slot.Kind == SlotBot {
		slot.Admin = false
	}
	ch.mu.Unlock()

	if err := r.bots.Detach(ch.ID, botID); err != nil {
		return nil, "", err
	}
	return msglog.Body{"type": "remove_bot_applied", "slot_id": op.SlotID, "bot_id": botID}, "", nil
}
