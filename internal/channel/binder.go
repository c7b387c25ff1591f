// ABOUTME: Registry implementations of the token SlotBinder and bot Poster interfaces
// ABOUTME: These are the only paths by which the token and bot layers touch channel state

package channel

import (
	"encoding/json"
	"fmt"

	"github.com/2389/parley/internal/bot"
	"github.com/2389/parley/internal/msglog"
	"github.com/2389/parley/internal/token"
)

// SlotInfo reports a slot's occupant and admin flag for the token manager.
func (r *Registry) SlotInfo(channelID, slotID string) (string, bool, error) {
	ch, err := r.channel(channelID)
	if err != nil {
		return "", false, err
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	slot, err := ch.slotLocked(slotID)
	if err != nil {
		return "", false, err
	}
	return slot.FilledBy, slot.Admin, nil
}

// BindSlot fills an empty slot with a session. The token manager holds the
// per-slot redeem lock across this call, so ErrSlotFilled here means a
// non-invite path (an admin op) raced us.
func (r *Registry) BindSlot(channelID, slotID, sessionID string) error {
	ch, err := r.channel(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	slot, err := ch.slotLocked(slotID)
	if err != nil {
		return err
	}
	if slot.FilledBy != "" {
		return fmt.Errorf("%w: %s/%s", token.ErrSlotFilled, channelID, slotID)
	}
	slot.FilledBy = sessionID
	return nil
}

// SwapSlot hands a slot from one session to another. Used by rejoin; the
// old occupant must still hold the seat.
func (r *Registry) SwapSlot(channelID, slotID, oldSession, newSession string) error {
	ch, err := r.channel(channelID)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	slot, err := ch.slotLocked(slotID)
	if err != nil {
		return err
	}
	if slot.FilledBy != oldSession {
		return fmt.Errorf("%w: slot %s not held by %s", token.ErrTokenInvalid, slotID, oldSession)
	}
	slot.FilledBy = newSession
	return nil
}

// PostFromBot appends a message attributed to a bot instance. The body is
// copied and enriched with the bot id so readers can attribute it without
// parsing the sender. No dispatch happens here: a bot's own posts never
// re-enter hook execution.
func (r *Registry) PostFromBot(channelID, botID string, kind msglog.Kind, body msglog.Body) (*msglog.Message, error) {
	ch, err := r.channel(channelID)
	if err != nil {
		return nil, err
	}
	if _, err := r.bots.Get(channelID, botID); err != nil {
		return nil, err
	}
	enriched := make(msglog.Body, len(body)+1)
	for k, v := range body {
		enriched[k] = v
	}
	enriched["bot_id"] = botID
	return ch.Log.Append(kind, "bot:"+botID, enriched)
}

// PostSystem appends a runtime-attributed system message.
func (r *Registry) PostSystem(channelID string, body msglog.Body) (*msglog.Message, error) {
	ch, err := r.channel(channelID)
	if err != nil {
		return nil, err
	}
	return ch.Log.Append(msglog.KindSystem, "system", body)
}

// ApplyBotOp applies an admin op on behalf of a bot. The bot's slot must
// carry the admin flag. Only slot-table ops (rename, set_admin) are open
// to bots; lifecycle ops would re-enter the dispatch lock of the calling
// hook.
func (r *Registry) ApplyBotOp(channelID, botID string, rawOp map[string]any) error {
	ch, err := r.channel(channelID)
	if err != nil {
		return err
	}

	ch.mu.RLock()
	admin := false
	for _, slot := range ch.slots {
		if slot.FilledBy == "bot:"+botID {
			admin = slot.Admin
			break
		}
	}
	ch.mu.RUnlock()
	if !admin {
		return fmt.Errorf("%w: bot %s", ErrNotAdmin, botID)
	}

	data, err := json.Marshal(rawOp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadOp, err)
	}
	var op Op
	if err := json.Unmarshal(data, &op); err != nil {
		return fmt.Errorf("%w: %v", ErrBadOp, err)
	}
	switch op.Type {
	case "rename", "set_admin":
	default:
		return fmt.Errorf("%w: %q not permitted for bots", ErrBadOp, op.Type)
	}

	sysBody, _, err := r.applyOp(ch, op)
	if err != nil {
		return err
	}
	sysBody["by_bot"] = botID
	msg, err := r.PostSystem(ch.ID, sysBody)
	if err != nil {
		return err
	}
	ch.bumpComposition(msg.ID)
	return nil
}

var _ token.SlotBinder = (*Registry)(nil)
var _ bot.Poster = (*Registry)(nil)
