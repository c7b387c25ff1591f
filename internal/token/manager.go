// ABOUTME: Capability token manager for invite, member, and rejoin tokens
// ABOUTME: Linearizes redeem/rejoin per slot and binds sessions through a SlotBinder

package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInviteInvalid = errors.New("invite invalid")
	ErrSlotFilled    = errors.New("slot already filled")
	ErrTokenInvalid  = errors.New("member token invalid")
)

// SlotBinder is what the manager needs from the channel layer to move a
// slot between sessions. Implementations must be safe for concurrent use;
// the manager never calls them while holding its own mutex.
type SlotBinder interface {
	// SlotInfo returns the current occupant ("" if empty) and the admin
	// flag of a slot.
	SlotInfo(channelID, slotID string) (filledBy string, admin bool, err error)
	// BindSlot fills an empty slot with a session. Returns ErrSlotFilled
	// if another occupant got there first.
	BindSlot(channelID, slotID, sessionID string) error
	// SwapSlot atomically replaces the slot occupant. oldSession must be
	// the current occupant.
	SwapSlot(channelID, slotID, oldSession, newSession string) error
}

// Authorization is the result of an Authorize check, consulted by every
// mutating registry and log operation.
type Authorization struct {
	IsMember bool
	IsAdmin  bool
	SlotID   string
}

// Grant records a live member capability: one session acting as one slot.
type Grant struct {
	ID        string
	ChannelID string
	SlotID    string
	SessionID string
	IssuedAt  time.Time
}

type invite struct {
	code      string
	channelID string
	slotID    string
}

// Manager issues and validates capability tokens. Invite codes are
// single-use unguessable strings; member tokens are HS256 JWTs carrying a
// grant id and double as rejoin tokens.
type Manager struct {
	secret []byte
	binder SlotBinder
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	invites   map[string]*invite            // code -> invite
	grants    map[string]*Grant             // grant id -> grant
	byChannel map[string]map[string]*Grant  // channel id -> session id -> grant
	bySlot    map[string]*Grant             // "channel/slot" -> grant
	slotLocks map[string]*sync.Mutex        // "channel/slot" -> redeem/rejoin critical section
}

// NewManager creates a Manager signing member tokens with secret.
// Pass nil logger for default.
func NewManager(secret []byte, binder SlotBinder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		secret:    secret,
		binder:    binder,
		logger:    logger.With("component", "token"),
		now:       time.Now,
		invites:   make(map[string]*invite),
		grants:    make(map[string]*Grant),
		byChannel: make(map[string]map[string]*Grant),
		bySlot:    make(map[string]*Grant),
		slotLocks: make(map[string]*sync.Mutex),
	}
}

func slotKey(channelID, slotID string) string {
	return channelID + "/" + slotID
}

// slotLock returns the mutex serializing redeem/rejoin for one slot.
func (m *Manager) slotLock(channelID, slotID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey(channelID, slotID)
	lock, ok := m.slotLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.slotLocks[key] = lock
	}
	return lock
}

// CreateInvite generates a single-use invite code scoped to one unfilled
// slot. Fails with ErrSlotFilled if the slot already has an occupant.
func (m *Manager) CreateInvite(channelID, slotID string) (string, error) {
	filledBy, _, err := m.binder.SlotInfo(channelID, slotID)
	if err != nil {
		return "", err
	}
	if filledBy != "" {
		return "", fmt.Errorf("%w: %s", ErrSlotFilled, slotKey(channelID, slotID))
	}

	code := "inv_" + randomToken(24)

	m.mu.Lock()
	m.invites[code] = &invite{code: code, channelID: channelID, slotID: slotID}
	m.mu.Unlock()

	m.logger.Debug("invite created", "channel_id", channelID, "slot_id", slotID)
	return code, nil
}

// InvalidateInvite revokes an unredeemed invite code. Revoking an unknown
// or already-consumed code is a no-op.
func (m *Manager) InvalidateInvite(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.invites, code)
}

// Redeem consumes an invite code, binds the slot to sessionID, and returns
// the grant plus a signed member token. First redeemer wins: concurrent
// redemptions of the same code see exactly one success, the rest get
// ErrInviteInvalid. Redeeming for a session that already occupies the slot
// is idempotent and returns a fresh token for the existing grant.
func (m *Manager) Redeem(code, sessionID string) (*Grant, string, error) {
	m.mu.Lock()
	inv, ok := m.invites[code]
	m.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown or consumed code", ErrInviteInvalid)
	}

	lock := m.slotLock(inv.channelID, inv.slotID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the slot lock: a concurrent redeemer may have won.
	m.mu.Lock()
	if _, ok := m.invites[code]; !ok {
		m.mu.Unlock()
		return nil, "", fmt.Errorf("%w: unknown or consumed code", ErrInviteInvalid)
	}
	existing := m.bySlot[slotKey(inv.channelID, inv.slotID)]
	m.mu.Unlock()

	if existing != nil {
		if existing.SessionID == sessionID {
			tok, err := m.sign(existing)
			if err != nil {
				return nil, "", err
			}
			return existing, tok, nil
		}
		return nil, "", fmt.Errorf("%w: slot contested", ErrInviteInvalid)
	}

	if err := m.binder.BindSlot(inv.channelID, inv.slotID, sessionID); err != nil {
		if errors.Is(err, ErrSlotFilled) {
			return nil, "", fmt.Errorf("%w: slot contested", ErrInviteInvalid)
		}
		return nil, "", err
	}

	grant := &Grant{
		ID:        uuid.New().String(),
		ChannelID: inv.channelID,
		SlotID:    inv.slotID,
		SessionID: sessionID,
		IssuedAt:  m.now().UTC(),
	}

	m.mu.Lock()
	delete(m.invites, code)
	m.grants[grant.ID] = grant
	if m.byChannel[grant.ChannelID] == nil {
		m.byChannel[grant.ChannelID] = make(map[string]*Grant)
	}
	m.byChannel[grant.ChannelID][sessionID] = grant
	m.bySlot[slotKey(grant.ChannelID, grant.SlotID)] = grant
	m.mu.Unlock()

	tok, err := m.sign(grant)
	if err != nil {
		return nil, "", err
	}

	m.logger.Info("invite redeemed",
		"channel_id", grant.ChannelID,
		"slot_id", grant.SlotID,
		"session_id", sessionID,
	)
	return grant, tok, nil
}

// Rejoin presents a member token after a session change: it atomically
// rebinds the slot to newSessionID and revokes all capability held by the
// previous session for that slot. Bot state and message history are left
// untouched.
func (m *Manager) Rejoin(tokenStr, newSessionID string) (*Grant, error) {
	grantID, channelID, slotID, err := m.verify(tokenStr)
	if err != nil {
		return nil, err
	}

	lock := m.slotLock(channelID, slotID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	grant, ok := m.grants[grantID]
	m.mu.Unlock()
	if !ok || grant.ChannelID != channelID || grant.SlotID != slotID {
		return nil, fmt.Errorf("%w: grant revoked", ErrTokenInvalid)
	}

	oldSession := grant.SessionID
	if oldSession == newSessionID {
		return grant, nil
	}

	if err := m.binder.SwapSlot(channelID, slotID, oldSession, newSessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	grant.SessionID = newSessionID
	sessions := m.byChannel[channelID]
	delete(sessions, oldSession)
	sessions[newSessionID] = grant
	m.mu.Unlock()

	m.logger.Info("slot rebound",
		"channel_id", channelID,
		"slot_id", slotID,
		"old_session", oldSession,
		"new_session", newSessionID,
	)
	return grant, nil
}

// Authorize reports whether sessionID may act inside channelID and with
// which slot. Admin status reflects the bound slot's current admin flag.
func (m *Manager) Authorize(channelID, sessionID string) Authorization {
	m.mu.Lock()
	grant := m.byChannel[channelID][sessionID]
	m.mu.Unlock()

	if grant == nil {
		return Authorization{}
	}

	_, admin, err := m.binder.SlotInfo(channelID, grant.SlotID)
	if err != nil {
		return Authorization{}
	}
	return Authorization{IsMember: true, IsAdmin: admin, SlotID: grant.SlotID}
}

// RevokeSlot drops the grant bound to a slot, if any. Called by the
// channel layer when an admin op empties the slot.
func (m *Manager) RevokeSlot(channelID, slotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey(channelID, slotID)
	grant, ok := m.bySlot[key]
	if !ok {
		return
	}
	delete(m.bySlot, key)
	delete(m.grants, grant.ID)
	if sessions := m.byChannel[channelID]; sessions != nil {
		delete(sessions, grant.SessionID)
		if len(sessions) == 0 {
			delete(m.byChannel, channelID)
		}
	}
}

// sign issues a member token for a grant: HS256 JWT with the grant id as
// subject plus channel and slot claims. Member tokens are durable and
// carry no expiry.
func (m *Manager) sign(grant *Grant) (string, error) {
	claims := jwt.MapClaims{
		"sub": grant.ID,
		"chn": grant.ChannelID,
		"slt": grant.SlotID,
		"iat": m.now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing member token: %w", err)
	}
	return signed, nil
}

// verify validates a member token and extracts its grant binding.
func (m *Manager) verify(tokenStr string) (grantID, channelID, slotID string, err error) {
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !tok.Valid {
		return "", "", "", ErrTokenInvalid
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", "", ErrTokenInvalid
	}
	grantID, _ = claims["sub"].(string)
	channelID, _ = claims["chn"].(string)
	slotID, _ = claims["slt"].(string)
	if grantID == "" || channelID == "" || slotID == "" {
		return "", "", "", fmt.Errorf("%w: missing claims", ErrTokenInvalid)
	}
	return grantID, channelID, slotID, nil
}

// randomToken returns n bytes of crypto randomness, base64url encoded.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
