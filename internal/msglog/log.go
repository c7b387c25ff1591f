// ABOUTME: Per-channel append-only message log with cursor reads and long-poll wait
// ABOUTME: Appends assign contiguous ids and wake every blocked waiter via broadcast

package msglog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Log errors
var (
	ErrBadKind   = errors.New("invalid message kind")
	ErrBadBody   = errors.New("invalid message body")
	ErrBadSender = errors.New("invalid message sender")
)

// Kind classifies a message.
type Kind string

const (
	KindUser    Kind = "user"
	KindBot     Kind = "bot"
	KindSystem  Kind = "system"
	KindControl Kind = "control"
)

// Valid reports whether k is one of the four message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindBot, KindSystem, KindControl:
		return true
	}
	return false
}

// Body is the structured payload of a message. Its shape depends on the
// kind and the application; the log only requires it to be non-nil.
type Body map[string]any

// Message is a single immutable log entry. IDs are channel-scoped,
// start at 1 and have no gaps.
type Message struct {
	ID     int64     `json:"id"`
	Sender string    `json:"sender"`
	Kind   Kind      `json:"kind"`
	Body   Body      `json:"body"`
	TS     time.Time `json:"ts"`
}

// Log is an append-only ordered message sequence. Appends are linearized
// by a single mutex; reads never block appends; waiters park on a
// broadcast channel that the appender closes.
type Log struct {
	mu     sync.Mutex
	msgs   []*Message
	notify chan struct{}
	now    func() time.Time
}

// New creates an empty log. now may be nil, in which case time.Now is used.
func New(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{
		notify: make(chan struct{}),
		now:    now,
	}
}

// Append validates the message, assigns the next id and timestamp, appends,
// and wakes all blocked waiters. A rejected message consumes no id.
func (l *Log) Append(kind Kind, sender string, body Body) (*Message, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrBadKind, kind)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: nil body", ErrBadBody)
	}
	if sender == "" {
		return nil, fmt.Errorf("%w: empty sender", ErrBadSender)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := &Message{
		ID:     int64(len(l.msgs)) + 1,
		Sender: sender,
		Kind:   kind,
		Body:   body,
		TS:     l.now().UTC(),
	}
	l.msgs = append(l.msgs, msg)

	// Broadcast: every waiter parked on the old channel wakes up.
	close(l.notify)
	l.notify = make(chan struct{})

	return msg, nil
}

// Read returns all messages with id > cursor, in order. Cursor 0 means
// "from the beginning".
func (l *Log) Read(cursor int64) []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(cursor)
}

// readLocked copies the tail beyond cursor. Caller holds l.mu.
func (l *Log) readLocked(cursor int64) []*Message {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= int64(len(l.msgs)) {
		return nil
	}
	tail := l.msgs[cursor:]
	out := make([]*Message, len(tail))
	copy(out, tail)
	return out
}

// Wait behaves like Read, but if no message beyond cursor exists yet it
// blocks until one is appended, the timeout elapses, or ctx is cancelled.
// A timeout is not an error: the result is simply empty. No lock is held
// while blocked.
func (l *Log) Wait(ctx context.Context, cursor int64, timeout time.Duration) []*Message {
	l.mu.Lock()
	if msgs := l.readLocked(cursor); len(msgs) > 0 || timeout <= 0 {
		l.mu.Unlock()
		return msgs
	}
	notify := l.notify
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-notify:
		case <-timer.C:
			return l.Read(cursor)
		case <-ctx.Done():
			return l.Read(cursor)
		}

		l.mu.Lock()
		if msgs := l.readLocked(cursor); len(msgs) > 0 {
			l.mu.Unlock()
			return msgs
		}
		// Woken but nothing beyond our cursor; re-park on the fresh channel.
		notify = l.notify
		l.mu.Unlock()
	}
}

// LastID returns the id of the most recent message, or 0 for an empty log.
func (l *Log) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.msgs))
}
