// ABOUTME: Tests for the append-only message log
// ABOUTME: Covers id assignment, cursor reads, validation, and long-poll wake behavior

package msglog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAssignsContiguousIDs(t *testing.T) {
	log := New(nil)

	for i := 1; i <= 5; i++ {
		msg, err := log.Append(KindUser, "sess_a", Body{"n": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.ID)
	}
	assert.Equal(t, int64(5), log.LastID())
}

func TestLog_ReadFromCursor(t *testing.T) {
	log := New(nil)
	for i := 0; i < 4; i++ {
		_, err := log.Append(KindUser, "sess_a", Body{"n": i})
		require.NoError(t, err)
	}

	all := log.Read(0)
	require.Len(t, all, 4)
	assert.Equal(t, int64(1), all[0].ID)

	tail := log.Read(2)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].ID)
	assert.Equal(t, int64(4), tail[1].ID)

	assert.Empty(t, log.Read(4))
	assert.Empty(t, log.Read(99))
}

func TestLog_AppendValidation(t *testing.T) {
	log := New(nil)

	_, err := log.Append("bogus", "sess_a", Body{})
	assert.ErrorIs(t, err, ErrBadKind)

	_, err = log.Append(KindUser, "sess_a", nil)
	assert.ErrorIs(t, err, ErrBadBody)

	_, err = log.Append(KindUser, "", Body{})
	assert.ErrorIs(t, err, ErrBadSender)

	// Rejected appends consume no ids.
	assert.Equal(t, int64(0), log.LastID())
	msg, err := log.Append(KindUser, "sess_a", Body{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
}

func TestLog_WaitReturnsImmediatelyWhenAvailable(t *testing.T) {
	log := New(nil)
	_, err := log.Append(KindUser, "sess_a", Body{"text": "hi"})
	require.NoError(t, err)

	start := time.Now()
	msgs := log.Wait(t.Context(), 0, 5*time.Second)
	require.Len(t, msgs, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLog_WaitTimesOutEmpty(t *testing.T) {
	log := New(nil)

	start := time.Now()
	msgs := log.Wait(t.Context(), 0, 150*time.Millisecond)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestLog_WaitWakesOnAppend(t *testing.T) {
	log := New(nil)

	done := make(chan []*Message, 1)
	go func() {
		done <- log.Wait(t.Context(), 0, 10*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := log.Append(KindBot, "bot:guess_bot_0", Body{"type": "prompt"})
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, KindBot, msgs[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake after append")
	}
}

func TestLog_AppendWakesAllWaiters(t *testing.T) {
	log := New(nil)

	const waiters = 8
	var wg sync.WaitGroup
	results := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs := log.Wait(t.Context(), 0, 10*time.Second)
			results <- len(msgs)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	_, err := log.Append(KindSystem, "system", Body{"type": "member_joined"})
	require.NoError(t, err)

	wg.Wait()
	close(results)
	for n := range results {
		assert.Equal(t, 1, n)
	}
}

func TestLog_WaitSkipsStaleWakeups(t *testing.T) {
	log := New(nil)
	_, err := log.Append(KindUser, "sess_a", Body{"n": 1})
	require.NoError(t, err)

	// Waiter already past message 1; an append it has seen must not
	// satisfy it, only a genuinely newer one.
	done := make(chan []*Message, 1)
	go func() {
		done <- log.Wait(t.Context(), 1, 10*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = log.Append(KindUser, "sess_b", Body{"n": 2})
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, int64(2), msgs[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake")
	}
}

func TestLog_WaitHonorsContextCancel(t *testing.T) {
	log := New(nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan []*Message, 1)
	go func() {
		done <- log.Wait(ctx, 0, 10*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case msgs := <-done:
		assert.Empty(t, msgs)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return on cancel")
	}
}
