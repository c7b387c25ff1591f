// ABOUTME: Tests for the guessing referee bot
// ABOUTME: Plays full games through the registry and checks turn, judge, and reveal behavior

package guessbot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/bot"
	"github.com/2389/parley/internal/channel"
	"github.com/2389/parley/internal/commit"
	"github.com/2389/parley/internal/msglog"
)

const refereeID = "bot_guess_bot_0"

func gameDef(params map[string]any) bot.Definition {
	return bot.Definition{
		Name:     ProgramName,
		Version:  "1.0",
		Slot:     "bot:referee",
		Builtin:  ProgramName,
		Manifest: Manifest(),
		Params:   params,
	}
}

// newGame creates a registry with a fresh guessing channel and two player
// invites. The target is fixed so tests can script the guesses.
func newGame(t *testing.T, params map[string]any) (*channel.Registry, *channel.CreateResult) {
	t.Helper()
	loader := bot.NewBuiltinLoader()
	Register(loader)
	r := channel.NewRegistry([]byte("test-secret-0123456789abcdef"), loader, channel.Limits{}, nil)

	created, err := r.CreateChannel("guessing-game", []channel.SlotSpec{
		{Kind: channel.SlotBot, Role: "referee", Admin: true},
		{Kind: channel.SlotInvite, Role: "player"},
		{Kind: channel.SlotInvite, Role: "player"},
	}, []bot.Definition{gameDef(params)})
	require.NoError(t, err)
	return r, created
}

// allMessages drains the channel log as the given member.
func allMessages(t *testing.T, r *channel.Registry, channelID, sessionID string) []*msglog.Message {
	t.Helper()
	res, err := r.SyncMessages(t.Context(), channelID, sessionID, 0, 100*time.Millisecond)
	require.NoError(t, err)
	return res.Messages
}

func ofType(msgs []*msglog.Message, typ string) []*msglog.Message {
	var out []*msglog.Message
	for _, m := range msgs {
		if m.Body["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func postMove(t *testing.T, r *channel.Registry, channelID, sessionID string, body msglog.Body) {
	t.Helper()
	body["type"] = "move"
	body["game"] = "guess"
	_, err := r.PostMessage(channelID, sessionID, msglog.KindUser, body)
	require.NoError(t, err)
}

func TestGuessBot_FullGame(t *testing.T) {
	r, created := newGame(t, map[string]any{"target": 42, "range": []int{1, 100}})

	_, err := r.JoinChannel(created.Invites[0], "sess_p1")
	require.NoError(t, err)
	_, err = r.JoinChannel(created.Invites[1], "sess_p2")
	require.NoError(t, err)

	msgs := allMessages(t, r, created.ChannelID, "sess_p1")

	// The commitment is public before anyone moves.
	commits := ofType(msgs, "bot:commit")
	require.Len(t, commits, 1)
	commitHash, _ := commits[0].Body["commit"].(string)
	assert.Len(t, commitHash, 64)

	starts := ofType(msgs, "game_start")
	require.Len(t, starts, 1)

	// First turn belongs to the first player in join order.
	turns := ofType(msgs, "bot:turn")
	require.Len(t, turns, 1)
	assert.Equal(t, "sess_p1", turns[0].Body["player"])

	// p1 guesses 50: too high, distance 8 from 42.
	postMove(t, r, created.ChannelID, "sess_p1", msglog.Body{"action": "guess", "value": 50})
	msgs = allMessages(t, r, created.ChannelID, "sess_p1")
	judges := ofType(msgs, "judge")
	require.Len(t, judges, 1)
	assert.Equal(t, "high", judges[0].Body["result"])
	assert.Equal(t, "close", judges[0].Body["hint"])

	turns = ofType(msgs, "bot:turn")
	require.Len(t, turns, 2)
	assert.Equal(t, "sess_p2", turns[1].Body["player"])

	// p2 nails it.
	postMove(t, r, created.ChannelID, "sess_p2", msglog.Body{"action": "guess", "value": 42})
	msgs = allMessages(t, r, created.ChannelID, "sess_p1")

	judges = ofType(msgs, "judge")
	require.Len(t, judges, 2)
	assert.Equal(t, "correct", judges[1].Body["result"])
	assert.Equal(t, "sess_p2", judges[1].Body["player"])
	assert.Equal(t, 2, judges[1].Body["guess_count"])

	// The winning judgement precedes the reveal, the reveal precedes the
	// game end, and the reveal verifies against the original commitment.
	reveals := ofType(msgs, "bot:reveal")
	require.Len(t, reveals, 1)
	reveal := reveals[0]
	assert.Greater(t, reveal.ID, judges[1].ID)
	assert.Equal(t, 42, reveal.Body["target"])
	assert.Equal(t, commitHash, reveal.Body["commit"])
	assert.Equal(t, true, reveal.Body["verified"])
	nonce, _ := reveal.Body["nonce"].(string)
	assert.True(t, commit.Verify(42, nonce, commitHash))

	ends := ofType(msgs, "game_end")
	require.Len(t, ends, 1)
	assert.Greater(t, ends[0].ID, reveal.ID)
	assert.Equal(t, "sess_p2", ends[0].Body["winner"])
	assert.Equal(t, "correct", ends[0].Body["reason"])
	assert.Equal(t, 2, ends[0].Body["total_guesses"])

	// Moves after the end are ignored, not judged.
	postMove(t, r, created.ChannelID, "sess_p1", msglog.Body{"action": "guess", "value": 10})
	msgs = allMessages(t, r, created.ChannelID, "sess_p1")
	assert.Len(t, ofType(msgs, "judge"), 2)
}

func TestGuessBot_MoveBeforeStart(t *testing.T) {
	r, created := newGame(t, map[string]any{"target": 42})

	_, err := r.JoinChannel(created.Invites[0], "sess_p1")
	require.NoError(t, err)

	postMove(t, r, created.ChannelID, "sess_p1", msglog.Body{"action": "guess", "value": 50})

	msgs := allMessages(t, r, created.ChannelID, "sess_p1")
	violations := ofType(msgs, "violation")
	require.Len(t, violations, 1)
	assert.Equal(t, "GAME_NOT_STARTED", violations[0].Body["reason"])
	assert.Empty(t, ofType(msgs, "judge"))
}

func TestGuessBot_OutOfTurnMove(t *testing.T) {
	r, created := newGame(t, map[string]any{"target": 42})

	_, err := r.JoinChannel(created.Invites[0], "sess_p1")
	require.NoError(t, err)
	_, err = r.JoinChannel(created.Invites[1], "sess_p2")
	require.NoError(t, err)

	versionBefore, err := r.Bots().StateVersion(created.ChannelID, refereeID)
	require.NoError(t, err)

	// p2 jumps the queue.
	postMove(t, r, created.ChannelID, "sess_p2", msglog.Body{"action": "guess", "value": 50})

	msgs := allMessages(t, r, created.ChannelID, "sess_p1")
	violations := ofType(msgs, "violation")
	require.Len(t, violations, 1)
	assert.Equal(t, "BAD_TURN", violations[0].Body["reason"])

	// The rejected move left no trace in the game state.
	versionAfter, err := r.Bots().StateVersion(created.ChannelID, refereeID)
	require.NoError(t, err)
	assert.Equal(t, versionBefore, versionAfter)

	// The offended turn still belongs to p1, who can move normally.
	postMove(t, r, created.ChannelID, "sess_p1", msglog.Body{"action": "guess", "value": 50})
	msgs = allMessages(t, r, created.ChannelID, "sess_p1")
	require.Len(t, ofType(msgs, "judge"), 1)
}

func TestGuessBot_BadMoves(t *testing.T) {
	r, created := newGame(t, map[string]any{"target": 42, "range": []int{1, 100}})

	_, err := r.JoinChannel(created.Invites[0], "sess_p1")
	require.NoError(t, err)
	_, err = r.JoinChannel(created.Invites[1], "sess_p2")
	require.NoError(t, err)

	cases := []struct {
		name string
		body msglog.Body
	}{
		{"out of range", msglog.Body{"action": "guess", "value": 500}},
		{"missing value", msglog.Body{"action": "guess"}},
		{"non-numeric value", msglog.Body{"action": "guess", "value": "forty-two"}},
		{"unknown action", msglog.Body{"action": "dance"}},
	}
	for i, tc := range cases {
		postMove(t, r, created.ChannelID, "sess_p1", tc.body)
		msgs := allMessages(t, r, created.ChannelID, "sess_p1")
		violations := ofType(msgs, "violation")
		require.Len(t, violations, i+1, tc.name)
		assert.Equal(t, "BAD_MOVE", violations[i].Body["reason"], tc.name)
	}

	// All four violations bounced off: p1 still holds the turn.
	postMove(t, r, created.ChannelID, "sess_p1", msglog.Body{"action": "guess", "value": 42})
	msgs := allMessages(t, r, created.ChannelID, "sess_p1")
	judges := ofType(msgs, "judge")
	require.Len(t, judges, 1)
	assert.Equal(t, "correct", judges[0].Body["result"])
}

func TestGuessBot_Concede(t *testing.T) {
	r, created := newGame(t, map[string]any{"target": 42})

	_, err := r.JoinChannel(created.Invites[0], "sess_p1")
	require.NoError(t, err)
	_, err = r.JoinChannel(created.Invites[1], "sess_p2")
	require.NoError(t, err)

	postMove(t, r, created.ChannelID, "sess_p1", msglog.Body{"action": "concede"})

	msgs := allMessages(t, r, created.ChannelID, "sess_p2")
	require.Len(t, ofType(msgs, "concede"), 1)

	ends := ofType(msgs, "game_end")
	require.Len(t, ends, 1)
	assert.Equal(t, "sess_p2", ends[0].Body["winner"])
	assert.Equal(t, "concede", ends[0].Body["reason"])

	// Concede still triggers the reveal: the commitment always resolves.
	reveals := ofType(msgs, "bot:reveal")
	require.Len(t, reveals, 1)
	assert.Equal(t, true, reveals[0].Body["verified"])
}

func TestNew_ParamValidation(t *testing.T) {
	_, err := New(map[string]any{"target": 42, "range": []int{1, 100}})
	require.NoError(t, err)

	_, err = New(map[string]any{"turn_order": "random"})
	require.NoError(t, err)

	_, err = New(map[string]any{"mode": "word"})
	assert.Error(t, err)

	_, err = New(map[string]any{"range": []int{10, 10}})
	assert.Error(t, err)

	_, err = New(map[string]any{"range": []int{1, 100}, "target": 500})
	assert.Error(t, err)

	_, err = New(map[string]any{"range": []any{1.0, 100.0}, "target": 42.0})
	require.NoError(t, err)

	_, err = New(map[string]any{"range": "1-100"})
	assert.Error(t, err)
}

func TestHint_Distances(t *testing.T) {
	assert.Equal(t, "very close!", hint(42, 42))
	assert.Equal(t, "very close!", hint(47, 42))
	assert.Equal(t, "close", hint(48, 42))
	assert.Equal(t, "close", hint(32, 42))
	assert.Equal(t, "getting warm", hint(62, 42))
	assert.Equal(t, "cold", hint(63, 42))
	assert.Equal(t, "cold", hint(100, 42))
}

func TestAsInt_JSONShapes(t *testing.T) {
	for _, v := range []any{42, int64(42), 42.0} {
		n, err := asInt(v)
		require.NoError(t, err)
		assert.Equal(t, 42, n)
	}

	_, err := asInt(42.5)
	assert.Error(t, err)
	_, err = asInt("42")
	assert.Error(t, err)
}
