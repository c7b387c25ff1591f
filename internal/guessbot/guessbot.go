// ABOUTME: Turn-based number guessing referee bot with commitment-reveal
// ABOUTME: Commits to a target at init, judges guesses in turn order, reveals nonce at game end

package guessbot

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mrand "math/rand/v2"

	"github.com/2389/parley/internal/bot"
	"github.com/2389/parley/internal/commit"
	"github.com/2389/parley/internal/msglog"
)

// ProgramName is the builtin name this package registers under.
const ProgramName = "guess_bot"

// Manifest is the public declaration for a GuessBot definition.
func Manifest() bot.Manifest {
	return bot.Manifest{
		Summary: "Referee for turn-based number guessing with commitment-reveal",
		Hooks:   []string{bot.HookInit, bot.HookJoin, bot.HookMessage},
		Emits:   []string{"prompt", "player_joined", "game_start", "judge", "concede", "game_end"},
		Params: map[string]any{
			"mode":       "number",
			"range":      []int{1, 100},
			"turn_order": "join",
		},
	}
}

// Register installs the GuessBot factory into a builtin loader.
func Register(loader *bot.BuiltinLoader) {
	loader.Register(ProgramName, New)
}

// state is the full game state, persisted through the runtime's versioned
// state blob. The commitment fields are written once at init and never
// change until reveal.
type state struct {
	Target     int      `json:"target"`
	Nonce      string   `json:"nonce"`
	Commit     string   `json:"commit"`
	Players    []string `json:"players"`
	TurnIndex  int      `json:"turn_index"`
	Started    bool     `json:"game_started"`
	Ended      bool     `json:"game_ended"`
	GuessCount int      `json:"guess_count"`
	Mode       string   `json:"mode"`
	Range      [2]int   `json:"range"`
}

func (s *state) currentPlayer() string {
	if len(s.Players) == 0 {
		return ""
	}
	return s.Players[s.TurnIndex%len(s.Players)]
}

// GuessBot referees one guessing game per attachment. The struct carries
// only creation params; everything that changes lives in the state blob.
type GuessBot struct {
	mode      string
	rng       [2]int
	target    int // 0 means pick randomly at init
	turnOrder string
	randInt   func(lo, hi int) int
	shuffle   func([]string)
}

// New builds a GuessBot from definition params. Recognized params: mode
// (only "number"), range ([lo, hi]), target (fixed target, mainly for
// tests), turn_order ("join" or "random").
func New(params map[string]any) (bot.Program, error) {
	g := &GuessBot{
		mode:      "number",
		rng:       [2]int{1, 100},
		turnOrder: "join",
		randInt: func(lo, hi int) int {
			return lo + mrand.IntN(hi-lo+1)
		},
		shuffle: func(players []string) {
			mrand.Shuffle(len(players), func(i, j int) {
				players[i], players[j] = players[j], players[i]
			})
		},
	}

	if v, ok := params["mode"].(string); ok {
		g.mode = v
	}
	if g.mode != "number" {
		return nil, fmt.Errorf("guessbot: unsupported mode %q", g.mode)
	}
	if v, ok := params["turn_order"].(string); ok {
		g.turnOrder = v
	}
	if v, ok := params["target"]; ok {
		n, err := asInt(v)
		if err != nil {
			return nil, fmt.Errorf("guessbot: bad target: %w", err)
		}
		g.target = n
	}
	if v, ok := params["range"]; ok {
		lo, hi, err := asRange(v)
		if err != nil {
			return nil, fmt.Errorf("guessbot: bad range: %w", err)
		}
		g.rng = [2]int{lo, hi}
	}
	if g.rng[0] >= g.rng[1] {
		return nil, fmt.Errorf("guessbot: range [%d, %d] is empty", g.rng[0], g.rng[1])
	}
	if g.target != 0 && (g.target < g.rng[0] || g.target > g.rng[1]) {
		return nil, fmt.Errorf("guessbot: target %d outside range [%d, %d]", g.target, g.rng[0], g.rng[1])
	}
	return g, nil
}

// OnInit commits to a target and announces the game. The commitment hash
// is public from the first message; target and nonce stay in the private
// state blob until reveal.
func (g *GuessBot) OnInit(ctx *bot.Context) error {
	s := &state{Mode: g.mode, Range: g.rng}

	s.Target = g.target
	if s.Target == 0 {
		s.Target = g.randInt(g.rng[0], g.rng[1])
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	s.Nonce = hex.EncodeToString(nonce)
	s.Commit = commit.Commitment(s.Target, s.Nonce)

	if err := ctx.SetState(s); err != nil {
		return err
	}

	if _, err := ctx.Post(msglog.KindBot, msglog.Body{
		"type":  "prompt",
		"text":  fmt.Sprintf("Guess the number between %d and %d!", s.Range[0], s.Range[1]),
		"mode":  s.Mode,
		"range": s.Range,
	}); err != nil {
		return err
	}
	if _, err := ctx.Post(msglog.KindControl, msglog.Body{
		"type":    "bot:commit",
		"commit":  s.Commit,
		"message": "Target committed - game will reveal at end",
	}); err != nil {
		return err
	}
	return g.postPublicState(ctx, s)
}

// OnJoin registers the joining session as a player and starts the game
// once two players are seated. Joins after game end are ignored.
func (g *GuessBot) OnJoin(ctx *bot.Context, sessionID string) error {
	s, err := g.loadState(ctx)
	if err != nil {
		return err
	}
	if s.Ended {
		return nil
	}
	for _, p := range s.Players {
		if p == sessionID {
			return nil
		}
	}

	s.Players = append(s.Players, sessionID)
	if _, err := ctx.Post(msglog.KindBot, msglog.Body{
		"type":         "player_joined",
		"player":       sessionID,
		"player_count": len(s.Players),
	}); err != nil {
		return err
	}

	if len(s.Players) >= 2 && !s.Started {
		s.Started = true
		if g.turnOrder == "random" {
			g.shuffle(s.Players)
		}
		if err := ctx.SetState(s); err != nil {
			return err
		}
		if _, err := ctx.Post(msglog.KindBot, msglog.Body{
			"type":       "game_start",
			"players":    s.Players,
			"turn_order": s.Players,
		}); err != nil {
			return err
		}
		// First turn belongs to the first player in turn order.
		return g.announceTurn(ctx, s)
	}
	return ctx.SetState(s)
}

// OnMessage judges guess moves. Only user messages of type "move" for the
// guess game are considered; everything else passes by silently.
func (g *GuessBot) OnMessage(ctx *bot.Context, msg *msglog.Message) error {
	if msg.Kind != msglog.KindUser {
		return nil
	}
	typ, _ := msg.Body["type"].(string)
	game, _ := msg.Body["game"].(string)
	if typ != "move" || game != "guess" {
		return nil
	}

	s, err := g.loadState(ctx)
	if err != nil {
		return err
	}
	if s.Ended {
		return nil
	}

	if !s.Started || len(s.Players) == 0 {
		return g.violation(ctx, "GAME_NOT_STARTED", "Game hasn't started yet")
	}
	if msg.Sender != s.currentPlayer() {
		return g.violation(ctx, "BAD_TURN", fmt.Sprintf("Not your turn. Current player: %s", s.currentPlayer()))
	}

	action, ok := msg.Body["action"].(string)
	if !ok {
		action = "guess"
	}
	switch action {
	case "concede":
		return g.concede(ctx, s, msg.Sender)
	case "guess":
	default:
		return g.violation(ctx, "BAD_MOVE", fmt.Sprintf("Unknown action: %s", action))
	}

	raw, ok := msg.Body["value"]
	if !ok {
		return g.violation(ctx, "BAD_MOVE", "Missing guess value")
	}
	guess, err := asInt(raw)
	if err != nil {
		return g.violation(ctx, "BAD_MOVE", "Guess must be a number")
	}
	if guess < s.Range[0] || guess > s.Range[1] {
		return g.violation(ctx, "BAD_MOVE",
			fmt.Sprintf("Guess must be between %d and %d", s.Range[0], s.Range[1]))
	}

	return g.judge(ctx, s, msg.Sender, guess)
}

// judge scores a valid in-turn guess: a hit ends the game, a miss posts a
// high/low verdict with a distance hint and advances the turn.
func (g *GuessBot) judge(ctx *bot.Context, s *state, player string, guess int) error {
	s.GuessCount++

	if guess == s.Target {
		if _, err := ctx.Post(msglog.KindBot, msglog.Body{
			"type":        "judge",
			"result":      "correct",
			"player":      player,
			"guess":       guess,
			"guess_count": s.GuessCount,
		}); err != nil {
			return err
		}
		return g.endGame(ctx, s, player, "correct")
	}

	result := "low"
	if guess > s.Target {
		result = "high"
	}
	if _, err := ctx.Post(msglog.KindBot, msglog.Body{
		"type":        "judge",
		"result":      result,
		"player":      player,
		"guess":       guess,
		"hint":        hint(guess, s.Target),
		"guess_count": s.GuessCount,
	}); err != nil {
		return err
	}

	s.TurnIndex = (s.TurnIndex + 1) % len(s.Players)
	if err := ctx.SetState(s); err != nil {
		return err
	}
	return g.announceTurn(ctx, s)
}

// concede removes a player; the last one standing wins.
func (g *GuessBot) concede(ctx *bot.Context, s *state, player string) error {
	if _, err := ctx.Post(msglog.KindBot, msglog.Body{
		"type":   "concede",
		"player": player,
	}); err != nil {
		return err
	}

	for i, p := range s.Players {
		if p == player {
			s.Players = append(s.Players[:i], s.Players[i+1:]...)
			break
		}
	}

	if len(s.Players) <= 1 {
		winner := ""
		if len(s.Players) == 1 {
			winner = s.Players[0]
		}
		return g.endGame(ctx, s, winner, "concede")
	}

	if s.TurnIndex >= len(s.Players) {
		s.TurnIndex = 0
	}
	if err := ctx.SetState(s); err != nil {
		return err
	}
	return g.announceTurn(ctx, s)
}

// endGame reveals the committed target. The reveal carries the nonce and
// the original commitment so any reader can re-verify.
func (g *GuessBot) endGame(ctx *bot.Context, s *state, winner, reason string) error {
	s.Ended = true
	if err := ctx.SetState(s); err != nil {
		return err
	}

	if _, err := ctx.Post(msglog.KindControl, msglog.Body{
		"type":     "bot:reveal",
		"target":   s.Target,
		"nonce":    s.Nonce,
		"commit":   s.Commit,
		"verified": commit.Verify(s.Target, s.Nonce, s.Commit),
	}); err != nil {
		return err
	}
	if _, err := ctx.Post(msglog.KindBot, msglog.Body{
		"type":          "game_end",
		"winner":        winner,
		"reason":        reason,
		"target":        s.Target,
		"total_guesses": s.GuessCount,
		"players":       s.Players,
	}); err != nil {
		return err
	}
	return nil
}

// announceTurn posts whose turn it is, tagged with the state version the
// judgement was written at.
func (g *GuessBot) announceTurn(ctx *bot.Context, s *state) error {
	_, err := ctx.Post(msglog.KindControl, msglog.Body{
		"type":          "bot:turn",
		"player":        s.currentPlayer(),
		"turn_number":   s.GuessCount + 1,
		"state_version": ctx.StateVersion(),
	})
	return err
}

// violation posts a rule violation without touching game state. The
// offending message has no effect: state version stays where it was.
func (g *GuessBot) violation(ctx *bot.Context, reason, details string) error {
	_, err := ctx.Post(msglog.KindControl, msglog.Body{
		"type":    "violation",
		"reason":  reason,
		"details": details,
	})
	return err
}

// postPublicState publishes the spectator-safe slice of the game state.
// Target and nonce never appear here.
func (g *GuessBot) postPublicState(ctx *bot.Context, s *state) error {
	_, err := ctx.Post(msglog.KindControl, msglog.Body{
		"type": "bot:state",
		"public_state": msglog.Body{
			"mode":         s.Mode,
			"range":        s.Range,
			"players":      s.Players,
			"game_started": s.Started,
			"game_ended":   s.Ended,
			"current_turn": s.currentPlayer(),
			"guess_count":  s.GuessCount,
		},
		"state_version": ctx.StateVersion(),
	})
	return err
}

// loadState decodes the current state blob. Hooks other than on_init
// always find one; a missing blob means init never ran.
func (g *GuessBot) loadState(ctx *bot.Context) (*state, error) {
	s := &state{}
	ok, err := ctx.LoadState(s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("guessbot: no state; on_init has not run")
	}
	return s, nil
}

// asInt accepts the numeric shapes JSON decoding produces.
func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}

// asRange accepts [lo, hi] in the shapes JSON and Go literals produce.
func asRange(v any) (int, int, error) {
	switch r := v.(type) {
	case []int:
		if len(r) != 2 {
			return 0, 0, fmt.Errorf("want [lo, hi], got %d elements", len(r))
		}
		return r[0], r[1], nil
	case []any:
		if len(r) != 2 {
			return 0, 0, fmt.Errorf("want [lo, hi], got %d elements", len(r))
		}
		lo, err := asInt(r[0])
		if err != nil {
			return 0, 0, err
		}
		hi, err := asInt(r[1])
		if err != nil {
			return 0, 0, err
		}
		return lo, hi, nil
	default:
		return 0, 0, fmt.Errorf("%T is not a range", v)
	}
}

// hint grades distance from the target.
func hint(guess, target int) string {
	distance := guess - target
	if distance < 0 {
		distance = -distance
	}
	switch {
	case distance <= 5:
		return "very close!"
	case distance <= 10:
		return "close"
	case distance <= 20:
		return "getting warm"
	default:
		return "cold"
	}
}
