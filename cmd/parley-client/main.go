// ABOUTME: Demo client exercising a parley-gateway end to end
// ABOUTME: Creates a guessing channel, joins two players, and plays until the reveal

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

type client struct {
	base    string
	session string
	http    *http.Client
}

func newClient(base string) *client {
	return &client{
		base:    base,
		session: "sess_" + uuid.NewString()[:8],
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-ID", c.session)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

type createResult struct {
	ChannelID string   `json:"channel_id"`
	Invites   []string `json:"invites"`
}

type joinResult struct {
	ChannelID string `json:"channel_id"`
	SlotID    string `json:"slot_id"`
	Token     string `json:"token"`
}

type message struct {
	ID     int64          `json:"id"`
	Sender string         `json:"sender"`
	Kind   string         `json:"kind"`
	Body   map[string]any `json:"body"`
}

type syncResult struct {
	Messages []message `json:"messages"`
	Cursor   int64     `json:"cursor"`
}

func main() {
	base := flag.String("server", "http://localhost:8080", "gateway base URL")
	lo := flag.Int("lo", 1, "low end of the guessing range")
	hi := flag.Int("hi", 100, "high end of the guessing range")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *base, *lo, *hi); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, base string, lo, hi int) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	creator := newClient(base)

	cyan.Println("▶ creating channel")
	var created createResult
	err := creator.do(ctx, http.MethodPost, "/v1/channels", map[string]any{
		"name":  "guessing-demo",
		"slots": []string{"bot:referee", "invite:player", "invite:player"},
		"bots": []map[string]any{{
			"name":    "guess_bot",
			"version": "1.0",
			"slot":    "bot:referee",
			"builtin": "guess_bot",
			"manifest": map[string]any{
				"summary": "Referee for turn-based number guessing",
				"hooks":   []string{"on_init", "on_join", "on_message"},
			},
			"params": map[string]any{"range": []int{lo, hi}},
		}},
	}, &created)
	if err != nil {
		return err
	}
	green.Printf("  channel %s with %d invites\n", created.ChannelID, len(created.Invites))
	if len(created.Invites) < 2 {
		return fmt.Errorf("expected 2 invites, got %d", len(created.Invites))
	}

	p1 := newClient(base)
	p2 := newClient(base)
	cyan.Println("▶ joining players")
	var j1, j2 joinResult
	if err := p1.do(ctx, http.MethodPost, "/v1/join", map[string]string{"code": created.Invites[0]}, &j1); err != nil {
		return err
	}
	green.Printf("  %s seated in %s\n", p1.session, j1.SlotID)
	if err := p2.do(ctx, http.MethodPost, "/v1/join", map[string]string{"code": created.Invites[1]}, &j2); err != nil {
		return err
	}
	green.Printf("  %s seated in %s\n", p2.session, j2.SlotID)

	players := map[string]*client{p1.session: p1, p2.session: p2}

	// Binary search driven by the referee's high/low judgements.
	low, high := lo, hi
	guess := (low + high) / 2
	cursor := int64(0)
	cyan.Println("▶ playing")

	for {
		var sr syncResult
		path := fmt.Sprintf("/v1/channels/%s/messages?cursor=%s&timeout_ms=5000",
			created.ChannelID, strconv.FormatInt(cursor, 10))
		if err := p1.do(ctx, http.MethodGet, path, nil, &sr); err != nil {
			return err
		}
		cursor = sr.Cursor

		for _, msg := range sr.Messages {
			typ, _ := msg.Body["type"].(string)
			switch typ {
			case "bot:commit":
				gray.Printf("  commit %v\n", msg.Body["commit"])
			case "bot:turn":
				player, _ := msg.Body["player"].(string)
				mover, ok := players[player]
				if !ok {
					continue
				}
				gray.Printf("  %s guesses %d\n", player, guess)
				err := mover.do(ctx, http.MethodPost,
					"/v1/channels/"+url.PathEscape(created.ChannelID)+"/messages",
					map[string]any{
						"kind": "user",
						"body": map[string]any{
							"type": "move", "game": "guess",
							"action": "guess", "value": guess,
						},
					}, nil)
				if err != nil {
					return err
				}
			case "judge":
				switch msg.Body["result"] {
				case "high":
					high = guess - 1
				case "low":
					low = guess + 1
				case "correct":
					green.Printf("  %v guessed it in %v tries\n", msg.Body["player"], msg.Body["guess_count"])
				}
				guess = (low + high) / 2
			case "bot:reveal":
				green.Printf("  reveal: target=%v nonce=%v verified=%v\n",
					msg.Body["target"], msg.Body["nonce"], msg.Body["verified"])
				return nil
			}
		}
	}
}
