// ABOUTME: Tests for the bot runtime
// ABOUTME: Covers attach transparency, serialized dispatch, pause/detach, and state versioning

package bot

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/msglog"
)

// fakePoster records every post the runtime makes.
type fakePoster struct {
	mu    sync.Mutex
	posts []postedMsg
}

type postedMsg struct {
	channelID string
	sender    string
	kind      msglog.Kind
	body      msglog.Body
}

func (p *fakePoster) PostFromBot(channelID, botID string, kind msglog.Kind, body msglog.Body) (*msglog.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, postedMsg{channelID, "bot:" + botID, kind, body})
	return &msglog.Message{ID: int64(len(p.posts)), Kind: kind, Body: body}, nil
}

func (p *fakePoster) PostSystem(channelID string, body msglog.Body) (*msglog.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, postedMsg{channelID, "system", msglog.KindSystem, body})
	return &msglog.Message{ID: int64(len(p.posts)), Kind: msglog.KindSystem, Body: body}, nil
}

func (p *fakePoster) ApplyBotOp(channelID, botID string, op map[string]any) error {
	return nil
}

func (p *fakePoster) bodiesOfType(typ string) []msglog.Body {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []msglog.Body
	for _, m := range p.posts {
		if m.body["type"] == typ {
			out = append(out, m.body)
		}
	}
	return out
}

// counterProgram counts hook invocations through the versioned state blob.
type counterProgram struct {
	initErr error
	workDur time.Duration
}

type counterState struct {
	Inits    int `json:"inits"`
	Joins    int `json:"joins"`
	Messages int `json:"messages"`
}

func (c *counterProgram) OnInit(ctx *Context) error {
	if c.initErr != nil {
		return c.initErr
	}
	return c.bump(ctx, func(s *counterState) { s.Inits++ })
}

func (c *counterProgram) OnJoin(ctx *Context, sessionID string) error {
	return c.bump(ctx, func(s *counterState) { s.Joins++ })
}

func (c *counterProgram) OnMessage(ctx *Context, msg *msglog.Message) error {
	if c.workDur > 0 {
		time.Sleep(c.workDur)
	}
	return c.bump(ctx, func(s *counterState) { s.Messages++ })
}

func (c *counterProgram) bump(ctx *Context, f func(*counterState)) error {
	s := &counterState{}
	if _, err := ctx.LoadState(s); err != nil {
		return err
	}
	f(s)
	return ctx.SetState(s)
}

func counterDef(hooks ...string) Definition {
	return Definition{
		Name:    "counter",
		Version: "1.0",
		Builtin: "counter",
		Manifest: Manifest{
			Summary: "counts hook invocations",
			Hooks:   hooks,
		},
	}
}

func newTestRuntime(t *testing.T, prog Program) (*Runtime, *fakePoster) {
	t.Helper()
	loader := NewBuiltinLoader()
	loader.Register("counter", func(params map[string]any) (Program, error) {
		return prog, nil
	})
	poster := &fakePoster{}
	return NewRuntime(poster, loader, nil), poster
}

func TestRuntime_AttachPostsTransparencyAndInitializes(t *testing.T) {
	rt, poster := newTestRuntime(t, &counterProgram{})

	inst, err := rt.Attach("chn_1", counterDef(HookInit, HookMessage))
	require.NoError(t, err)
	assert.Equal(t, "bot_counter_0", inst.ID)

	attaches := poster.bodiesOfType("bot:attach")
	require.Len(t, attaches, 1)
	assert.Equal(t, inst.ID, attaches[0]["bot_id"])
	assert.Contains(t, attaches[0]["code_hash"], "sha256:")
	assert.Contains(t, attaches[0]["manifest_hash"], "sha256:")

	manifests := poster.bodiesOfType("bot:manifest")
	require.Len(t, manifests, 1)

	// on_init ran exactly once and bumped the state version.
	state, version, err := rt.InspectState("chn_1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.JSONEq(t, `{"inits":1,"joins":0,"messages":0}`, string(state))

	info := rt.List("chn_1")
	require.Len(t, info, 1)
	assert.Equal(t, StatusActive, info[0].Status)
}

func TestRuntime_AttachUnknownProgram(t *testing.T) {
	rt, _ := newTestRuntime(t, &counterProgram{})

	_, err := rt.Attach("chn_1", Definition{Name: "x", Builtin: "missing"})
	assert.ErrorIs(t, err, ErrUnknownProgram)
}

func TestRuntime_InitFailureStillActivates(t *testing.T) {
	rt, _ := newTestRuntime(t, &counterProgram{initErr: errors.New("boom")})

	inst, err := rt.Attach("chn_1", counterDef(HookInit))
	require.NoError(t, err)

	info := rt.List("chn_1")
	require.Len(t, info, 1)
	assert.Equal(t, StatusActive, info[0].Status)

	_, version, err := rt.InspectState("chn_1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestRuntime_DispatchIsSerializedPerInstance(t *testing.T) {
	rt, _ := newTestRuntime(t, &counterProgram{workDur: 2 * time.Millisecond})

	inst, err := rt.Attach("chn_1", counterDef(HookInit, HookMessage))
	require.NoError(t, err)

	const senders = 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rt.DispatchMessage("chn_1", &msglog.Message{
				ID:     int64(i + 1),
				Sender: fmt.Sprintf("sess_%d", i),
				Kind:   msglog.KindUser,
				Body:   msglog.Body{},
			})
		}(i)
	}
	wg.Wait()

	// Every hook saw the latest state: no lost updates.
	state, version, err := rt.InspectState("chn_1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, senders+1, version) // +1 for on_init
	assert.JSONEq(t, fmt.Sprintf(`{"inits":1,"joins":0,"messages":%d}`, senders), string(state))
}

func TestRuntime_ManifestFiltersHooks(t *testing.T) {
	rt, _ := newTestRuntime(t, &counterProgram{})

	// No on_message in the manifest: user messages pass the bot by.
	inst, err := rt.Attach("chn_1", counterDef(HookInit, HookJoin))
	require.NoError(t, err)

	rt.DispatchMessage("chn_1", &msglog.Message{ID: 1, Sender: "sess_a", Kind: msglog.KindUser, Body: msglog.Body{}})
	rt.DispatchJoin("chn_1", "sess_a")

	state, _, err := rt.InspectState("chn_1", inst.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inits":1,"joins":1,"messages":0}`, string(state))
}

func TestRuntime_AnyMessageHookSeesNonUserKinds(t *testing.T) {
	rt, _ := newTestRuntime(t, &counterProgram{})

	inst, err := rt.Attach("chn_1", counterDef(HookInit, HookAnyMessage))
	require.NoError(t, err)

	rt.DispatchMessage("chn_1", &msglog.Message{ID: 1, Sender: "sess_a", Kind: msglog.KindUser, Body: msglog.Body{}})
	rt.DispatchMessage("chn_1", &msglog.Message{ID: 2, Sender: "sess_a", Kind: msglog.KindControl, Body: msglog.Body{}})

	state, _, err := rt.InspectState("chn_1", inst.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inits":1,"joins":0,"messages":2}`, string(state))
}

func TestRuntime_PauseSkipsHooksAndResumes(t *testing.T) {
	rt, _ := newTestRuntime(t, &counterProgram{})

	inst, err := rt.Attach("chn_1", counterDef(HookInit, HookMessage))
	require.NoError(t, err)

	status, err := rt.TogglePause("chn_1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status)

	rt.DispatchMessage("chn_1", &msglog.Message{ID: 1, Sender: "sess_a", Kind: msglog.KindUser, Body: msglog.Body{}})

	state, _, err := rt.InspectState("chn_1", inst.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inits":1,"joins":0,"messages":0}`, string(state))

	status, err = rt.TogglePause("chn_1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)

	rt.DispatchMessage("chn_1", &msglog.Message{ID: 2, Sender: "sess_a", Kind: msglog.KindUser, Body: msglog.Body{}})

	state, _, err = rt.InspectState("chn_1", inst.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inits":1,"joins":0,"messages":1}`, string(state))
}

func TestRuntime_DetachTerminates(t *testing.T) {
	rt, _ := newTestRuntime(t, &counterProgram{})

	inst, err := rt.Attach("chn_1", counterDef(HookInit, HookMessage))
	require.NoError(t, err)

	require.NoError(t, rt.Detach("chn_1", inst.ID))

	_, err = rt.Get("chn_1", inst.ID)
	assert.ErrorIs(t, err, ErrBotNotFound)
	assert.Empty(t, rt.List("chn_1"))

	_, err = rt.TogglePause("chn_1", inst.ID)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestRuntime_InstanceIDsNotReusedAfterDetach(t *testing.T) {
	rt, _ := newTestRuntime(t, &counterProgram{})

	inst1, err := rt.Attach("chn_1", counterDef(HookInit))
	require.NoError(t, err)
	require.NoError(t, rt.Detach("chn_1", inst1.ID))

	// A replacement must not inherit the detached instance's id: log
	// attribution stays unambiguous across the two lifetimes.
	inst2, err := rt.Attach("chn_1", counterDef(HookInit))
	require.NoError(t, err)
	assert.NotEqual(t, inst1.ID, inst2.ID)
}

func TestContext_SetStateRejectsStaleVersion(t *testing.T) {
	inst := &Instance{stateVersion: 3}
	ctx := &Context{inst: inst, version: 2}

	err := ctx.SetState(map[string]int{"x": 1})
	assert.ErrorIs(t, err, ErrStaleState)
	assert.Equal(t, 3, inst.stateVersion)
	assert.Nil(t, inst.state)
}

func TestContext_SetStateIncrementsByOne(t *testing.T) {
	inst := &Instance{stateVersion: 2}
	ctx := &Context{inst: inst, version: 2}

	require.NoError(t, ctx.SetState(map[string]int{"x": 1}))
	assert.Equal(t, 3, inst.stateVersion)
	assert.Equal(t, 3, ctx.StateVersion())

	// A second write within the same hook is fine: the context tracks the
	// new version.
	require.NoError(t, ctx.SetState(map[string]int{"x": 2}))
	assert.Equal(t, 4, inst.stateVersion)
}

func TestContext_LoadStateEmpty(t *testing.T) {
	ctx := &Context{}
	var v map[string]int
	ok, err := ctx.LoadState(&v)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestContext_AdminOpRequiresPermission(t *testing.T) {
	inst := &Instance{Def: Definition{Manifest: Manifest{}}}
	ctx := &Context{inst: inst}

	err := ctx.AdminOp(map[string]any{"type": "rename", "name": "x"})
	assert.ErrorIs(t, err, ErrNotPermitted)
}
