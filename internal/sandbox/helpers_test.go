package sandbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zot/sandbox/internal/fakebackend"
	"github.com/zot/sandbox/internal/loop"
)

// fakeScheduler runs nothing until told to.
type fakeScheduler struct {
	posted    []func()
	timers    map[loop.TimerID]func()
	intervals map[loop.TimerID]time.Duration
	cancelled []loop.TimerID
	nextID    loop.TimerID
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		timers:    map[loop.TimerID]func(){},
		intervals: map[loop.TimerID]time.Duration{},
		nextID:    42,
	}
}

func (s *fakeScheduler) Post(fn func()) {
	s.posted = append(s.posted, fn)
}

func (s *fakeScheduler) Every(interval time.Duration, fn func()) loop.TimerID {
	id := s.nextID
	s.nextID++
	s.timers[id] = fn
	s.intervals[id] = interval
	return id
}

func (s *fakeScheduler) Cancel(id loop.TimerID) {
	s.cancelled = append(s.cancelled, id)
	delete(s.timers, id)
}

func (s *fakeScheduler) runPending() {
	for len(s.posted) > 0 {
		fn := s.posted[0]
		s.posted = s.posted[1:]
		fn()
	}
}

// harness binds an API to a connection and records every frame delivered
// to the client.
type harness struct {
	t      *testing.T
	state  *fakebackend.State
	api    *API
	sched  *fakeScheduler
	conn   *ClientConnection
	frames []map[string]any
}

func newHarness(t *testing.T, build func(*fakebackend.State, ...Option) *API, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		state: fakebackend.New(fakebackend.Options{Features: fakebackend.Features{AutoLogin: true}}),
		sched: newFakeScheduler(),
	}
	h.api = build(h.state, opts...)
	h.conn = NewClientConnection(h.api, h.sched)
	h.conn.OnMessage = func(ev MessageEvent) {
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &frame))
		h.frames = append(h.frames, frame)
	}
	return h
}

func (h *harness) open() {
	h.t.Helper()
	require.NoError(h.t, h.conn.Open())
}

// send delivers a frame and returns the reply it produced, if any.
func (h *harness) send(frame any) map[string]any {
	h.t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(h.t, err)
	before := len(h.frames)
	require.NoError(h.t, h.conn.Send(data))
	if len(h.frames) == before {
		return nil
	}
	return h.frames[len(h.frames)-1]
}

func (h *harness) last() map[string]any {
	h.t.Helper()
	require.NotEmpty(h.t, h.frames)
	return h.frames[len(h.frames)-1]
}

func (h *harness) deploy(url string, opts fakebackend.DeployOptions) {
	h.t.Helper()
	_, err := h.state.Deploy(url, opts)
	require.NoError(h.t, err)
}

// entries returns the [kind, verb, attrs] triples of a delta list.
func entries(t *testing.T, list any) [][]any {
	t.Helper()
	raw, ok := list.([]any)
	require.True(t, ok, "delta list is %T", list)
	out := make([][]any, 0, len(raw))
	for _, e := range raw {
		triple, ok := e.([]any)
		require.True(t, ok)
		require.Len(t, triple, 3)
		out = append(out, triple)
	}
	return out
}

func countKind(list [][]any, kind string) int {
	n := 0
	for _, e := range list {
		if e[0] == kind {
			n++
		}
	}
	return n
}
