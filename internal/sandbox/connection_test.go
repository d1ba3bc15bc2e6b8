package sandbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/sandbox/internal/fakebackend"
)

type recordingPeer struct {
	opens    int
	closes   int
	received []string
	openErr  error
}

func (p *recordingPeer) Open(*ClientConnection) error {
	p.opens++
	return p.openErr
}

func (p *recordingPeer) Close() {
	p.closes++
}

func (p *recordingPeer) Receive(data []byte) error {
	p.received = append(p.received, string(data))
	return nil
}

func TestOpenOnlyFirstCallTransitions(t *testing.T) {
	peer := &recordingPeer{}
	conn := NewClientConnection(peer, newFakeScheduler())
	opened := 0
	conn.OnOpen = func() { opened++ }

	for range 3 {
		require.NoError(t, conn.Open())
	}
	assert.True(t, conn.Connected())
	assert.Equal(t, 1, peer.opens)
	assert.Equal(t, 1, opened)
}

func TestOpenRevertsWhenPeerRefuses(t *testing.T) {
	peer := &recordingPeer{openErr: ErrOpenToAnotherClient}
	conn := NewClientConnection(peer, newFakeScheduler())
	conn.OnOpen = func() { t.Fatal("OnOpen fired for a refused open") }

	assert.ErrorIs(t, conn.Open(), ErrOpenToAnotherClient)
	assert.False(t, conn.Connected())
}

func TestCloseWhenClosedDoesNothing(t *testing.T) {
	peer := &recordingPeer{}
	conn := NewClientConnection(peer, newFakeScheduler())
	closed := 0
	conn.OnClose = func() { closed++ }

	conn.Close()
	assert.Equal(t, 0, peer.closes)
	assert.Equal(t, 0, closed)

	require.NoError(t, conn.Open())
	conn.Close()
	conn.Close()
	assert.Equal(t, 1, peer.closes)
	assert.Equal(t, 1, closed)
	assert.False(t, conn.Connected())
}

func TestClosedConnectionRefusesTraffic(t *testing.T) {
	peer := &recordingPeer{}
	sched := newFakeScheduler()
	conn := NewClientConnection(peer, sched)
	conn.OnMessage = func(MessageEvent) { t.Fatal("message delivered on a closed connection") }

	assert.ErrorIs(t, conn.Send([]byte(`{"op":"login"}`)), ErrConnectionClosed)
	assert.ErrorIs(t, conn.ReceiveNow(map[string]any{"a": 1}), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Receive(map[string]any{"a": 1}), ErrConnectionClosed)
	assert.Empty(t, peer.received)
	assert.Empty(t, sched.posted)
}

func TestSendForwardsSerializedText(t *testing.T) {
	peer := &recordingPeer{}
	conn := NewClientConnection(peer, newFakeScheduler())
	require.NoError(t, conn.Open())

	require.NoError(t, conn.Send([]byte(`{"op":"expose"}`)))
	assert.Equal(t, []string{`{"op":"expose"}`}, peer.received)
}

func TestReceiveNowDeliversSynchronously(t *testing.T) {
	conn := NewClientConnection(&recordingPeer{}, newFakeScheduler())
	var got []string
	conn.OnMessage = func(ev MessageEvent) { got = append(got, ev.Data) }
	require.NoError(t, conn.Open())

	require.NoError(t, conn.ReceiveNow(map[string]any{"ready": true}))
	assert.Equal(t, []string{`{"ready":true}`}, got)
}

func TestReceiveDeliversOnLaterTurn(t *testing.T) {
	sched := newFakeScheduler()
	conn := NewClientConnection(&recordingPeer{}, sched)
	var order []string
	conn.OnMessage = func(ev MessageEvent) { order = append(order, "message "+ev.Data) }
	require.NoError(t, conn.Open())

	require.NoError(t, conn.Receive("hi"))
	order = append(order, "after receive")
	sched.runPending()

	assert.Equal(t, []string{"after receive", `message "hi"`}, order)
}

func TestReceiveDropsFrameQueuedBeforeClose(t *testing.T) {
	sched := newFakeScheduler()
	conn := NewClientConnection(&recordingPeer{}, sched)
	conn.OnMessage = func(MessageEvent) { t.Fatal("delivered after close") }
	require.NoError(t, conn.Open())

	require.NoError(t, conn.Receive("late"))
	conn.Close()
	sched.runPending()
}

func TestAPIRefusesSecondClient(t *testing.T) {
	state := fakebackend.New(fakebackend.Options{})
	api := NewPythonAPI(state)
	sched := newFakeScheduler()
	first := NewClientConnection(api, sched)
	second := NewClientConnection(api, sched)

	require.NoError(t, first.Open())
	require.NoError(t, first.Open())
	err := second.Open()
	assert.True(t, errors.Is(err, ErrOpenToAnotherClient))
	assert.EqualError(t, err, "INVALID_STATE_ERR : Connection is open to another client.")
	assert.False(t, second.Connected())
	assert.Same(t, first, api.Client())

	first.Close()
	assert.False(t, api.Connected())
	assert.Nil(t, api.Client())
	require.NoError(t, second.Open())
	assert.Same(t, second, api.Client())
}

func TestAPIRefusesFramesWhenClosed(t *testing.T) {
	api := NewGoAPI(fakebackend.New(fakebackend.Options{}))
	assert.EqualError(t, api.Receive([]byte(`{}`)), "INVALID_STATE_ERR : Connection is closed.")
}

func TestNewAPIRejectsUnservedOperation(t *testing.T) {
	assert.Panics(t, func() {
		NewAPI(fakebackend.New(fakebackend.Options{}), brokenFraming{})
	})
}

type brokenFraming struct {
	pythonFraming
}

func (brokenFraming) Ops() map[string]Op {
	return map[string]Op{"watch": OpWatchAll}
}
