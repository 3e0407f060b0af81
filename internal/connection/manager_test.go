package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/protocol"
)

// ============== 测试替身 ==============

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failures int  // 前 N 次拨号失败
	failAll  bool // 所有拨号失败
	conns    []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, roomID string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failAll || t.dials <= t.failures {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return &fakeTimerHandle{s: s, t: t}
}

type fakeTimerHandle struct {
	s *fakeScheduler
	t *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	wasActive := !h.t.stopped
	h.t.stopped = true
	return wasActive
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

// fireLast 在新 goroutine 中触发最后一个计时器，和 time.AfterFunc 一致
func (s *fakeScheduler) fireLast() {
	go s.last().fn()
}

type recorder struct {
	mu        sync.Mutex
	states    []State
	messages  []*protocol.Envelope
	exhausted []error
}

func (r *recorder) OnMessage(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, env)
}

func (r *recorder) OnStateChange(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) OnExhausted(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted = append(r.exhausted, err)
}

func (r *recorder) messageKinds() []protocol.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]protocol.Kind, len(r.messages))
	for i, m := range r.messages {
		kinds[i] = m.Type
	}
	return kinds
}

func (r *recorder) exhaustedErrs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.exhausted...)
}

func (r *recorder) stateHistory() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

func newTestManager(tr *fakeTransport, sched *fakeScheduler, h Handler) *Manager {
	return NewManager("room-1", "p1", tr, h,
		WithScheduler(sched),
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// ============== 测试用例 ==============

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{3, 8000 * time.Millisecond},
		{4, 16000 * time.Millisecond},
		{6, 64 * time.Second}, // 不设上限
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Equal(t, 5, b.MaxAttempts)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnect_wait", StateReconnectWait.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestManager_SendsJoinOnOpen(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	m := newTestManager(tr, &fakeScheduler{}, rec)
	defer m.Disconnect()

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)

	conn := tr.lastConn()
	require.NotNil(t, conn)
	require.Eventually(t, func() bool { return len(conn.sentFrames()) == 1 }, waitFor, tick)

	env, err := protocol.Decode(conn.sentFrames()[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.KindJoin, env.Type)

	var join protocol.JoinPayload
	require.NoError(t, env.DecodeData(&join))
	assert.Equal(t, "p1", join.PlayerID)
	assert.Equal(t, fixedNow.UnixMilli(), join.Timestamp)

	require.Eventually(t, func() bool {
		states := rec.stateHistory()
		return len(states) == 2 && states[0] == StateConnecting && states[1] == StateConnected
	}, waitFor, tick)
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, &fakeScheduler{}, &recorder{})
	defer m.Disconnect()

	m.Connect(context.Background())
	m.Connect(context.Background())
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)
	m.Connect(context.Background())

	assert.Equal(t, 1, tr.dialCount())
}

func TestManager_BackoffScheduleAndExhaustion(t *testing.T) {
	tr := &fakeTransport{failAll: true}
	sched := &fakeScheduler{}
	rec := &recorder{}
	m := newTestManager(tr, sched, rec)

	m.Connect(context.Background())

	for i := 1; i <= 5; i++ {
		require.Eventually(t, func() bool { return sched.count() == i }, waitFor, tick, "第 %d 次重连未被调度", i)
		assert.Empty(t, rec.exhaustedErrs())
		sched.fireLast()
	}

	require.Eventually(t, func() bool { return len(rec.exhaustedErrs()) == 1 }, waitFor, tick)
	assert.True(t, apperrors.Is(rec.exhaustedErrs()[0], apperrors.ErrReconnectExhausted))
	assert.Equal(t, StateDisconnected, m.State())

	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}, sched.delays())
	// 首次拨号 + 5 次重连
	assert.Equal(t, 6, tr.dialCount())
}

func TestManager_AttemptResetsOnOpen(t *testing.T) {
	tr := &fakeTransport{failures: 1}
	sched := &fakeScheduler{}
	m := newTestManager(tr, sched, &recorder{})
	defer m.Disconnect()

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return sched.count() == 1 }, waitFor, tick)
	sched.fireLast()

	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)
	assert.Equal(t, 0, m.Stats().Attempt)
	assert.Equal(t, int64(1), m.Stats().Reconnects)

	// 连接再次断开，退避从头开始
	tr.lastConn().Close()
	require.Eventually(t, func() bool { return sched.count() == 2 }, waitFor, tick)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sched.delays())
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	tr := &fakeTransport{failAll: true}
	sched := &fakeScheduler{}
	m := newTestManager(tr, sched, &recorder{})

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return sched.count() == 1 }, waitFor, tick)

	m.Disconnect()
	timer := sched.last()
	sched.mu.Lock()
	assert.True(t, timer.stopped)
	sched.mu.Unlock()

	// 模拟计时器已经触发、回调晚于 Disconnect 执行
	timer.fn()

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, tr.dialCount())
	assert.Equal(t, 1, sched.count())
}

func TestManager_DisconnectWhileConnected(t *testing.T) {
	tr := &fakeTransport{}
	sched := &fakeScheduler{}
	m := newTestManager(tr, sched, &recorder{})

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)

	m.Disconnect()

	// 读循环退出后不能安排重连
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sched.count())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_DeliversInOrderAndDropsMalformed(t *testing.T) {
	tr := &fakeTransport{}
	rec := &recorder{}
	m := newTestManager(tr, &fakeScheduler{}, rec)
	defer m.Disconnect()

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)

	conn := tr.lastConn()
	conn.inbound <- []byte(`{"type":"PLAYER_JOIN","data":{"playerId":"p2"}}`)
	conn.inbound <- []byte(`garbage`)
	conn.inbound <- []byte(`{"type":"CARD_MOVE","data":{"cardId":"c1","position":{"x":1,"y":1},"rotation":0}}`)
	conn.inbound <- []byte(`{"type":"RESOURCE_UPDATE","data":{"resourceId":"gold","amount":1}}`)

	require.Eventually(t, func() bool { return len(rec.messageKinds()) == 3 }, waitFor, tick)
	assert.Equal(t, []protocol.Kind{
		protocol.KindPlayerJoin,
		protocol.KindCardMove,
		protocol.KindResourceUpdate,
	}, rec.messageKinds())
	assert.Equal(t, StateConnected, m.State(), "坏帧不应断开连接")
}

func TestManager_SendWhenNotConnected(t *testing.T) {
	m := newTestManager(&fakeTransport{}, &fakeScheduler{}, &recorder{})

	env, err := protocol.NewResourceUpdate("gold", 1)
	require.NoError(t, err)

	err = m.Send(env)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotConnected))
	assert.Equal(t, int64(1), m.Stats().Dropped)
}

func TestManager_SendWhenConnected(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, &fakeScheduler{}, &recorder{})
	defer m.Disconnect()

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)

	env, err := protocol.NewResourceUpdate("gold", 7)
	require.NoError(t, err)
	require.NoError(t, m.Send(env))

	conn := tr.lastConn()
	require.Eventually(t, func() bool { return len(conn.sentFrames()) == 2 }, waitFor, tick)
	assert.JSONEq(t, `{"type":"RESOURCE_UPDATE","data":{"resourceId":"gold","amount":7}}`, string(conn.sentFrames()[1]))
}

func TestManager_ContextCancelStopsWithoutReconnect(t *testing.T) {
	tr := &fakeTransport{}
	sched := &fakeScheduler{}
	m := newTestManager(tr, sched, &recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	m.Connect(ctx)
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, tick)

	cancel()
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, waitFor, tick)
	assert.Equal(t, 0, sched.count())
}

func TestManager_ExhaustionReportedOnce(t *testing.T) {
	tr := &fakeTransport{failAll: true}
	sched := &fakeScheduler{}
	rec := &recorder{}
	m := newTestManager(tr, sched, rec)
	m.backoff.MaxAttempts = 1

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return sched.count() == 1 }, waitFor, tick)
	sched.fireLast()

	require.Eventually(t, func() bool { return len(rec.exhaustedErrs()) == 1 }, waitFor, tick)
	// 耗尽只通过 OnExhausted 上报，不再单独推送 Disconnected
	assert.Equal(t, []State{
		StateConnecting,
		StateClosed,
		StateReconnectWait,
		StateConnecting,
		StateClosed,
	}, rec.stateHistory())
	assert.NotContains(t, rec.stateHistory(), StateDisconnected)
}

func TestManager_ExhaustionReleasesContext(t *testing.T) {
	tr := &fakeTransport{failAll: true}
	sched := &fakeScheduler{}
	rec := &recorder{}
	m := newTestManager(tr, sched, rec)
	m.backoff.MaxAttempts = 1

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return sched.count() == 1 }, waitFor, tick)

	m.mu.Lock()
	first := m.ctx
	m.mu.Unlock()

	sched.fireLast()
	require.Eventually(t, func() bool { return len(rec.exhaustedErrs()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, first.Err(), context.Canceled, "耗尽后应释放子 context")

	// 再次 Connect 替换旧 context，旧的保持已取消
	m.Connect(context.Background())
	require.Eventually(t, func() bool { return sched.count() == 2 }, waitFor, tick)
	m.mu.Lock()
	second := m.ctx
	m.mu.Unlock()
	assert.NoError(t, second.Err())
	m.Disconnect()
	assert.ErrorIs(t, second.Err(), context.Canceled)
}
