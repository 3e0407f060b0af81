// Package connection 维护到房间的单条持久连接
//
// 连接打开后立即发送 JOIN；断开后按退避策略重连，重连期间保持
// 房间 id 和玩家 id 不变。Disconnect 是主动断开，之后不再重连。
package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/protocol"
)

const defaultDialTimeout = 10 * time.Second

// Manager 单个房间的连接管理器
type Manager struct {
	roomID      string
	playerID    string
	transport   Transport
	handler     Handler
	backoff     Backoff
	scheduler   Scheduler
	now         func() time.Time
	dialTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	state   State
	attempt int
	gen     uint64 // Connect / Disconnect 时递增，旧代的回调全部作废
	conn    Conn
	timer   Timer
	ctx     context.Context
	cancel  context.CancelFunc

	// 所有 Handler 回调串行执行，保证投递顺序
	dispatchMu sync.Mutex

	reconnects atomic.Int64
	dropped    atomic.Int64
}

// Option Manager 配置项
type Option func(*Manager)

// WithLogger 设置日志
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBackoff 设置退避策略
func WithBackoff(b Backoff) Option {
	return func(m *Manager) {
		if b.Base > 0 {
			m.backoff.Base = b.Base
		}
		if b.MaxAttempts > 0 {
			m.backoff.MaxAttempts = b.MaxAttempts
		}
	}
}

// WithScheduler 替换计时器实现
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		if s != nil {
			m.scheduler = s
		}
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDialTimeout 单次拨号超时
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// NewManager 创建连接管理器
func NewManager(roomID, playerID string, transport Transport, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		roomID:      roomID,
		playerID:    playerID,
		transport:   transport,
		handler:     handler,
		backoff:     DefaultBackoff(),
		scheduler:   realScheduler{},
		now:         time.Now,
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection", "room_id", roomID, "player_id", playerID)
	return m
}

// Connect 建立连接，拨号异步进行
// 已在连接中 / 已连接 / 等待重连时直接返回
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateClosed, StateReconnectWait:
		m.mu.Unlock()
		return
	}

	m.gen++
	gen := m.gen
	m.attempt = 0
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	from := m.state
	m.state = StateConnecting
	runCtx := m.ctx
	m.mu.Unlock()

	go func() {
		m.notifyState(gen, from, StateConnecting)
		m.dial(runCtx, gen)
	}()
}

// Disconnect 主动断开，取消待执行的重连
// 不回调 Handler，可以在 Handler 回调内部调用
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempt = 0
	from := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if from != StateDisconnected {
		m.logger.Info("Connection closed by client", "from", from.String())
	}
}

// Send 发送消息，未连接时直接丢弃
func (m *Manager) Send(env *protocol.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		m.dropped.Add(1)
		return apperrors.ErrNotConnected
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return apperrors.ErrSendFailed.Wrap(err)
	}
	if err := conn.Send(data); err != nil {
		return apperrors.ErrSendFailed.Wrap(err)
	}
	return nil
}

// State 当前连接状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats 连接统计
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	state, attempt := m.state, m.attempt
	m.mu.Unlock()

	return Stats{
		RoomID:     m.roomID,
		State:      state.String(),
		Attempt:    attempt,
		Reconnects: m.reconnects.Load(),
		Dropped:    m.dropped.Load(),
	}
}

// dial 拨号，成功后在当前 goroutine 中读取消息
func (m *Manager) dial(ctx context.Context, gen uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	conn, err := m.transport.Dial(dialCtx, m.roomID)
	cancel()
	if err != nil {
		m.handleClose(ctx, gen, nil, apperrors.ErrDialFailed.Wrap(err))
		return
	}

	if !m.open(gen, conn) {
		conn.Close()
		return
	}
	m.readLoop(ctx, gen, conn)
}

// open 连接建立：重置重连计数并立即发送 JOIN
func (m *Manager) open(gen uint64, conn Conn) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.attempt = 0
	from := m.state
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("Connection opened")

	if join, err := protocol.NewJoin(m.playerID, m.now()); err == nil {
		if err := m.Send(join); err != nil {
			m.logger.Warn("Failed to send join", "error", err)
		}
	}

	m.notifyState(gen, from, StateConnected)
	return true
}

// readLoop 逐帧解码并按顺序投递
func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			m.handleClose(ctx, gen, conn, apperrors.ErrConnLost.Wrap(err))
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
			continue
		}

		m.dispatch(gen, func() {
			m.handler.OnMessage(env)
		})
	}
}

// handleClose 连接断开后的重连决策
func (m *Manager) handleClose(ctx context.Context, gen uint64, conn Conn, cause error) {
	if conn != nil {
		conn.Close()
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	from := m.state
	m.state = StateClosed
	m.mu.Unlock()

	m.logger.Warn("Connection closed", "error", cause)
	m.notifyState(gen, from, StateClosed)

	// 上层 context 已取消，按主动断开处理
	if ctx.Err() != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		m.notifyState(gen, StateClosed, StateDisconnected)
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}

	// 重连耗尽只回调 OnExhausted，不再单独通知 Closed -> Disconnected
	if m.attempt >= m.backoff.MaxAttempts {
		attempts := m.attempt
		m.state = StateDisconnected
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.mu.Unlock()

		m.logger.Error("Reconnect attempts exhausted", "attempts", attempts)
		m.dispatch(gen, func() {
			m.handler.OnExhausted(apperrors.ErrReconnectExhausted.Wrap(cause))
		})
		return
	}

	delay := m.backoff.Delay(m.attempt)
	m.attempt++
	attempt := m.attempt
	m.state = StateReconnectWait
	m.mu.Unlock()

	m.logger.Info("Scheduling reconnect", "attempt", attempt, "delay", delay)
	m.notifyState(gen, StateClosed, StateReconnectWait)

	m.mu.Lock()
	if m.gen == gen && m.state == StateReconnectWait {
		m.timer = m.scheduler.AfterFunc(delay, func() {
			m.reconnect(ctx, gen)
		})
	}
	m.mu.Unlock()
}

// reconnect 退避计时器到期
func (m *Manager) reconnect(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnectWait {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	m.mu.Unlock()

	m.reconnects.Add(1)
	m.notifyState(gen, StateReconnectWait, StateConnecting)
	m.dial(ctx, gen)
}

func (m *Manager) notifyState(gen uint64, from, to State) {
	m.dispatch(gen, func() {
		m.handler.OnStateChange(from, to)
	})
}

// dispatch 串行执行回调，已作废的代直接跳过
func (m *Manager) dispatch(gen uint64, fn func()) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current || m.handler == nil {
		return
	}
	fn()
}
