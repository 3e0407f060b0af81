// Package session 组合连接管理器和状态折叠器，管理单个房间的完整生命周期
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/model"
	"sudooom.im.roomsync/internal/protocol"
	"sudooom.im.roomsync/internal/reducer"
	"sudooom.im.roomsync/internal/sink"
)

const sideChannelTimeout = 3 * time.Second

// Listener 状态订阅回调，参数是本次变更后的快照
type Listener func(state *model.RoomState)

// Status 连接状态事件
// Err 非空表示终态失败（重连耗尽），需要重新 Connect
type Status struct {
	State connection.State
	Err   error
}

// StatusListener 连接状态回调
type StatusListener func(status Status)

// PresenceTracker 在线状态上报
type PresenceTracker interface {
	Track(ctx context.Context, roomID, playerID string) error
	Untrack(ctx context.Context, roomID, playerID string) error
}

type listenerEntry struct {
	id uint64
	fn Listener
}

type statusEntry struct {
	id uint64
	fn StatusListener
}

// Session 单个房间会话
// 房间状态只在 OnMessage 中被替换，对外只暴露快照
type Session struct {
	roomID   string
	playerID string
	conn     *connection.Manager
	reducer  *reducer.Reducer
	sink     sink.ActionSink
	presence PresenceTracker
	now      func() time.Time
	logger   *slog.Logger

	mu              sync.Mutex
	state           *model.RoomState
	listeners       []listenerEntry
	statusListeners []statusEntry
	nextID          uint64
	closed          bool
	committed       uint64 // 已提交的状态变更次数
}

type options struct {
	logger       *slog.Logger
	now          func() time.Time
	connOpts     []connection.Option
	reducerOpts  []reducer.Option
	sink         sink.ActionSink
	presence     PresenceTracker
	initialState *model.RoomState
}

// Option 会话配置项
type Option func(*options)

// WithLogger 设置日志
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithScheduler 替换重连计时器
func WithScheduler(s connection.Scheduler) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, connection.WithScheduler(s)) }
}

// WithBackoff 设置重连退避
func WithBackoff(b connection.Backoff) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, connection.WithBackoff(b)) }
}

// WithDialTimeout 单次拨号超时
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, connection.WithDialTimeout(d)) }
}

// WithEventLimit 限制 events 保留条数
func WithEventLimit(n int) Option {
	return func(o *options) { o.reducerOpts = append(o.reducerOpts, reducer.WithEventLimit(n)) }
}

// WithActionSink 记录已发送的操作
func WithActionSink(s sink.ActionSink) Option {
	return func(o *options) { o.sink = s }
}

// WithPresence 上报在线状态
func WithPresence(p PresenceTracker) Option {
	return func(o *options) { o.presence = p }
}

// WithInitialState 使用已有的房间记录作为初始状态
func WithInitialState(state *model.RoomState) Option {
	return func(o *options) { o.initialState = state }
}

// New 创建会话，不会立即连接
func New(roomID, playerID string, transport connection.Transport, opts ...Option) *Session {
	o := &options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sink == nil {
		o.sink = sink.Nop{}
	}

	state := model.NewRoomState(roomID)
	if o.initialState != nil {
		state = o.initialState.Clone()
		state.ID = roomID
	}
	state.LastUpdate = o.now().UnixMilli()

	s := &Session{
		roomID:   roomID,
		playerID: playerID,
		reducer:  reducer.New(o.reducerOpts...),
		sink:     o.sink,
		presence: o.presence,
		now:      o.now,
		logger:   o.logger.With("component", "session", "room_id", roomID, "player_id", playerID),
		state:    state,
	}

	connOpts := append([]connection.Option{
		connection.WithLogger(o.logger),
		connection.WithClock(o.now),
	}, o.connOpts...)
	s.conn = connection.NewManager(roomID, playerID, transport, s, connOpts...)
	return s
}

// RoomID 房间 id
func (s *Session) RoomID() string { return s.roomID }

// PlayerID 玩家 id
func (s *Session) PlayerID() string { return s.playerID }

// Connect 建立连接（幂等）
// 重连耗尽后需要再次调用 Connect 才会恢复
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()

	s.conn.Connect(ctx)
}

// Disconnect 关闭连接并清空所有订阅
// 返回后不再有任何回调，可以在回调内部调用
func (s *Session) Disconnect() {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.listeners = nil
	s.statusListeners = nil
	s.mu.Unlock()

	s.conn.Disconnect()

	if !wasClosed && s.presence != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sideChannelTimeout)
			defer cancel()
			if err := s.presence.Untrack(ctx, s.roomID, s.playerID); err != nil {
				s.logger.Warn("Failed to untrack presence", "error", err)
			}
		}()
	}
}

// Subscribe 订阅状态变更，返回取消订阅函数
// 回调按注册顺序同步执行
func (s *Session) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeStatus 订阅连接状态
func (s *Session) SubscribeStatus(fn StatusListener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.statusListeners = append(s.statusListeners, statusEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.statusListeners {
				if l.id == id {
					s.statusListeners = append(s.statusListeners[:i:i], s.statusListeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Snapshot 当前状态的快照
func (s *Session) Snapshot() *model.RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// State 连接状态
func (s *Session) State() connection.State {
	return s.conn.State()
}

// Stats 连接统计
func (s *Session) Stats() connection.Stats {
	return s.conn.Stats()
}

// Committed 已提交的状态变更次数
func (s *Session) Committed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// ============== 连接事件 ==============

// OnMessage 折叠入站消息并通知订阅者
func (s *Session) OnMessage(env *protocol.Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	next, err := s.reducer.Apply(s.state, env, s.now())
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, reducer.ErrIgnored) || apperrors.Is(err, apperrors.ErrUnknownKind) {
			s.logger.Debug("Ignoring message", "type", env.Type)
		} else {
			s.logger.Warn("Dropping message", "type", env.Type, "error", err)
		}
		return
	}

	s.state = next
	s.committed++
	snapshot := next.Clone()
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		if s.isClosed() {
			return
		}
		s.invoke(l.fn, snapshot)
	}
}

// OnStateChange 连接状态变化
// 连上时上报在线，已建立的连接断开时立即下线，重连成功后再次上报
func (s *Session) OnStateChange(from, to connection.State) {
	if s.presence != nil {
		switch {
		case to == connection.StateConnected:
			ctx, cancel := context.WithTimeout(context.Background(), sideChannelTimeout)
			if err := s.presence.Track(ctx, s.roomID, s.playerID); err != nil {
				s.logger.Warn("Failed to track presence", "error", err)
			}
			cancel()
		case to == connection.StateClosed && from == connection.StateConnected:
			ctx, cancel := context.WithTimeout(context.Background(), sideChannelTimeout)
			if err := s.presence.Untrack(ctx, s.roomID, s.playerID); err != nil {
				s.logger.Warn("Failed to untrack presence", "error", err)
			}
			cancel()
		}
	}
	s.emitStatus(Status{State: to})
}

// OnExhausted 重连耗尽，只推送一次带 Err 的 Disconnected
func (s *Session) OnExhausted(err error) {
	s.logger.Error("Room is offline", "error", err)
	s.emitStatus(Status{State: connection.StateDisconnected, Err: err})
}

func (s *Session) emitStatus(status Status) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	listeners := make([]statusEntry, len(s.statusListeners))
	copy(listeners, s.statusListeners)
	s.mu.Unlock()

	for _, l := range listeners {
		if s.isClosed() {
			return
		}
		func() {
			defer s.recoverListener()
			l.fn(status)
		}()
	}
}

func (s *Session) invoke(fn Listener, snapshot *model.RoomState) {
	defer s.recoverListener()
	fn(snapshot)
}

func (s *Session) recoverListener() {
	if r := recover(); r != nil {
		s.logger.Error("Listener panic recovered", "panic", r)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ============== 上行操作 ==============
// 发送即返回，不等待确认；未连接时丢弃并返回 ErrNotConnected，调用方可以忽略

// MoveCard 移动卡牌
func (s *Session) MoveCard(cardID string, position model.Position, rotation float64) error {
	env, err := protocol.NewCardMove(cardID, position, rotation)
	if err != nil {
		return err
	}
	return s.send(env)
}

// UpdatePlayerAction 上报当前玩家的动作
func (s *Session) UpdatePlayerAction(action string) error {
	env, err := protocol.NewPlayerAction(s.playerID, action, s.now())
	if err != nil {
		return err
	}
	return s.send(env)
}

// UpdateResource 设置资源数量
func (s *Session) UpdateResource(resourceID string, amount float64) error {
	env, err := protocol.NewResourceUpdate(resourceID, amount)
	if err != nil {
		return err
	}
	return s.send(env)
}

// TriggerEnvironmentalEffect 触发环境效果，id 和 startTime 由会话生成
func (s *Session) TriggerEnvironmentalEffect(effectType string, intensity float64, duration time.Duration) (model.EnvironmentalEffect, error) {
	effect := model.EnvironmentalEffect{
		ID:        uuid.NewString(),
		Type:      effectType,
		Intensity: intensity,
		Duration:  duration.Milliseconds(),
		StartTime: s.now().UnixMilli(),
	}
	env, err := protocol.NewEnvironmentalEffect(effect)
	if err != nil {
		return effect, err
	}
	return effect, s.send(env)
}

func (s *Session) send(env *protocol.Envelope) error {
	if err := s.conn.Send(env); err != nil {
		s.logger.Debug("Intent dropped", "type", env.Type, "error", err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideChannelTimeout)
	defer cancel()
	action := sink.Action{
		RoomID:    s.roomID,
		PlayerID:  s.playerID,
		Type:      string(env.Type),
		Data:      env.Data,
		CreatedAt: s.now(),
	}
	if err := s.sink.Record(ctx, action); err != nil {
		s.logger.Warn("Failed to record action", "type", env.Type, "error", err)
	}
	return nil
}
