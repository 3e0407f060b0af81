// Package registry 进程内房间表
// 记录房间元数据和最新状态，可选挂载一个 Session 持续镜像服务端状态
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/model"
	"sudooom.im.roomsync/internal/protocol"
	"sudooom.im.roomsync/internal/reducer"
	"sudooom.im.roomsync/internal/session"
)

type entry struct {
	state        *model.RoomState
	passcodeHash []byte
	session      *session.Session
	lastActive   time.Time
}

// Registry 房间注册表
//
// 使用示例：
//
//	reg := registry.New(30*time.Minute, time.Minute, logger)
//	reg.Create("room-1", "Lobby", model.RoomTypeCustom, false, "")
//	sess, _ := reg.Open(ctx, "room-1", "p1", transport)
//	go reg.RunEviction(ctx)
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*entry

	evictTimeout  time.Duration
	evictInterval time.Duration
	cost          int
	now           func() time.Time
	logger        *slog.Logger
}

// New 创建注册表，evictTimeout <= 0 时不淘汰
func New(evictTimeout, evictInterval time.Duration, logger *slog.Logger) *Registry {
	if evictInterval <= 0 {
		evictInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:         make(map[string]*entry),
		evictTimeout:  evictTimeout,
		evictInterval: evictInterval,
		cost:          bcrypt.DefaultCost,
		now:           time.Now,
		logger:        logger.With("component", "registry"),
	}
}

// Create 创建房间，同 id 的房间会被覆盖
// 私有房间必须提供口令，口令只保存 bcrypt 哈希
func (r *Registry) Create(id, name string, roomType model.RoomType, isPrivate bool, passcode string) (*model.RoomState, error) {
	var hash []byte
	if isPrivate {
		if passcode == "" {
			return nil, apperrors.ErrPasscodeMissing
		}
		h, err := bcrypt.GenerateFromPassword([]byte(passcode), r.cost)
		if err != nil {
			return nil, apperrors.ErrInternal.Wrap(err)
		}
		hash = h
	}

	now := r.now()
	state := model.NewRoomState(id)
	state.Name = name
	state.Type = roomType
	state.IsPrivate = isPrivate
	state.LastUpdate = now.UnixMilli()

	r.mu.Lock()
	old := r.rooms[id]
	r.rooms[id] = &entry{
		state:        state,
		passcodeHash: hash,
		lastActive:   now,
	}
	r.mu.Unlock()

	// 覆盖后旧会话不再有对应的记录
	if old != nil && old.session != nil {
		old.session.Disconnect()
	}

	info := roomType.Info()
	r.logger.Info("Created room",
		"room_id", id,
		"type", roomType,
		"type_name", info.Name,
		"theme", info.ThemeColor,
		"custom_type", !roomType.IsKnown(),
		"private", isPrivate,
		"overwritten", old != nil)
	return state.Clone(), nil
}

// Exists 房间是否存在
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[id]
	return ok
}

// Get 获取房间状态快照
func (r *Registry) Get(id string) (*model.RoomState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[id]
	if !ok {
		return nil, false
	}
	return e.state.Clone(), true
}

// List 按 id 排序返回所有房间快照
func (r *Registry) List() []*model.RoomState {
	r.mu.RLock()
	rooms := make([]*model.RoomState, 0, len(r.rooms))
	for _, e := range r.rooms {
		rooms = append(rooms, e.state.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Count 返回当前房间数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Update 顶层字段覆盖合并，并刷新 lastUpdate
// 只修改本地记录，不会下发到已挂载的会话
func (r *Registry) Update(id string, partial protocol.StateUpdatePayload) (*model.RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[id]
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	now := r.now()
	e.state = reducer.ApplyStateUpdate(e.state, partial, now)
	e.lastActive = now
	return e.state.Clone(), nil
}

// Delete 删除房间，已挂载的会话会被断开
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	e, ok := r.rooms[id]
	delete(r.rooms, id)
	r.mu.Unlock()

	if !ok {
		return apperrors.ErrRoomNotFound
	}
	if e.session != nil {
		e.session.Disconnect()
	}
	r.logger.Info("Removed room", "room_id", id)
	return nil
}

// VerifyPasscode 校验私有房间口令，公开房间直接通过
func (r *Registry) VerifyPasscode(id, passcode string) error {
	r.mu.RLock()
	e, ok := r.rooms[id]
	var hash []byte
	if ok {
		hash = e.passcodeHash
	}
	r.mu.RUnlock()

	if !ok {
		return apperrors.ErrRoomNotFound
	}
	if len(hash) == 0 {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(passcode)); err != nil {
		return apperrors.ErrInvalidPasscode
	}
	return nil
}

// Open 为房间创建会话并连接，会话提交的每个快照都会同步回注册表
// 房间不存在时以默认元数据创建；已挂载的旧会话会被断开
func (r *Registry) Open(ctx context.Context, id, playerID string, transport connection.Transport, opts ...session.Option) (*session.Session, error) {
	r.mu.Lock()
	e, ok := r.rooms[id]
	if !ok {
		now := r.now()
		state := model.NewRoomState(id)
		state.LastUpdate = now.UnixMilli()
		e = &entry{state: state, lastActive: now}
		r.rooms[id] = e
	}
	old := e.session
	seed := e.state.Clone()
	r.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	opts = append([]session.Option{session.WithInitialState(seed)}, opts...)
	sess := session.New(id, playerID, transport, opts...)
	sess.Subscribe(func(state *model.RoomState) {
		r.mirror(id, sess, state)
	})

	r.mu.Lock()
	current, ok := r.rooms[id]
	if !ok || current != e {
		r.mu.Unlock()
		return nil, apperrors.ErrRoomNotFound
	}
	e.session = sess
	e.lastActive = r.now()
	r.mu.Unlock()

	sess.Connect(ctx)
	r.logger.Info("Opened room session", "room_id", id, "player_id", playerID)
	return sess, nil
}

// Session 返回房间挂载的会话
func (r *Registry) Session(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[id]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Sessions 所有已挂载会话的连接统计
func (r *Registry) Sessions() []connection.Stats {
	r.mu.RLock()
	sessions := make([]*session.Session, 0, len(r.rooms))
	for _, e := range r.rooms {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	r.mu.RUnlock()

	stats := make([]connection.Stats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, s.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].RoomID < stats[j].RoomID })
	return stats
}

// Close 断开所有会话
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.rooms))
	for _, e := range r.rooms {
		if e.session != nil {
			sessions = append(sessions, e.session)
			e.session = nil
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	r.logger.Info("Registry closed", "sessions", len(sessions))
}

// mirror 只接受当前挂载会话的快照
func (r *Registry) mirror(id string, sess *session.Session, state *model.RoomState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[id]
	if !ok || e.session != sess {
		return
	}
	// 快照在同一轮订阅者之间共享，这里单独保留一份
	e.state = state.Clone()
	e.lastActive = r.now()
}

// RunEviction 定期淘汰不活跃的房间（阻塞，应在 goroutine 中调用）
func (r *Registry) RunEviction(ctx context.Context) {
	if r.evictTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(r.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictInactive()
		}
	}
}

// evictInactive 淘汰超过 evictTimeout 未活跃的房间
// 挂着未断开会话的房间即使长时间没有消息也保留
func (r *Registry) evictInactive() int {
	now := r.now()

	r.mu.Lock()
	evicted := make(map[string]*entry)
	for id, e := range r.rooms {
		if e.session != nil && e.session.State() != connection.StateDisconnected {
			continue
		}
		if now.Sub(e.lastActive) > r.evictTimeout {
			evicted[id] = e
			delete(r.rooms, id)
		}
	}
	r.mu.Unlock()

	for id, e := range evicted {
		if e.session != nil {
			e.session.Disconnect()
		}
		r.logger.Info("Evicted inactive room", "room_id", id, "last_active", e.lastActive)
	}
	return len(evicted)
}
