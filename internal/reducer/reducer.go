// Package reducer 将入站消息折叠进房间状态
//
// 每个函数都是纯函数：不修改 prev，返回新的状态。只复制被修改的集合，
// 未修改的集合与 prev 共享（写时复制），因此 prev 必须被视为只读。
// 引用不存在的实体（网络乱序下很常见）不是错误，只更新 lastUpdate。
package reducer

import (
	"errors"
	"fmt"
	"time"

	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/model"
	"sudooom.im.roomsync/internal/protocol"
)

// ErrIgnored 消息不产生状态变更（仅上行的 JOIN）
var ErrIgnored = errors.New("message ignored")

// Reducer 带配置的状态折叠器
type Reducer struct {
	maxEvents int // 事件保留上限，0 表示不限
}

// Option Reducer 配置项
type Option func(*Reducer)

// WithEventLimit 限制 events 保留条数，超出时丢弃最早的事件
func WithEventLimit(n int) Option {
	return func(r *Reducer) {
		if n > 0 {
			r.maxEvents = n
		}
	}
}

// New 创建 Reducer
func New(opts ...Option) *Reducer {
	r := &Reducer{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply 按消息类型分发
// 返回 ErrIgnored 或 ErrUnknownKind 表示没有状态变更；载荷错误返回 ErrMalformedPayload，prev 不受影响
func (r *Reducer) Apply(prev *model.RoomState, env *protocol.Envelope, now time.Time) (*model.RoomState, error) {
	if !env.Type.Known() {
		return prev, apperrors.ErrUnknownKind.Wrap(fmt.Errorf("type %q", env.Type))
	}

	switch env.Type {
	case protocol.KindStateUpdate:
		var payload protocol.StateUpdatePayload
		if err := env.DecodeData(&payload); err != nil {
			return prev, err
		}
		return ApplyStateUpdate(prev, payload, now), nil

	case protocol.KindPlayerJoin, protocol.KindPlayerLeave:
		var payload protocol.PlayerPresencePayload
		if err := env.DecodeData(&payload); err != nil {
			return prev, err
		}
		if payload.PlayerID == "" {
			return prev, apperrors.ErrMalformedPayload.Wrap(fmt.Errorf("%s: missing playerId", env.Type))
		}
		return ApplyPlayerPresence(prev, env.Type, payload, now), nil

	case protocol.KindCardMove:
		var payload protocol.CardMovePayload
		if err := env.DecodeData(&payload); err != nil {
			return prev, err
		}
		return ApplyCardMove(prev, payload, now), nil

	case protocol.KindPlayerAction:
		var payload protocol.PlayerActionPayload
		if err := env.DecodeData(&payload); err != nil {
			return prev, err
		}
		return ApplyPlayerAction(prev, payload, now), nil

	case protocol.KindResourceUpdate:
		var payload protocol.ResourceUpdatePayload
		if err := env.DecodeData(&payload); err != nil {
			return prev, err
		}
		if payload.ResourceID == "" {
			return prev, apperrors.ErrMalformedPayload.Wrap(fmt.Errorf("%s: missing resourceId", env.Type))
		}
		return ApplyResourceUpdate(prev, payload, now), nil

	case protocol.KindEnvironmentalEffect:
		var effect model.EnvironmentalEffect
		if err := env.DecodeData(&effect); err != nil {
			return prev, err
		}
		return ApplyEnvironmentalEffect(prev, effect, now), nil

	case protocol.KindGameEvent:
		var event model.GameEvent
		if err := env.DecodeData(&event); err != nil {
			return prev, err
		}
		return r.ApplyGameEvent(prev, event, now), nil
	}

	return prev, ErrIgnored
}

// ApplyStateUpdate 顶层字段覆盖合并
func ApplyStateUpdate(prev *model.RoomState, payload protocol.StateUpdatePayload, now time.Time) *model.RoomState {
	next := shallow(prev)

	if payload.ID != nil {
		next.ID = *payload.ID
	}
	if payload.Name != nil {
		next.Name = *payload.Name
	}
	if payload.Type != nil {
		next.Type = model.ParseRoomType(string(*payload.Type))
	}
	if payload.IsPrivate != nil {
		next.IsPrivate = *payload.IsPrivate
	}
	// 载荷是刚解出来的，拷贝一次避免与调用方共享
	if payload.Players != nil {
		next.Players = model.ClonePlayers(payload.Players)
	}
	if payload.Cards != nil {
		next.Cards = model.CloneCards(payload.Cards)
	}
	if payload.Resources != nil {
		next.Resources = model.CloneResources(payload.Resources)
	}
	if payload.Events != nil {
		next.Events = append([]model.GameEvent(nil), payload.Events...)
	}
	if payload.EnvironmentalEffects != nil {
		next.EnvironmentalEffects = append([]model.EnvironmentalEffect(nil), payload.EnvironmentalEffects...)
	}

	next.Touch(now)
	return next
}

// ApplyPlayerPresence 玩家加入 / 离开
// action 字段优先；缺省时由消息类型决定
func ApplyPlayerPresence(prev *model.RoomState, kind protocol.Kind, payload protocol.PlayerPresencePayload, now time.Time) *model.RoomState {
	join := kind == protocol.KindPlayerJoin
	switch payload.Action {
	case protocol.ActionJoin:
		join = true
	case protocol.ActionLeave:
		join = false
	}

	next := shallow(prev)
	next.Players = model.ClonePlayers(prev.Players)
	if join {
		next.Players[payload.PlayerID] = model.PlayerState{
			ID:         payload.PlayerID,
			Name:       model.DefaultPlayerName(payload.PlayerID),
			Position:   model.Position{},
			Score:      0,
			Status:     model.PlayerActive,
			LastAction: now.UnixMilli(),
		}
	} else {
		delete(next.Players, payload.PlayerID)
	}

	next.Touch(now)
	return next
}

// ApplyCardMove 更新已存在卡牌的位姿，未知卡牌不做处理
func ApplyCardMove(prev *model.RoomState, payload protocol.CardMovePayload, now time.Time) *model.RoomState {
	next := shallow(prev)

	if card, ok := prev.Cards[payload.CardID]; ok {
		next.Cards = model.CloneCards(prev.Cards)
		card.Position = payload.Position
		card.Rotation = payload.Rotation
		next.Cards[payload.CardID] = card
	}

	next.Touch(now)
	return next
}

// ApplyPlayerAction 更新已存在玩家的 lastAction，未知玩家不做处理
func ApplyPlayerAction(prev *model.RoomState, payload protocol.PlayerActionPayload, now time.Time) *model.RoomState {
	next := shallow(prev)

	if player, ok := prev.Players[payload.PlayerID]; ok {
		next.Players = model.ClonePlayers(prev.Players)
		player.LastAction = payload.Timestamp
		next.Players[payload.PlayerID] = player
	}

	next.Touch(now)
	return next
}

// ApplyResourceUpdate 覆盖资源数量，重复投递幂等
func ApplyResourceUpdate(prev *model.RoomState, payload protocol.ResourceUpdatePayload, now time.Time) *model.RoomState {
	next := shallow(prev)
	next.Resources = model.CloneResources(prev.Resources)
	next.Resources[payload.ResourceID] = payload.Amount

	next.Touch(now)
	return next
}

// ApplyEnvironmentalEffect 追加环境效果，不按 id 去重
func ApplyEnvironmentalEffect(prev *model.RoomState, effect model.EnvironmentalEffect, now time.Time) *model.RoomState {
	next := shallow(prev)
	next.EnvironmentalEffects = make([]model.EnvironmentalEffect, 0, len(prev.EnvironmentalEffects)+1)
	next.EnvironmentalEffects = append(next.EnvironmentalEffects, prev.EnvironmentalEffects...)
	next.EnvironmentalEffects = append(next.EnvironmentalEffects, effect)

	next.Touch(now)
	return next
}

// ApplyGameEvent 追加游戏事件，不按 id 去重；超过保留上限时丢弃最早的事件
func (r *Reducer) ApplyGameEvent(prev *model.RoomState, event model.GameEvent, now time.Time) *model.RoomState {
	next := shallow(prev)

	events := make([]model.GameEvent, 0, len(prev.Events)+1)
	events = append(events, prev.Events...)
	events = append(events, event)
	if r.maxEvents > 0 && len(events) > r.maxEvents {
		events = events[len(events)-r.maxEvents:]
	}
	next.Events = events

	next.Touch(now)
	return next
}

// shallow 浅拷贝顶层结构，集合字段仍与 prev 共享
func shallow(prev *model.RoomState) *model.RoomState {
	next := *prev
	return &next
}
