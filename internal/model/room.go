package model

import (
	"encoding/json"
	"time"
)

// PlayerStatus 玩家在线状态
type PlayerStatus string

const (
	PlayerActive PlayerStatus = "active"
	PlayerIdle   PlayerStatus = "idle"
	PlayerAway   PlayerStatus = "away"
)

// CardPile 卡牌所在区域
type CardPile string

const (
	PileDeck    CardPile = "deck"
	PileHand    CardPile = "hand"
	PilePlay    CardPile = "play"
	PileDiscard CardPile = "discard"
)

// Position 二维坐标
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RoomState 房间状态镜像
// 由 Session 独占持有，对外只暴露 Clone 出来的快照
// 所有时间戳均为 Unix 毫秒，与线上协议一致
type RoomState struct {
	ID                   string                 `json:"id" yaml:"id"`
	Name                 string                 `json:"name" yaml:"name"`
	Type                 RoomType               `json:"type" yaml:"type"`
	IsPrivate            bool                   `json:"isPrivate" yaml:"is_private"`
	Players              map[string]PlayerState `json:"players" yaml:"players"`
	Cards                map[string]CardState   `json:"cards" yaml:"cards"`
	Resources            map[string]float64     `json:"resources" yaml:"resources"`
	Events               []GameEvent            `json:"events" yaml:"events"`
	EnvironmentalEffects []EnvironmentalEffect  `json:"environmentalEffects" yaml:"environmental_effects"`
	LastUpdate           int64                  `json:"lastUpdate" yaml:"last_update"` // 本地时钟，非服务端序号
}

// PlayerState 玩家状态
type PlayerState struct {
	ID         string       `json:"id" yaml:"id"`
	Name       string       `json:"name" yaml:"name"`
	Position   Position     `json:"position" yaml:"position"`
	Score      int          `json:"score" yaml:"score"`
	Status     PlayerStatus `json:"status" yaml:"status"`
	LastAction int64        `json:"lastAction" yaml:"last_action"`
}

// CardState 卡牌状态
type CardState struct {
	ID       string   `json:"id" yaml:"id"`
	Type     string   `json:"type" yaml:"type"`
	Position Position `json:"position" yaml:"position"`
	Rotation float64  `json:"rotation" yaml:"rotation"`
	OwnerID  *string  `json:"ownerId" yaml:"owner_id"` // 仅用于查找玩家，不表示归属
	State    CardPile `json:"state" yaml:"state"`
}

// GameEvent 游戏事件，追加后不可修改
type GameEvent struct {
	ID        string          `json:"id" yaml:"id"`
	Type      string          `json:"type" yaml:"type"`
	Data      json.RawMessage `json:"data,omitempty" yaml:"-"`
	Timestamp int64           `json:"timestamp" yaml:"timestamp"`
}

// EnvironmentalEffect 环境效果
// 是否生效由 StartTime + Duration 推导，过期的效果不会被删除
type EnvironmentalEffect struct {
	ID        string  `json:"id" yaml:"id"`
	Type      string  `json:"type" yaml:"type"`
	Intensity float64 `json:"intensity" yaml:"intensity"`
	Duration  int64   `json:"duration" yaml:"duration"` // 毫秒
	StartTime int64   `json:"startTime" yaml:"start_time"`
}

// NewRoomState 创建空房间状态
func NewRoomState(id string) *RoomState {
	return &RoomState{
		ID:                   id,
		Type:                 RoomTypeCustom,
		Players:              make(map[string]PlayerState),
		Cards:                make(map[string]CardState),
		Resources:            make(map[string]float64),
		Events:               make([]GameEvent, 0),
		EnvironmentalEffects: make([]EnvironmentalEffect, 0),
		LastUpdate:           time.Now().UnixMilli(),
	}
}

// Clone 深拷贝房间状态（快照）
// 返回值与原状态不共享任何 map / slice，调用方可以随意持有
func (r *RoomState) Clone() *RoomState {
	if r == nil {
		return nil
	}

	snapshot := *r
	snapshot.Players = ClonePlayers(r.Players)
	snapshot.Cards = CloneCards(r.Cards)
	snapshot.Resources = CloneResources(r.Resources)

	snapshot.Events = make([]GameEvent, len(r.Events))
	for i, ev := range r.Events {
		snapshot.Events[i] = ev.clone()
	}
	snapshot.EnvironmentalEffects = append(make([]EnvironmentalEffect, 0, len(r.EnvironmentalEffects)), r.EnvironmentalEffects...)
	return &snapshot
}

// ClonePlayers 拷贝玩家表
func ClonePlayers(src map[string]PlayerState) map[string]PlayerState {
	dst := make(map[string]PlayerState, len(src))
	for id, p := range src {
		dst[id] = p
	}
	return dst
}

// CloneCards 拷贝卡牌表（OwnerID 指针同样拷贝）
func CloneCards(src map[string]CardState) map[string]CardState {
	dst := make(map[string]CardState, len(src))
	for id, c := range src {
		if c.OwnerID != nil {
			owner := *c.OwnerID
			c.OwnerID = &owner
		}
		dst[id] = c
	}
	return dst
}

// CloneResources 拷贝资源表
func CloneResources(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for id, amount := range src {
		dst[id] = amount
	}
	return dst
}

func (e GameEvent) clone() GameEvent {
	if e.Data != nil {
		e.Data = append(json.RawMessage(nil), e.Data...)
	}
	return e
}

// Touch 更新 LastUpdate，保证单调不减
func (r *RoomState) Touch(now time.Time) {
	ms := now.UnixMilli()
	if ms > r.LastUpdate {
		r.LastUpdate = ms
	}
}

// ActiveEffects 返回当前仍在生效的环境效果
func (r *RoomState) ActiveEffects(now time.Time) []EnvironmentalEffect {
	active := make([]EnvironmentalEffect, 0, len(r.EnvironmentalEffects))
	for _, effect := range r.EnvironmentalEffects {
		if effect.IsActive(now) {
			active = append(active, effect)
		}
	}
	return active
}

// IsActive now - startTime < duration
func (e EnvironmentalEffect) IsActive(now time.Time) bool {
	return now.UnixMilli()-e.StartTime < e.Duration
}

// Fade 效果剩余强度比例，1 表示刚触发，0 表示已过期
func (e EnvironmentalEffect) Fade(now time.Time) float64 {
	if e.Duration <= 0 {
		return 0
	}
	elapsed := now.UnixMilli() - e.StartTime
	if elapsed < 0 {
		return 1
	}
	fade := 1 - float64(elapsed)/float64(e.Duration)
	if fade < 0 {
		return 0
	}
	return fade
}

// EffectIntensity 当前最强的环境效果强度，按剩余时间线性衰减
func (r *RoomState) EffectIntensity(now time.Time) float64 {
	var strongest float64
	for _, effect := range r.EnvironmentalEffects {
		if v := effect.Intensity * effect.Fade(now); v > strongest {
			strongest = v
		}
	}
	return strongest
}

// DefaultPlayerName 新加入玩家的默认昵称
func DefaultPlayerName(playerID string) string {
	short := playerID
	if len(short) > 4 {
		short = short[:4]
	}
	return "Player " + short
}
