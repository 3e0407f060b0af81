package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/model"
)

// Kind 消息类型
type Kind string

const (
	KindJoin                Kind = "JOIN" // 仅上行：宣告在线
	KindStateUpdate         Kind = "STATE_UPDATE"
	KindPlayerJoin          Kind = "PLAYER_JOIN"
	KindPlayerLeave         Kind = "PLAYER_LEAVE"
	KindCardMove            Kind = "CARD_MOVE"
	KindPlayerAction        Kind = "PLAYER_ACTION"
	KindResourceUpdate      Kind = "RESOURCE_UPDATE"
	KindEnvironmentalEffect Kind = "ENVIRONMENTAL_EFFECT"
	KindGameEvent           Kind = "GAME_EVENT"
)

var knownKinds = map[Kind]struct{}{
	KindJoin:                {},
	KindStateUpdate:         {},
	KindPlayerJoin:          {},
	KindPlayerLeave:         {},
	KindCardMove:            {},
	KindPlayerAction:        {},
	KindResourceUpdate:      {},
	KindEnvironmentalEffect: {},
	KindGameEvent:           {},
}

// Known 是否为已识别的消息类型，未识别的类型由调用方忽略
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// 玩家进出动作
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Envelope 消息信封 {type, data}
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ============== 载荷定义 ==============

// JoinPayload 上线宣告
type JoinPayload struct {
	PlayerID  string `json:"playerId"`
	Timestamp int64  `json:"timestamp"`
}

// StateUpdatePayload 局部房间状态，nil 字段表示未携带
type StateUpdatePayload struct {
	ID                   *string                      `json:"id,omitempty"`
	Name                 *string                      `json:"name,omitempty"`
	Type                 *model.RoomType              `json:"type,omitempty"`
	IsPrivate            *bool                        `json:"isPrivate,omitempty"`
	Players              map[string]model.PlayerState `json:"players,omitempty"`
	Cards                map[string]model.CardState   `json:"cards,omitempty"`
	Resources            map[string]float64           `json:"resources,omitempty"`
	Events               []model.GameEvent            `json:"events,omitempty"`
	EnvironmentalEffects []model.EnvironmentalEffect  `json:"environmentalEffects,omitempty"`
}

// PlayerPresencePayload 玩家加入 / 离开
type PlayerPresencePayload struct {
	PlayerID string `json:"playerId"`
	Action   string `json:"action,omitempty"`
}

// CardMovePayload 卡牌移动
type CardMovePayload struct {
	CardID   string         `json:"cardId"`
	Position model.Position `json:"position"`
	Rotation float64        `json:"rotation"`
}

// PlayerActionPayload 玩家动作
type PlayerActionPayload struct {
	PlayerID  string `json:"playerId"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// ResourceUpdatePayload 资源数量（覆盖写，不是累加）
type ResourceUpdatePayload struct {
	ResourceID string  `json:"resourceId"`
	Amount     float64 `json:"amount"`
}

// ============== 编解码 ==============

// Decode 解析消息信封
// 只校验信封本身，载荷在对应 handler 中按需解析
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.ErrMalformedEnvelope.Wrap(err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, apperrors.ErrMalformedEnvelope.Wrap(fmt.Errorf("missing type"))
	}
	return &env, nil
}

// Encode 序列化消息信封
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeData 按载荷类型解析 data
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return apperrors.ErrMalformedPayload.Wrap(fmt.Errorf("%s: empty data", e.Type))
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return apperrors.ErrMalformedPayload.Wrap(fmt.Errorf("%s: %w", e.Type, err))
	}
	return nil
}

// New 构造消息信封
func New(kind Kind, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: kind, Data: data}, nil
}

// ============== 上行消息构造 ==============

// NewJoin 构造 JOIN 消息
func NewJoin(playerID string, now time.Time) (*Envelope, error) {
	return New(KindJoin, JoinPayload{PlayerID: playerID, Timestamp: now.UnixMilli()})
}

// NewCardMove 构造 CARD_MOVE 消息
func NewCardMove(cardID string, position model.Position, rotation float64) (*Envelope, error) {
	return New(KindCardMove, CardMovePayload{CardID: cardID, Position: position, Rotation: rotation})
}

// NewPlayerAction 构造 PLAYER_ACTION 消息
func NewPlayerAction(playerID, action string, now time.Time) (*Envelope, error) {
	return New(KindPlayerAction, PlayerActionPayload{PlayerID: playerID, Action: action, Timestamp: now.UnixMilli()})
}

// NewResourceUpdate 构造 RESOURCE_UPDATE 消息
func NewResourceUpdate(resourceID string, amount float64) (*Envelope, error) {
	return New(KindResourceUpdate, ResourceUpdatePayload{ResourceID: resourceID, Amount: amount})
}

// NewEnvironmentalEffect 构造 ENVIRONMENTAL_EFFECT 消息
func NewEnvironmentalEffect(effect model.EnvironmentalEffect) (*Envelope, error) {
	return New(KindEnvironmentalEffect, effect)
}
