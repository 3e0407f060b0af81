package connection

import (
	"context"
	"time"

	"sudooom.im.roomsync/internal/protocol"
)

// State 连接状态
type State int

const (
	StateDisconnected  State = iota // 初始 / 主动断开 / 重连耗尽
	StateConnecting                 // 拨号中
	StateConnected                  // 已连接，可收发
	StateClosed                     // 连接断开，等待重连策略决策
	StateReconnectWait              // 等待退避计时器
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateReconnectWait:
		return "reconnect_wait"
	default:
		return "unknown"
	}
}

// Conn 一条已建立的双工连接
// Receive 在连接关闭后必须返回错误，Close 可重复调用
type Conn interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(data []byte) error
	Close() error
}

// Transport 按房间拨号
type Transport interface {
	Dial(ctx context.Context, roomID string) (Conn, error)
}

// Handler 接收连接事件，所有回调串行执行
// 重连耗尽时以 OnExhausted 代替 Closed -> Disconnected 的状态通知
type Handler interface {
	OnMessage(env *protocol.Envelope)
	OnStateChange(from, to State)
	OnExhausted(err error)
}

// Timer 可取消的计时器
type Timer interface {
	Stop() bool
}

// Scheduler 延迟执行，测试中可替换为手动触发
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Backoff 重连退避策略
// 第 n 次重连（从 0 开始）等待 Base * 2^n，不设上限
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultBackoff 1s 起步，最多 5 次
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, MaxAttempts: 5}
}

// Delay 返回第 attempt 次重连前的等待时间
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return b.Base * time.Duration(int64(1)<<uint(attempt))
}

// Stats 连接统计
type Stats struct {
	RoomID     string `json:"room_id"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	Reconnects int64  `json:"reconnects"`
	Dropped    int64  `json:"dropped"`
}
