// Package sink 把已发送的玩家操作写入持久化存储
// 只写不读，房间状态永远不会从这里恢复
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.roomsync/internal/config"
	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/workerpool"
)

var ErrQueueFull = errors.New("action sink queue is full")

// Action 一条已发送的玩家操作
type Action struct {
	RoomID    string          `json:"room_id"`
	PlayerID  string          `json:"player_id"`
	Type      string          `json:"action_type"`
	Data      json.RawMessage `json:"action_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// ActionSink 操作记录接收方
type ActionSink interface {
	Record(ctx context.Context, action Action) error
}

// Nop 丢弃所有记录
type Nop struct{}

func (Nop) Record(context.Context, Action) error { return nil }

// Execer pgxpool.Pool / pgx.Conn / pgx.Tx 的公共子集
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS room_actions (
		id          BIGSERIAL PRIMARY KEY,
		room_id     TEXT        NOT NULL,
		player_id   TEXT        NOT NULL,
		action_type TEXT        NOT NULL,
		action_data JSONB       NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_room_actions_room ON room_actions (room_id, created_at)`,
}

// PostgresSink 写入 room_actions 表
type PostgresSink struct {
	db Execer
}

// NewPostgresSink 创建 PostgreSQL 操作记录
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

// EnsureSchema 建表（幂等）
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return apperrors.ErrDBError.Wrap(err)
		}
	}
	return nil
}

// Record 插入一条记录
func (s *PostgresSink) Record(ctx context.Context, action Action) error {
	query := `
		INSERT INTO room_actions (room_id, player_id, action_type, action_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	data := action.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	_, err := s.db.Exec(ctx, query,
		action.RoomID,
		action.PlayerID,
		action.Type,
		string(data),
		action.CreatedAt,
	)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// AsyncSink 通过 Worker Pool 异步写入，调用方不等待结果
type AsyncSink struct {
	next    ActionSink
	pool    *workerpool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

// NewAsyncSink 创建异步记录器
func NewAsyncSink(next ActionSink, pool *workerpool.Pool, timeout time.Duration, logger *slog.Logger) *AsyncSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncSink{
		next:    next,
		pool:    pool,
		timeout: timeout,
		logger:  logger.With("component", "sink"),
	}
}

// Record 入队；队列满时丢弃并返回 ErrQueueFull
func (s *AsyncSink) Record(_ context.Context, action Action) error {
	ok := s.pool.TrySubmit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := s.next.Record(ctx, action); err != nil {
			s.logger.Error("Failed to record action",
				"room_id", action.RoomID,
				"action_type", action.Type,
				"error", err)
		}
	})
	if !ok {
		s.logger.Warn("Action dropped, sink queue full",
			"room_id", action.RoomID,
			"action_type", action.Type)
		return ErrQueueFull
	}
	return nil
}

// Connect 连接 PostgreSQL
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}
