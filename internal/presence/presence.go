// Package presence 在 Redis 中记录房间内在线玩家
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.roomsync/internal/config"
)

const (
	// KeyPrefix 房间在线集合 Key 前缀
	// 完整格式: roomsync:room:presence:{roomId}，ZSET，score 为最后活跃时间（毫秒）
	KeyPrefix = "roomsync:room:presence:"

	defaultTTL      = 2 * time.Minute
	defaultInterval = 30 * time.Second
)

// BuildKey 构建房间在线集合 Key
func BuildKey(roomID string) string {
	return KeyPrefix + roomID
}

type member struct {
	roomID   string
	playerID string
}

// Tracker 在线状态跟踪
// Track 之后由 Run 定期续期，超过 TTL 未续期的成员视为离线
type Tracker struct {
	client   *redis.Client
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	tracked map[member]struct{}
}

// NewClient 创建 Redis 客户端
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// NewTracker 创建在线状态跟踪器
func NewTracker(client *redis.Client, ttl, interval time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		client:   client,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "presence"),
		tracked:  make(map[member]struct{}),
	}
}

// Track 标记玩家在线
func (t *Tracker) Track(ctx context.Context, roomID, playerID string) error {
	if err := t.touch(ctx, roomID, playerID); err != nil {
		return err
	}

	t.mu.Lock()
	t.tracked[member{roomID, playerID}] = struct{}{}
	t.mu.Unlock()

	t.logger.Debug("Tracked player", "room_id", roomID, "player_id", playerID)
	return nil
}

// Untrack 移除玩家在线标记
func (t *Tracker) Untrack(ctx context.Context, roomID, playerID string) error {
	t.mu.Lock()
	delete(t.tracked, member{roomID, playerID})
	t.mu.Unlock()

	return t.client.ZRem(ctx, BuildKey(roomID), playerID).Err()
}

// Refresh 续期所有已跟踪的玩家（心跳时调用）
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	members := make([]member, 0, len(t.tracked))
	for m := range t.tracked {
		members = append(members, m)
	}
	t.mu.Unlock()

	var firstErr error
	for _, m := range members {
		if err := t.touch(ctx, m.roomID, m.playerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Members 返回房间内仍在线的玩家，顺带清理过期成员
func (t *Tracker) Members(ctx context.Context, roomID string) ([]string, error) {
	key := BuildKey(roomID)
	cutoff := strconv.FormatInt(t.now().Add(-t.ttl).UnixMilli(), 10)

	if err := t.client.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
		return nil, err
	}
	return t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
}

// Run 定期续期（阻塞，应在 goroutine 中调用）
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("Presence refresher started",
		"ttl", t.ttl,
		"interval", t.interval)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Presence refresher stopped")
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.logger.Warn("Presence refresh failed", "error", err)
			}
		}
	}
}

// Ping 检查 Redis 连接
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *Tracker) touch(ctx context.Context, roomID, playerID string) error {
	key := BuildKey(roomID)
	score := float64(t.now().UnixMilli())

	pipe := t.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: playerID})
	// 整个集合无人续期时自动回收
	pipe.Expire(ctx, key, 2*t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence touch %s/%s: %w", roomID, playerID, err)
	}
	return nil
}
