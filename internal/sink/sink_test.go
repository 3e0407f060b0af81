package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.roomsync/internal/config"
	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/workerpool"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type execCall struct {
	sql  string
	args []any
}

type fakeExecer struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeExecer) snapshot() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.calls...)
}

func sampleAction() Action {
	return Action{
		RoomID:    "room-1",
		PlayerID:  "p1",
		Type:      "CARD_MOVE",
		Data:      json.RawMessage(`{"cardId":"c1"}`),
		CreatedAt: time.UnixMilli(1_700_000_000_000),
	}
}

func TestPostgresSink_Record(t *testing.T) {
	db := &fakeExecer{}
	s := NewPostgresSink(db)

	require.NoError(t, s.Record(context.Background(), sampleAction()))

	calls := db.snapshot()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].sql, "INSERT INTO room_actions")
	assert.Equal(t, []any{"room-1", "p1", "CARD_MOVE", `{"cardId":"c1"}`, time.UnixMilli(1_700_000_000_000)}, calls[0].args)
}

func TestPostgresSink_EmptyData(t *testing.T) {
	db := &fakeExecer{}
	action := sampleAction()
	action.Data = nil

	require.NoError(t, NewPostgresSink(db).Record(context.Background(), action))
	assert.Equal(t, "{}", db.snapshot()[0].args[3])
}

func TestPostgresSink_Error(t *testing.T) {
	db := &fakeExecer{err: errors.New("connection refused")}
	err := NewPostgresSink(db).Record(context.Background(), sampleAction())
	assert.True(t, apperrors.Is(err, apperrors.ErrDBError))

	err = NewPostgresSink(db).EnsureSchema(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrDBError))
}

func TestPostgresSink_EnsureSchema(t *testing.T) {
	db := &fakeExecer{}
	require.NoError(t, NewPostgresSink(db).EnsureSchema(context.Background()))
	assert.True(t, strings.Contains(db.snapshot()[0].sql, "CREATE TABLE IF NOT EXISTS room_actions"))
}

func TestAsyncSink_Record(t *testing.T) {
	db := &fakeExecer{}
	pool := workerpool.New("sink", 2, 16, discard)
	s := NewAsyncSink(NewPostgresSink(db), pool, time.Second, discard)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(context.Background(), sampleAction()))
	}

	pool.Shutdown(context.Background())
	assert.Len(t, db.snapshot(), 5)
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Record(ctx context.Context, action Action) error {
	<-b.release
	return nil
}

func TestAsyncSink_QueueFull(t *testing.T) {
	next := &blockingSink{release: make(chan struct{})}
	pool := workerpool.New("sink", 1, 1, discard)
	s := NewAsyncSink(next, pool, time.Second, discard)

	// 第一条被 worker 取走阻塞，第二条占满队列
	require.NoError(t, s.Record(context.Background(), sampleAction()))
	require.Eventually(t, func() bool { return pool.Stats().Queued == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Record(context.Background(), sampleAction()))

	assert.ErrorIs(t, s.Record(context.Background(), sampleAction()), ErrQueueFull)

	close(next.release)
	pool.Shutdown(context.Background())
}

func TestAsyncSink_ErrorsAreSwallowed(t *testing.T) {
	db := &fakeExecer{err: errors.New("boom")}
	pool := workerpool.New("sink", 1, 4, discard)
	s := NewAsyncSink(NewPostgresSink(db), pool, time.Second, discard)

	assert.NoError(t, s.Record(context.Background(), sampleAction()))
	pool.Shutdown(context.Background())
	assert.Len(t, db.snapshot(), 1)
}

// TestPostgresSink_Integration 需要本地 PostgreSQL
func TestPostgresSink_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("跳过集成测试，设置 INTEGRATION_TEST=1 来运行")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.DatabaseConfig{
		Host:     config.GetEnv("ROOMSYNC_POSTGRES_HOST", "localhost"),
		Port:     config.GetEnvInt("ROOMSYNC_POSTGRES_PORT", 5432),
		User:     config.GetEnv("ROOMSYNC_POSTGRES_USER", "postgres"),
		Password: config.GetEnv("ROOMSYNC_POSTGRES_PASSWORD", "postgres"),
		Name:     config.GetEnv("ROOMSYNC_POSTGRES_DB", "roomsync"),
	}
	db, err := Connect(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresSink(db)
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.Record(ctx, sampleAction()))
}
