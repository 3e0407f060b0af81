package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"sudooom.im.roomsync/internal/auth"
	"sudooom.im.roomsync/internal/config"
	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/health"
	"sudooom.im.roomsync/internal/model"
	"sudooom.im.roomsync/internal/presence"
	"sudooom.im.roomsync/internal/registry"
	"sudooom.im.roomsync/internal/session"
	"sudooom.im.roomsync/internal/sink"
	"sudooom.im.roomsync/internal/transport"
	"sudooom.im.roomsync/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	dumpPath := flag.String("dump", "", "退出时把最终房间状态写入 YAML 文件")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := newLogger(cfg.App)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	if cfg.Room.PlayerID == "" {
		cfg.Room.PlayerID = uuid.NewString()
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 传输层
	tokens, err := auth.NewTokenSource(cfg.Auth.Token, cfg.Auth.TokenSecret, cfg.Room.PlayerID, cfg.Auth.TokenTTL)
	if errors.Is(err, auth.ErrNoCredential) {
		logger.Warn("No credential configured, dialing anonymously")
		tokens = nil
	} else if err != nil {
		logger.Error("Failed to create token source", "error", err)
		os.Exit(1)
	}
	roomTransport, err := transport.New(cfg.Transport, tokens, logger)
	if err != nil {
		logger.Error("Failed to create transport", "error", err)
		os.Exit(1)
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithBackoff(connection.Backoff{
			Base:        cfg.Reconnect.BaseDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		}),
		session.WithDialTimeout(cfg.Transport.DialTimeout),
		session.WithEventLimit(cfg.State.EventLimit),
	}

	// 操作记录
	var sinkPool *workerpool.Pool
	if cfg.Database.Enabled {
		db, err := sink.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pgSink := sink.NewPostgresSink(db)
		if err := pgSink.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to prepare schema", "error", err)
			os.Exit(1)
		}
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

		sinkPool = workerpool.New("action-sink", cfg.Sink.Workers, cfg.Sink.QueueSize, logger)
		opts = append(opts, session.WithActionSink(sink.NewAsyncSink(pgSink, sinkPool, cfg.Sink.Timeout, logger)))
	}

	// 在线状态
	var redisPresence health.Presence
	if cfg.Redis.Enabled {
		redisClient := presence.NewClient(cfg.Redis)
		defer redisClient.Close()

		tracker := presence.NewTracker(redisClient, cfg.Redis.PresenceTTL, cfg.Redis.RefreshInterval, logger)
		if err := tracker.Ping(ctx); err != nil {
			logger.Warn("Redis unavailable, presence disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
			opts = append(opts, session.WithPresence(tracker))
			go tracker.Run(ctx)
		}
		redisPresence = tracker
	}

	// 房间
	roomType := model.ParseRoomType(cfg.Room.Type)
	if !roomType.IsKnown() {
		logger.Info("Using custom room type", "type", roomType)
	}
	rooms := registry.New(cfg.Registry.EvictTimeout, cfg.Registry.EvictInterval, logger)
	if _, err := rooms.Create(
		cfg.Room.ID,
		cfg.Room.Name,
		roomType,
		cfg.Room.Private,
		cfg.Room.Passcode,
	); err != nil {
		logger.Error("Failed to create room", "room_id", cfg.Room.ID, "error", err)
		os.Exit(1)
	}
	go rooms.RunEviction(ctx)

	sess, err := rooms.Open(ctx, cfg.Room.ID, cfg.Room.PlayerID, roomTransport, opts...)
	if err != nil {
		logger.Error("Failed to open room", "room_id", cfg.Room.ID, "error", err)
		os.Exit(1)
	}
	sess.Subscribe(func(state *model.RoomState) {
		now := time.Now()
		logger.Info("Room state updated",
			"room_id", state.ID,
			"players", len(state.Players),
			"cards", len(state.Cards),
			"resources", len(state.Resources),
			"events", len(state.Events),
			"active_effects", len(state.ActiveEffects(now)),
			"effect_intensity", state.EffectIntensity(now),
			"last_update", state.LastUpdate)
	})
	sess.SubscribeStatus(func(status session.Status) {
		if apperrors.IsFatal(status.Err) {
			logger.Error("Room offline, restart to reconnect", "room_id", sess.RoomID(), "error", status.Err)
			return
		}
		logger.Info("Connection status", "room_id", sess.RoomID(), "state", status.State.String())
	})

	// 启动健康检查 HTTP 服务
	var server *http.Server
	if cfg.Health.Enabled {
		checker := health.NewChecker(rooms, redisPresence, sinkPool)
		server = &http.Server{
			Addr:    cfg.Health.Addr,
			Handler: checker.Router(cfg.Health.Mode),
		}
		go startHealthServer(server, logger)
	}

	logger.Info("Roomsync started",
		"name", cfg.App.Name,
		"room_id", cfg.Room.ID,
		"player_id", cfg.Room.PlayerID,
		"transport", cfg.Transport.Kind)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	final := sess.Snapshot()
	rooms.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Health server shutdown failed", "error", err)
		}
	}
	if sinkPool != nil {
		sinkPool.Shutdown(shutdownCtx)
	}

	if *dumpPath != "" {
		if err := dumpState(*dumpPath, final); err != nil {
			logger.Error("Failed to dump room state", "path", *dumpPath, "error", err)
		} else {
			logger.Info("Room state dumped", "path", *dumpPath)
		}
	}

	logger.Info("Roomsync stopped", "committed", sess.Committed())
}

// newLogger 按配置创建日志
func newLogger(cfg config.AppConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
}

// startHealthServer 启动健康检查 HTTP 服务
func startHealthServer(server *http.Server, logger *slog.Logger) {
	logger.Info("Health check server started", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health check server failed", "error", err)
	}
}

// dumpState 以 YAML 写出房间状态
func dumpState(path string, state *model.RoomState) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
