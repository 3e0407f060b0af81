// Package transport 提供连接管理器使用的具体传输实现
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"sudooom.im.roomsync/internal/auth"
	"sudooom.im.roomsync/internal/config"
	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
)

// 传输类型
const (
	KindWebSocket    = "websocket"
	KindNATS         = "nats"
	KindWebTransport = "webtransport"
)

var ErrConnectionClosed = errors.New("connection closed")

// New 按配置创建传输
func New(cfg config.TransportConfig, tokens auth.TokenSource, logger *slog.Logger) (connection.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport", "kind", cfg.Kind)

	switch cfg.Kind {
	case KindWebSocket:
		return NewWebSocket(cfg, tokens, logger), nil
	case KindNATS:
		return NewNATS(cfg, tokens, logger), nil
	case KindWebTransport:
		return NewWebTransport(cfg, tokens, logger), nil
	}
	return nil, apperrors.ErrTransportKind.Wrap(errors.New(cfg.Kind))
}

// authHeader 为拨号请求附加 Bearer token
func authHeader(ctx context.Context, tokens auth.TokenSource, roomID string) (http.Header, error) {
	header := http.Header{}
	if tokens == nil {
		return header, nil
	}
	token, err := tokens.Token(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header, nil
}
