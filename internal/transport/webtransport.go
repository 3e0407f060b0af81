package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"sudooom.im.roomsync/internal/auth"
	"sudooom.im.roomsync/internal/config"
	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
)

// WebTransportTransport 通过 {url}/webtransport?room={roomId} 建立会话
// 每个会话只使用一条双向流，消息按帧编码
type WebTransportTransport struct {
	baseURL string
	tokens  auth.TokenSource
	dialer  *webtransport.Dialer
	logger  *slog.Logger
}

// NewWebTransport 创建 WebTransport 传输
func NewWebTransport(cfg config.TransportConfig, tokens auth.TokenSource, logger *slog.Logger) *WebTransportTransport {
	dialer := &webtransport.Dialer{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			NextProtos:         []string{"h3"},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  cfg.QUIC.MaxIdleTimeout,
			KeepAlivePeriod: cfg.QUIC.KeepAlivePeriod,
			EnableDatagrams: true,
		},
	}
	return &WebTransportTransport{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		tokens:  tokens,
		dialer:  dialer,
		logger:  logger,
	}
}

// SessionURL 会话地址
func (t *WebTransportTransport) SessionURL(roomID string) string {
	return t.baseURL + "/webtransport?room=" + url.QueryEscape(roomID)
}

func (t *WebTransportTransport) Dial(ctx context.Context, roomID string) (connection.Conn, error) {
	header, err := authHeader(ctx, t.tokens, roomID)
	if err != nil {
		return nil, apperrors.ErrHandshakeError.Wrap(err)
	}

	resp, session, err := t.dialer.Dial(ctx, t.SessionURL(roomID), header)
	if err != nil {
		if resp != nil {
			return nil, apperrors.ErrHandshakeError.Wrap(fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return nil, err
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		session.CloseWithError(0, "open stream failed")
		return nil, err
	}

	return &wtConn{
		session: session,
		stream:  stream,
		logger:  t.logger.With("room_id", roomID),
	}, nil
}

type wtConn struct {
	session   *webtransport.Session
	stream    webtransport.Stream
	writeMu   sync.Mutex
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *wtConn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		frameType, body, err := ReadFrame(c.stream)
		if err != nil {
			return nil, err
		}
		switch frameType {
		case FrameTypeData:
			return body, nil
		case FrameTypeClose:
			return nil, ErrConnectionClosed
		default:
			c.logger.Debug("Skipping unknown frame", "frame_type", frameType, "size", len(body))
		}
	}
}

func (c *wtConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.stream, FrameTypeData, data)
}

func (c *wtConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.Close()
		c.session.CloseWithError(0, "connection closed")
	})
	return nil
}
