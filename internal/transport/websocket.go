package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sudooom.im.roomsync/internal/auth"
	"sudooom.im.roomsync/internal/config"
	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketTransport 通过 {url}/ws/room/{roomId} 建立 WebSocket 连接
type WebSocketTransport struct {
	baseURL     string
	tokens      auth.TokenSource
	dialer      *websocket.Dialer
	writeBuffer int
	logger      *slog.Logger
}

// NewWebSocket 创建 WebSocket 传输
func NewWebSocket(cfg config.TransportConfig, tokens auth.TokenSource, logger *slog.Logger) *WebSocketTransport {
	writeBuffer := cfg.WriteBuffer
	if writeBuffer <= 0 {
		writeBuffer = 256
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}
	return &WebSocketTransport{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		tokens:      tokens,
		dialer:      dialer,
		writeBuffer: writeBuffer,
		logger:      logger,
	}
}

// RoomURL 房间连接地址
func (t *WebSocketTransport) RoomURL(roomID string) string {
	return t.baseURL + "/ws/room/" + url.PathEscape(roomID)
}

func (t *WebSocketTransport) Dial(ctx context.Context, roomID string) (connection.Conn, error) {
	header, err := authHeader(ctx, t.tokens, roomID)
	if err != nil {
		return nil, apperrors.ErrHandshakeError.Wrap(err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.RoomURL(roomID), header)
	if err != nil {
		if resp != nil {
			return nil, apperrors.ErrHandshakeError.Wrap(fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return nil, err
	}

	return newWSConn(conn, t.writeBuffer, t.logger.With("room_id", roomID)), nil
}

// wsConn 单条 WebSocket 连接
// 所有写入由 writeLoop 串行完成
type wsConn struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, writeBuffer int, logger *slog.Logger) *wsConn {
	c := &wsConn{
		conn:      conn,
		logger:    logger,
		writeChan: make(chan []byte, writeBuffer),
		closeChan: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.logger.Debug("WebSocket closed unexpectedly", "error", err)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Send(data []byte) error {
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				c.Close()
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
	})
	return nil
}
