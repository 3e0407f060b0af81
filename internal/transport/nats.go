package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.im.roomsync/internal/auth"
	"sudooom.im.roomsync/internal/config"
	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
)

// NATSTransport 每个房间一个 subject：{prefix}.{roomId}
// 在线状态另走 {prefix}.{roomId}.presence
type NATSTransport struct {
	url         string
	name        string
	prefix      string
	tokens      auth.TokenSource
	dialTimeout time.Duration
	buffer      int
	logger      *slog.Logger
}

// NewNATS 创建 NATS 传输
func NewNATS(cfg config.TransportConfig, tokens auth.TokenSource, logger *slog.Logger) *NATSTransport {
	prefix := cfg.NATS.SubjectPrefix
	if prefix == "" {
		prefix = "room"
	}
	buffer := cfg.WriteBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &NATSTransport{
		url:         cfg.URL,
		name:        cfg.NATS.Name,
		prefix:      prefix,
		tokens:      tokens,
		dialTimeout: cfg.DialTimeout,
		buffer:      buffer,
		logger:      logger,
	}
}

// RoomSubject 房间消息 subject
func (t *NATSTransport) RoomSubject(roomID string) string {
	return t.prefix + "." + roomID
}

// PresenceSubject 房间在线状态 subject
func (t *NATSTransport) PresenceSubject(roomID string) string {
	return t.RoomSubject(roomID) + ".presence"
}

func (t *NATSTransport) Dial(ctx context.Context, roomID string) (connection.Conn, error) {
	c := &natsConn{
		subject: t.RoomSubject(roomID),
		inbound: make(chan *nats.Msg, t.buffer),
		closed:  make(chan struct{}),
		logger:  t.logger.With("room_id", roomID),
	}

	// 重连由连接管理器负责，这里关闭库内置重连
	opts := []nats.Option{
		nats.Name(t.name),
		nats.NoEcho(),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.markClosed()
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	} else if t.dialTimeout > 0 {
		opts = append(opts, nats.Timeout(t.dialTimeout))
	}
	if t.tokens != nil {
		token, err := t.tokens.Token(ctx, roomID)
		if err != nil {
			return nil, apperrors.ErrHandshakeError.Wrap(err)
		}
		if token != "" {
			opts = append(opts, nats.Token(token))
		}
	}

	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		return nil, err
	}
	c.nc = nc

	for _, subject := range []string{t.RoomSubject(roomID), t.PresenceSubject(roomID)} {
		if _, err := nc.ChanSubscribe(subject, c.inbound); err != nil {
			nc.Close()
			return nil, apperrors.ErrHandshakeError.Wrap(err)
		}
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return nil, apperrors.ErrHandshakeError.Wrap(err)
	}

	return c, nil
}

type natsConn struct {
	nc        *nats.Conn
	subject   string
	inbound   chan *nats.Msg
	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *natsConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg.Data, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *natsConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	return c.nc.Publish(c.subject, data)
}

func (c *natsConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *natsConn) Close() error {
	c.markClosed()
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}
