package signal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"amscam/native/internal/domain"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned by Send and Receive after Close.
var ErrChannelClosed = errors.New("control channel closed")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Client is a websocket control channel.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewDialer returns a Dialer that opens websocket control channels. With
// insecure set, server certificates are not verified.
func NewDialer(insecure bool, logger *slog.Logger) domain.Dialer {
	return func(ctx context.Context, endpoint string) (domain.Channel, error) {
		return Dial(ctx, endpoint, insecure, logger)
	}
}

// Dial connects to endpoint.
func Dial(ctx context.Context, endpoint string, insecure bool, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
		// The reference deployment serves self-signed certificates.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
	}

	logger.Info("connecting to control channel", "url", endpoint)
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &Client{
		conn:   conn,
		logger: logger,
		closed: make(chan struct{}),
	}, nil
}

// Send writes one text message.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.logger.Debug(">>> " + string(data))
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Receive blocks until a text message arrives. Close unblocks it.
func (c *Client) Receive() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrChannelClosed
			default:
				return nil, fmt.Errorf("websocket read: %w", err)
			}
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.logger.Debug("<<< " + string(data))
		return data, nil
	}
}

// Close shuts down the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		// WriteControl and Close are safe alongside a pending write.
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}
