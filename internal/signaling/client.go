package signaling

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dialink/dialink/internal/core"
)

// ErrDisconnected is returned by Send while the channel is down. Callers
// advance their local state optimistically and drop the emission (degraded
// mode; there is no outbound retry queue).
var ErrDisconnected = errors.New("signaling channel disconnected")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Client is the thin wrapper around the always-on bidirectional event channel
// to the relay. Inbound payloads are surfaced raw on Messages and decoded by
// the Router.
type Client struct {
	url      string
	identity core.Identity

	mu       sync.Mutex
	conn     *websocket.Conn
	messages chan []byte
	done     chan struct{}
}

func NewClient(url string, identity core.Identity) *Client {
	return &Client{
		url:      url,
		identity: identity,
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

// Connect dials the relay and registers the local user as online.
func (c *Client) Connect() error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("signaling dial %s: %w", c.url, err)
	}
	resp.Body.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	online := NewUserOnlineEvent(c.identity.VirtualNumber, c.identity.UserID)
	if err := c.Send(online); err != nil {
		return err
	}

	log.Info().Str("service", "signaling").Str("url", c.url).Msg("connected")

	return nil
}

// Messages is the raw inbound payload stream. Closed when the channel dies.
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send emits one typed event. Returns ErrDisconnected when the channel is
// down; the caller decides whether that is fatal.
func (c *Client) Send(ev Event) error {
	payload, err := ev.ToJSON()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrDisconnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Error().Err(err).Str("service", "signaling").Str("kind", string(ev.GetKind())).Msg("write failed")
		c.dropConn()
		return ErrDisconnected
	}

	return nil
}

// Close tears the channel down and closes Messages.
func (c *Client) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.messages)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Error().Err(err).Str("service", "signaling").Msg("read error")
			}
			c.mu.Lock()
			c.dropConn()
			c.mu.Unlock()
			return
		}

		select {
		case c.messages <- payload:
		case <-c.done:
			return
		}
	}
}

// dropConn must be called with mu held.
func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
