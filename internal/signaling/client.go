package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	handshakeTimeout = 45 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 200 * 1024 // 200K
)

var ErrClosed = errors.New("signaling connection is closed")

// Client is the mixer's websocket connection to the signaling hub
type Client struct {
	conn     *websocket.Conn
	messages chan []byte

	writeLock sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:     conn,
		messages: make(chan []byte),
		done:     make(chan struct{}),
	}

	go c.readPump()
	go c.pingPump()

	log.Info().Str("service", "signaling").Str("url", url).Msg("connected to signaling server")

	return c, nil
}

// Messages yields text frames from the hub and is closed when the connection ends
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

func (c *Client) readPump() {
	defer close(c.messages)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		t, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("service", "signaling").Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if t != websocket.TextMessage {
			log.Warn().Str("service", "signaling").Int("type", t).Msg("skip non-text frame")
			continue
		}

		select {
		case c.messages <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeLock.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeLock.Unlock()

			if err != nil {
				log.Warn().Err(err).Str("service", "signaling").Msg("ping failed")
				return
			}
		}
	}
}

func (c *Client) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close says goodbye to the hub and drops the connection
func (c *Client) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)

		c.writeLock.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeLock.Unlock()

		err = c.conn.Close()
	})

	return err
}
