package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decidr/chat-core/internal/wsevent"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 8192

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may go without a pong before it is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait; the server sends a ping every pingPeriod.
	pingPeriod = (pongWait * 9) / 10

	// eventReadTimeout bounds how long a single dispatched event may take to handle, so a stalled repository call
	// cannot pin a readPump goroutine indefinitely.
	eventReadTimeout = 10 * time.Second
)

// Client represents a single authenticated WebSocket connection. Each client runs two goroutines (readPump and
// writePump) and implements room.Session so the Room Manager and Message Pipeline can address it directly. A user may
// hold any number of concurrent Clients; each is tracked under its own session id.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	id            uuid.UUID
	userID        uuid.UUID
	userName      string
	email         string
	emailVerified bool

	send chan []byte

	// done is closed to signal that the client is shutting down. The send channel is never closed directly; writePump
	// and enqueue both select on done to detect termination, avoiding send-on-closed-channel panics that would
	// otherwise occur when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the session id, distinct per connection even for the same user.
func (c *Client) ID() uuid.UUID { return c.id }

// UserID returns the authenticated user id bound to this session at handshake time.
func (c *Client) UserID() uuid.UUID { return c.userID }

// UserName returns the display name hydrated from the account store at handshake time.
func (c *Client) UserName() string { return c.userName }

// Send encodes and enqueues an outbound event. It never blocks and never returns an error, per the room.Session
// contract; failures surface only as a dropped connection.
func (c *Client) Send(eventType wsevent.Type, payload any) {
	data, err := wsevent.Encode(eventType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to encode outbound event")
		return
	}
	c.enqueue(data)
}

// closeSend signals the client's write loop to stop. It is safe to call from multiple goroutines; only the first call
// has any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue places msg on the client's write channel. If the client has already been shut down the message is silently
// dropped. If the channel is full, the message is dropped and the connection is closed rather than letting a slow
// reader apply backpressure to the rest of the gateway.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("client send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// readPump reads frames from the WebSocket connection and hands each one to the Hub's dispatch logic. It runs in its
// own goroutine and is responsible for unregistering the client and closing the connection when the loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventReadTimeout)
		malformed := c.hub.handleEvent(ctx, c, raw)
		cancel()
		if malformed {
			c.closeWithCode(CloseProtocolError, "invalid JSON")
			return
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection and pings idle connections to detect
// dead peers. It runs in its own goroutine and exits when done is closed, draining any buffered messages first so the
// client receives everything sent before the close.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
