// Package transport carries relay frames over WebSocket connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/cmdrelay/internal/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	DefaultSendBuffer      = 256
	DefaultMaxMessageBytes = 4 << 20
)

// Options bounds a connection's resources.
type Options struct {
	// SendBuffer is the number of outbound frames queued before Send
	// starts refusing.
	SendBuffer int
	// MaxMessageBytes limits a single inbound frame.
	MaxMessageBytes int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return o
}

// Conn is a WebSocket endpoint. Writes go through a buffered channel
// drained by a single writer goroutine, so Send never blocks.
type Conn struct {
	ws *websocket.Conn
	id string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	stopped chan struct{}
	unsent  [][]byte
}

// ErrClosed is returned by SendContext once the connection is closed.
var ErrClosed = errors.New("connection closed")

func newConn(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		ws:   ws,
		id:   types.NewSessionID(),
		send: make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	ws.SetReadLimit(opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c
}

// Dial connects to a relay endpoint such as ws://host:port/client-ws.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, opts), nil
}

func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Send queues data for the writer. It returns false when the connection
// is closed or the buffer is full.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendContext queues data, waiting for buffer space until ctx is done or
// the connection closes.
func (c *Conn) SendContext(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting frames. The writer flushes what is queued, sends a
// close message and tears the socket down, which unblocks ReadMessage.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// ReadMessage returns the next data frame. Control frames are handled
// internally.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			slog.Debug("websocket read error", "session", c.id, "error", err)
		}
		c.Close()
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

// Unsent waits for the writer to stop and returns the frames it never
// wrote to the socket, in send order. Call it after Close.
func (c *Conn) Unsent() [][]byte {
	<-c.stopped
	for {
		select {
		case message := <-c.send:
			c.unsent = append(c.unsent, message)
		default:
			return c.unsent
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.stopped)
	}()

	for {
		select {
		case message := <-c.send:
			if !c.write(message) {
				c.abort(message)
				return
			}

		case <-c.done:
		drain:
			for {
				select {
				case message := <-c.send:
					if !c.write(message) {
						c.abort(message)
						return
					}
				default:
					break drain
				}
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort(nil)
				return
			}
		}
	}
}

// abort closes the connection after a failed write and keeps failed plus
// everything still queued for Unsent.
func (c *Conn) abort(failed []byte) {
	c.Close()
	if failed != nil {
		c.unsent = append(c.unsent, failed)
	}
	for {
		select {
		case message := <-c.send:
			c.unsent = append(c.unsent, message)
		default:
			return
		}
	}
}

func (c *Conn) write(message []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, message) == nil
}

var _ types.Session = (*Conn)(nil)

// upgrader accepts any origin; the relay does not authenticate peers.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}
