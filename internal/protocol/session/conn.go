package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnClosed      = errors.New("session: connection closed")
	ErrUnknownKind     = errors.New("session: unknown message kind")
	ErrUnsupportedType = errors.New("session: unsupported websocket message type")
)

// Conn is a message-oriented view of one websocket connection. Reads must
// come from a single goroutine. Writes are serialized internally.
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn installs keepalive handlers and the read limit on ws.
func NewConn(ws *websocket.Conn, cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	c := &Conn{ws: ws, cfg: cfg}
	ws.SetReadLimit(cfg.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		return c.extendReadDeadline()
	})
	ws.SetPingHandler(func(data string) error {
		if err := c.extendReadDeadline(); err != nil {
			return err
		}
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	return c
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("session: dial %s: %w (status=%d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("session: dial %s: %w", url, err)
	}
	return NewConn(ws, cfg), nil
}

// Accept upgrades an inbound HTTP request to a Conn.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	upgrader := websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, cfg), nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *Conn) Config() Config {
	return c.cfg
}

// ReadMessage blocks until the next message arrives, the peer goes silent
// past PongTimeout, or ctx ends. A websocket close frame is reported as a
// Close message with a nil error.
func (c *Conn) ReadMessage(ctx context.Context) (Message, error) {
	if err := c.extendReadDeadline(); err != nil {
		return Message{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			log.Debug().Msgf("session.Conn.ReadMessage close frame remote=%s code=%d", c.RemoteAddr(), ce.Code)
			return CloseMessage(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Message{}, ctxErr
		}
		return Message{}, err
	}
	switch mt {
	case websocket.BinaryMessage:
		return PayloadMessage(data), nil
	case websocket.TextMessage:
		return ControlMessage(string(data)), nil
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnsupportedType, mt)
	}
}

// WriteMessage sends msg. Close sends a normal-closure frame; the caller
// still owns closing the underlying connection.
func (c *Conn) WriteMessage(ctx context.Context, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(c.writeDeadline(ctx)); err != nil {
		return err
	}
	var err error
	switch msg.Kind {
	case KindPayload:
		err = c.ws.WriteMessage(websocket.BinaryMessage, msg.Data)
	case KindControl:
		err = c.ws.WriteMessage(websocket.TextMessage, []byte(msg.Text))
	case KindClose:
		err = c.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return ErrConnClosed
	}
	return err
}

// Ping sends a keepalive ping.
func (c *Conn) Ping() error {
	err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
	if errors.Is(err, websocket.ErrCloseSent) {
		return ErrConnClosed
	}
	return err
}

// Close releases the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) extendReadDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
}

func (c *Conn) writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
