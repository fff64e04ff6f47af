// Package wsconn carries the binary frame protocol over WebSocket. Each frame
// travels as one binary message; on the read side messages are concatenated
// into a byte stream, so the frame decoder is unchanged.
package wsconn

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"auctionhouse/internal/protocol"
)

var ErrUnexpectedMessage = errors.New("websocket: non-binary message")

// DefaultReadLimit bounds a single inbound message to one maximal frame.
const DefaultReadLimit = protocol.HeaderLen + protocol.DefaultMaxPayload

// Conn adapts a *websocket.Conn to net.Conn.
type Conn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	r      io.Reader

	writeMu sync.Mutex
}

var _ net.Conn = (*Conn)(nil)

// New wraps ws. Inbound messages larger than readLimit bytes end the
// connection with a protocol error; readLimit <= 0 means DefaultReadLimit.
func New(ws *websocket.Conn, readLimit int64) *Conn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, readErr(err)
			}
			if typ != websocket.BinaryMessage {
				return 0, errors.Join(protocol.ErrProtocol, ErrUnexpectedMessage)
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, readErr(err)
	}
}

// readErr marks an oversized message as a protocol violation.
func readErr(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return errors.Join(protocol.ErrProtocol, protocol.ErrPayloadTooLarge, err)
	}
	return err
}

// Write sends p as a single binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame, best effort, and closes the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// Upgrader turns HTTP requests into Conns.
type Upgrader struct {
	websocket.Upgrader
	readLimit int64
}

// NewUpgrader returns an Upgrader whose connections accept messages of at
// most maxMessage bytes.
func NewUpgrader(maxMessage int) *Upgrader {
	return &Upgrader{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessage,
			WriteBufferSize: maxMessage,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		readLimit: int64(maxMessage),
	}
}

func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, u.readLimit), nil
}

// Dial opens a client connection to a ws:// or wss:// URL. readLimit is as
// for New.
func Dial(url string, readLimit int64) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, readLimit), nil
}
