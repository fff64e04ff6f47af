package protocol

import (
	"context"
	"net"
	"sync"
	"time"
)

type Option func(*Conn)

func WithMaxPayloadBytes(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxPayload = n
		}
	}
}

// Conn wraps a net.Conn and provides framed send/receive.
//
// Conn is safe for one concurrent reader and any number of concurrent
// writers; writes of whole frames are serialized.
type Conn struct {
	nc net.Conn

	maxPayload int

	readMu  sync.Mutex
	writeMu sync.Mutex
}

func New(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		nc:         nc,
		maxPayload: DefaultMaxPayload,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Send encodes msg and writes it as one frame. A zero Timestamp is stamped
// with the current time.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	frame, err := c.Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(ctx, frame)
}

// MaxPayload returns the payload limit enforced in both directions.
func (c *Conn) MaxPayload() int { return c.maxPayload }

// Encode serializes msg under this connection's payload limit without
// writing it. A zero Timestamp is stamped with the current time.
func (c *Conn) Encode(msg Message) ([]byte, error) {
	h := msg.Header
	if h.Timestamp == 0 {
		h.Timestamp = nowMS()
	}
	return encodeFrame(h, msg.Payload, c.maxPayload)
}

// WriteFrame writes an already serialized frame.
func (c *Conn) WriteFrame(ctx context.Context, frame []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	restore, stop := c.applyWriteContext(ctx)
	defer func() {
		stop()
		restore()
	}()

	if err := writeFrameTo(c.nc, frame); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// ReadNext blocks until one complete frame has been read.
//
// Protocol violations close the connection; a clean close by the peer
// surfaces as io.EOF.
func (c *Conn) ReadNext(ctx context.Context) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	restore, stop := c.applyReadContext(ctx)
	defer func() {
		stop()
		restore()
	}()

	msg, err := decodeFrameFrom(c.nc, c.maxPayload)
	if err == nil {
		return msg, nil
	}

	// If context was cancelled, prefer ctx.Err().
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	default:
	}

	if IsProtocolError(err) {
		_ = c.nc.Close()
	}
	return Message{}, err
}

func (c *Conn) applyReadContext(ctx context.Context) (restore func(), stop func() bool) {
	var (
		restoreDeadline             = func() { _ = c.nc.SetReadDeadline(time.Time{}) }
		stopAfter       func() bool = func() bool { return true }
	)

	if d, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(d)
	}
	stopAfter = context.AfterFunc(ctx, func() { _ = c.nc.SetReadDeadline(time.Now()) })
	return restoreDeadline, stopAfter
}

func (c *Conn) applyWriteContext(ctx context.Context) (restore func(), stop func() bool) {
	var (
		restoreDeadline             = func() { _ = c.nc.SetWriteDeadline(time.Time{}) }
		stopAfter       func() bool = func() bool { return true }
	)

	if d, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(d)
	}
	stopAfter = context.AfterFunc(ctx, func() { _ = c.nc.SetWriteDeadline(time.Now()) })
	return restoreDeadline, stopAfter
}
