// Package client is a Go client for the auction protocol. Requests are sent
// flagged requires-ack and tracked until the server acknowledges them;
// responses are matched to requests by request id, and server pushes are
// delivered on the Events channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"auctionhouse/internal/protocol"
	"auctionhouse/internal/reliability"
	"auctionhouse/internal/wsconn"
)

var (
	ErrClosed = errors.New("client closed")

	// ErrDeliveryFailed is returned by Call when the server never
	// acknowledged the request within the configured retries.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// reply is what a waiting Call receives: the response, or the reason none
// will arrive.
type reply struct {
	msg protocol.Message
	err error
}

// Error is a request the server answered with ok=false.
type Error struct {
	Type    protocol.Type
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s rejected: %s: %s", e.Type, e.Code, e.Message)
}

// IsCode reports whether err is a server rejection with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReliability overrides the acknowledgment tracking settings.
func WithReliability(cfg reliability.Config) Option {
	return func(c *Client) { c.relCfg = cfg }
}

// WithEventBuffer sets the capacity of the Events channel. Pushes arriving
// while it is full are dropped.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuf = n
		}
	}
}

func WithMaxPayloadBytes(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPayload = n
		}
	}
}

type Client struct {
	logger     *slog.Logger
	relCfg     reliability.Config
	eventBuf   int
	maxPayload int

	pc      *protocol.Conn
	tracker *reliability.Tracker
	cancel  context.CancelFunc
	events  chan protocol.Message
	done    chan struct{}

	mu      sync.Mutex
	waiters map[uint32]chan reply
	err     error
}

// Dial connects to a server speaking the protocol over TCP.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(nc, opts...), nil
}

// DialWebSocket connects to the /ws endpoint of a server.
func DialWebSocket(url string, opts ...Option) (*Client, error) {
	settings := Client{maxPayload: protocol.DefaultMaxPayload}
	for _, opt := range opts {
		opt(&settings)
	}
	wc, err := wsconn.Dial(url, int64(protocol.HeaderLen+settings.maxPayload))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(wc, opts...), nil
}

// New starts a client over an established connection. The client owns nc.
func New(nc net.Conn, opts ...Option) *Client {
	c := &Client{
		logger:     slog.Default(),
		eventBuf:   64,
		maxPayload: protocol.DefaultMaxPayload,
		done:       make(chan struct{}),
		waiters:    make(map[uint32]chan reply),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pc = protocol.New(nc, protocol.WithMaxPayloadBytes(c.maxPayload))
	c.events = make(chan protocol.Message, c.eventBuf)
	c.tracker = reliability.New(c.pc, c.relCfg,
		reliability.WithLogger(c.logger),
		reliability.WithFailureHandler(c.deliveryFailed),
	)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.tracker.Run(ctx)
	go c.readLoop(ctx)
	return c
}

// Events delivers server pushes: bid and chat notifications, timer updates,
// item-sold notices, session-superseded and unsolicited errors. It is
// closed when the connection ends.
func (c *Client) Events() <-chan protocol.Message { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	c.setErr(ErrClosed)
	c.cancel()
	c.tracker.Close()
	err := c.pc.Close()
	<-c.done
	return err
}

// Pending returns the number of requests not yet acknowledged.
func (c *Client) Pending() int { return c.tracker.Len() }

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	for {
		msg, err := c.pc.ReadNext(ctx)
		if err != nil {
			c.setErr(err)
			return
		}

		if msg.Flags.Has(protocol.FlagIsAck) {
			c.tracker.Ack(msg.RequestID)
			continue
		}
		if msg.Flags.Has(protocol.FlagRequiresAck) {
			if err := c.pc.WriteFrame(ctx, protocol.Ack(msg.Header)); err != nil {
				c.setErr(err)
				return
			}
		}

		if isPush(msg) {
			c.push(msg)
			continue
		}

		ch, ok := c.takeWaiter(msg.RequestID)
		switch {
		case ok:
			ch <- reply{msg: msg}
		case msg.Type == protocol.TypeError:
			c.push(msg)
		default:
			c.logger.Debug("dropping unmatched response", "type", msg.Type, "request_id", msg.RequestID)
		}
	}
}

// takeWaiter removes and returns the Call waiting on id, so that exactly one
// reply is ever delivered to it.
func (c *Client) takeWaiter(id uint32) (chan reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[id]
	delete(c.waiters, id)
	return ch, ok
}

// deliveryFailed fails the Call waiting on a request the server never
// acknowledged.
func (c *Client) deliveryFailed(pd reliability.PendingDelivery) {
	c.logger.Warn("request never acknowledged", "type", pd.Type, "request_id", pd.RequestID)
	if ch, ok := c.takeWaiter(pd.RequestID); ok {
		ch <- reply{err: fmt.Errorf("%s request %d: %w", pd.Type, pd.RequestID, ErrDeliveryFailed)}
	}
}

func isPush(msg protocol.Message) bool {
	if msg.Flags.Has(protocol.FlagBroadcast) {
		return true
	}
	switch msg.Type {
	case protocol.TypeBidNotify, protocol.TypeChatNotify, protocol.TypeTimerUpdate,
		protocol.TypeItemSold, protocol.TypeSessionSuperseded:
		return true
	}
	return false
}

func (c *Client) push(msg protocol.Message) {
	select {
	case c.events <- msg:
	default:
		c.logger.Warn("event buffer full, dropping push", "type", msg.Type)
	}
}

// Call sends a request and waits for the response carrying its request id.
// req may be nil for requests without a body. If the server never
// acknowledges the request, Call returns an error wrapping ErrDeliveryFailed.
func (c *Client) Call(ctx context.Context, typ protocol.Type, req any) (protocol.Message, error) {
	var payload []byte
	if req != nil {
		var err error
		if payload, err = protocol.EncodePayload(req); err != nil {
			return protocol.Message{}, err
		}
	}

	id := c.tracker.Reserve()
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Message{}, err
	}
	c.waiters[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.tracker.SendAs(ctx, id, typ, protocol.FlagRequiresAck, payload); err != nil {
		return protocol.Message{}, fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-c.done:
		return protocol.Message{}, c.Err()
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Post sends a request that has no direct response. It returns once the
// frame is written; the server's acknowledgment is tracked in the background.
func (c *Client) Post(ctx context.Context, typ protocol.Type, req any) error {
	payload, err := protocol.EncodePayload(req)
	if err != nil {
		return err
	}
	_, err = c.tracker.Send(ctx, typ, protocol.FlagRequiresAck, payload)
	return err
}

// roundTrip performs Call and decodes a successful response into T. A
// response with ok=false, or an error frame, becomes an *Error.
func roundTrip[T any](ctx context.Context, c *Client, typ protocol.Type, req any) (T, error) {
	var zero T
	msg, err := c.Call(ctx, typ, req)
	if err != nil {
		return zero, err
	}

	res, err := protocol.DecodePayload[protocol.Result](msg.Payload)
	if err != nil {
		return zero, err
	}
	if !res.OK {
		return zero, &Error{Type: typ, Code: res.Code, Message: res.Message}
	}
	return protocol.DecodePayload[T](msg.Payload)
}
