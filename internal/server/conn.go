package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"auctionhouse/internal/protocol"
	"auctionhouse/internal/reliability"
)

// connection is the server side of one client. It is the session.Peer the
// registry broadcasts through; only the read loop touches replay.
type connection struct {
	srv     *Server
	pc      *protocol.Conn
	tracker *reliability.Tracker
	replay  *replayCache
	logger  *slog.Logger
	id      uint64
}

func (s *Server) newConnection(nc net.Conn) *connection {
	pc := protocol.New(nc, protocol.WithMaxPayloadBytes(s.cfg.Server.MaxPayloadBytes))
	c := &connection{
		srv:    s,
		pc:     pc,
		replay: newReplayCache(s.cfg.Server.ReplayCacheSize),
		logger: s.logger.With("remote", nc.RemoteAddr().String()),
	}
	c.tracker = reliability.New(pc, reliability.Config{
		AckTimeout:    s.cfg.Reliability.AckTimeout,
		MaxRetries:    s.cfg.Reliability.MaxRetries,
		MaxPending:    s.cfg.Reliability.MaxPending,
		SweepInterval: s.cfg.Reliability.SweepInterval,
		WriteTimeout:  s.cfg.Server.WriteTimeout,
	},
		reliability.WithLogger(c.logger),
		reliability.WithClock(s.now),
		reliability.WithFailureHandler(func(reliability.PendingDelivery) {
			s.deliveryFailures.Add(1)
		}),
	)
	return c
}

func (c *connection) Send(ctx context.Context, msg protocol.Message) error {
	return c.pc.Send(ctx, msg)
}

func (c *connection) SendReliable(ctx context.Context, typ protocol.Type, payload []byte) (uint32, error) {
	return c.tracker.Send(ctx, typ, protocol.FlagRequiresAck, payload)
}

func (c *connection) Close() error { return c.pc.Close() }

// write sends an already encoded frame under the configured write timeout.
func (c *connection) write(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.srv.cfg.Server.WriteTimeout)
	defer cancel()
	return c.pc.WriteFrame(wctx, frame)
}

// ServeConn runs one connection to completion. It returns once the peer
// disconnects, violates the protocol, is evicted, or ctx is cancelled.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := s.newConnection(nc)

	sess, err := s.registry.Register(c)
	if err != nil {
		c.logger.Warn("rejecting connection", "error", err)
		c.sendError(ctx, 0, protocol.CodeRoomFull, "server is full")
		_ = c.Close()
		return
	}
	c.id = sess.ID
	c.logger = c.logger.With("session_id", sess.ID)
	c.logger.Debug("connection accepted")

	cctx, cancel := context.WithCancel(ctx)
	go c.tracker.Run(cctx)
	defer func() {
		cancel()
		c.tracker.Close()
		s.registry.Unregister(c.id)
		c.logger.Debug("connection closed")
	}()

	c.readLoop(cctx)
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		msg, err := c.pc.ReadNext(ctx)
		if err != nil {
			c.logReadError(ctx, err)
			return
		}
		c.srv.registry.Touch(c.id)

		if msg.Flags.Has(protocol.FlagIsAck) {
			if !c.tracker.Ack(msg.RequestID) {
				c.logger.Debug("ignoring stale ack", "request_id", msg.RequestID)
			}
			continue
		}
		if msg.Flags.Has(protocol.FlagRequiresAck) {
			if err := c.write(ctx, protocol.Ack(msg.Header)); err != nil {
				c.logger.Debug("ack write failed", "request_id", msg.RequestID, "error", err)
				return
			}
		}
		if msg.Flags.Has(protocol.FlagRetransmit) {
			if frame, ok := c.replay.Get(msg.RequestID); ok {
				c.logger.Debug("duplicate request, replaying response",
					"type", msg.Type,
					"request_id", msg.RequestID,
				)
				if frame == nil {
					continue
				}
				if err := c.write(ctx, frame); err != nil {
					c.logger.Debug("replay write failed", "error", err)
					return
				}
				continue
			}
		}

		if err := c.srv.dispatch(ctx, c, msg); err != nil {
			c.logger.Debug("response write failed", "type", msg.Type, "error", err)
			return
		}
	}
}

func (c *connection) logReadError(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		c.logger.Debug("connection shutting down")
	case protocol.IsProtocolError(err):
		c.logger.Warn("protocol violation, closing connection", "error", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("peer disconnected")
	default:
		c.logger.Debug("read failed", "error", err)
	}
}

// sendError writes a best-effort error frame outside the request flow.
func (c *connection) sendError(ctx context.Context, requestID uint32, code, text string) {
	payload, err := protocol.EncodePayload(protocol.Fail(code, text))
	if err != nil {
		return
	}
	frame, err := c.pc.Encode(protocol.Message{
		Header:  protocol.Header{Type: protocol.TypeError, RequestID: requestID},
		Payload: payload,
	})
	if err != nil {
		return
	}
	_ = c.write(ctx, frame)
}
