// Package server runs the auction protocol: it accepts connections, drives
// one read loop per connection, dispatches requests to the bid engine and
// pushes room events through the session registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"auctionhouse/internal/auction"
	"auctionhouse/internal/auth"
	"auctionhouse/internal/config"
	"auctionhouse/internal/protocol"
	"auctionhouse/internal/session"
	"auctionhouse/internal/store"
	"auctionhouse/internal/wsconn"
)

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source shared by the registry, the engine
// and the reliability trackers.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
	store    store.Store
	registry *session.Registry
	engine   *auction.Engine
	hasher   *auth.Hasher
	upgrader *wsconn.Upgrader
	routes   map[protocol.Type]route

	connsMu  sync.Mutex
	draining bool
	conns    sync.WaitGroup
	live     atomic.Int64

	deliveryFailures atomic.Int64
}

// New builds a server over st. cfg must already carry defaults.
func New(cfg *config.Config, st store.Store, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		store:  st,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = session.NewRegistry(
		session.WithCapacity(cfg.Server.MaxSessions),
		session.WithLogger(s.logger),
		session.WithSendTimeout(cfg.Server.WriteTimeout),
		session.WithClock(s.now),
	)
	s.engine = auction.NewEngine(st,
		auction.WithLogger(s.logger),
		auction.WithClock(s.now),
		auction.WithMaxDuration(cfg.Auction.MaxDuration),
	)
	s.hasher = auth.NewHasher(cfg.Auth.BcryptCost)
	s.upgrader = wsconn.NewUpgrader(protocol.HeaderLen + cfg.Server.MaxPayloadBytes)
	s.routes = s.buildRoutes()
	return s
}

func (s *Server) Registry() *session.Registry { return s.registry }

func (s *Server) Engine() *auction.Engine { return s.engine }

// Serve accepts connections on ln and runs the housekeeping and auction
// timer loops until ctx is cancelled or the listener fails. On return every
// session has been closed and every connection goroutine has exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		s.every(gctx, s.cfg.Reliability.SweepInterval, s.evictIdle)
		return nil
	})
	g.Go(func() error {
		s.every(gctx, s.cfg.Auction.TimerInterval, s.tickAuctions)
		return nil
	})

	s.logger.Info("auction server listening", "addr", ln.Addr().String())
	err := g.Wait()

	s.connsMu.Lock()
	s.draining = true
	s.connsMu.Unlock()

	s.closeAll()
	s.conns.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		if !s.track() {
			_ = nc.Close()
			return nil
		}
		go func() {
			defer s.untrack()
			s.ServeConn(ctx, nc)
		}()
	}
}

// track counts a connection goroutine that Serve waits for on shutdown. It
// reports false once Serve has begun draining.
func (s *Server) track() bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.draining {
		return false
	}
	s.conns.Add(1)
	s.live.Add(1)
	return true
}

func (s *Server) untrack() {
	s.live.Add(-1)
	s.conns.Done()
}

// every runs fn at interval until ctx is done.
func (s *Server) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Server) evictIdle(context.Context) {
	if s.cfg.Server.IdleTimeout <= 0 {
		return
	}
	for _, id := range s.registry.Idle(s.now().Add(-s.cfg.Server.IdleTimeout)) {
		s.logger.Info("evicting idle session", "session_id", id)
		s.registry.Unregister(id)
	}
}

func (s *Server) closeAll() {
	for id := range s.registry.Peers() {
		s.registry.Unregister(id)
	}
}
