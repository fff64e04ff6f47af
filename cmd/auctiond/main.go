package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"auctionhouse/internal/config"
	"auctionhouse/internal/server"
	"auctionhouse/internal/store"
	"auctionhouse/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting auctiond",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	srv := server.New(cfg, st, server.WithLogger(logger))

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.Server.ListenAddr, "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if cfg.Server.HTTPEnabled() {
		httpServer := &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           srv.HTTPHandler(gctx),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting http server", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("auctiond running",
		"listen_addr", cfg.Server.ListenAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Database.Driver,
	)

	if err := g.Wait(); err != nil {
		logger.Error("auctiond stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("auctiond stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadAndValidate(path)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		logger.Info("connecting to database",
			"host", cfg.Host,
			"port", cfg.Port,
			"database", cfg.Name,
		)
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return store.OpenPostgres(connectCtx, cfg, logger)
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	}
}
