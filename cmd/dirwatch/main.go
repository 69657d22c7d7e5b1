// Command dirwatch is the directory watch daemon. It loads a YAML
// configuration file, watches every configured root through the debounced
// registry and hands each released batch to the local queue, the optional
// Postgres event store, the optional hash-chained journal and connected
// websocket clients. It serves the control API and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/dirwatch/internal/agent"
	"github.com/tripwire/dirwatch/internal/audit"
	"github.com/tripwire/dirwatch/internal/config"
	"github.com/tripwire/dirwatch/internal/queue"
	"github.com/tripwire/dirwatch/internal/server/rest"
	"github.com/tripwire/dirwatch/internal/server/websocket"
	"github.com/tripwire/dirwatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/dirwatch/config.yaml", "path to the dirwatch YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dirwatch: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Any("roots", cfg.Roots),
		slog.String("backend", cfg.Backend),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		agentOpts  []agent.Option
		serverOpts []rest.Option
		store      *storage.Store
		journal    *audit.Journal
	)

	if cfg.QueuePath != "" {
		q, err := queue.New(cfg.QueuePath)
		if err != nil {
			logger.Error("failed to open batch queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
			os.Exit(1)
		}
		// The agent closes the queue on Stop.
		agentOpts = append(agentOpts, agent.WithQueue(q))
		serverOpts = append(serverOpts, rest.WithQueue(q))
		logger.Info("batch queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))
	}

	if cfg.PostgresDSN != "" {
		store, err = storage.New(ctx, cfg.PostgresDSN, storage.DefaultBatchSize, storage.DefaultFlushInterval, logger)
		if err != nil {
			logger.Error("failed to connect to postgres", slog.Any("error", err))
			os.Exit(1)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to apply event store schema", slog.Any("error", err))
			store.Close(ctx)
			os.Exit(1)
		}
		agentOpts = append(agentOpts, agent.WithSinks(store))
		serverOpts = append(serverOpts, rest.WithEvents(store))
		logger.Info("postgres event store ready")
	}

	if cfg.JournalPath != "" {
		journal, err = audit.Open(cfg.JournalPath)
		if err != nil {
			logger.Error("failed to open batch journal", slog.String("path", cfg.JournalPath), slog.Any("error", err))
			os.Exit(1)
		}
		agentOpts = append(agentOpts, agent.WithSinks(journal))
		seq, head := journal.Head()
		logger.Info("batch journal opened",
			slog.String("path", cfg.JournalPath),
			slog.Int64("seq", seq),
			slog.String("head", head),
		)
	}

	bc := websocket.NewBroadcaster(logger, 0)
	agentOpts = append(agentOpts, agent.WithSinks(bc))
	serverOpts = append(serverOpts, rest.WithStream(websocket.NewHandler(bc, logger, 0)))

	pubKey, parserOpts, err := loadAuth(cfg.JWT)
	if err != nil {
		logger.Error("failed to load JWT public key", slog.Any("error", err))
		os.Exit(1)
	}
	if pubKey == nil {
		logger.Warn("JWT validation disabled; the control API is unauthenticated")
	}

	ag := agent.New(cfg, logger, agentOpts...)
	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		if store != nil {
			store.Close(context.Background())
		}
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rest.NewRouter(rest.NewServer(ag, logger, serverOpts...), pubKey, parserOpts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("control API listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Hijacked websocket connections are not tracked by Shutdown; closing the
	// broadcaster ends their write loops.
	bc.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown error", slog.Any("error", err))
	}

	ag.Stop()

	if store != nil {
		store.Close(shutdownCtx)
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			logger.Warn("batch journal close error", slog.Any("error", err))
		}
	}

	logger.Info("dirwatch exited cleanly")
}

// loadAuth returns the JWT verification key and parser options for cfg, or
// a nil key when no public key is configured.
func loadAuth(cfg config.JWTConfig) (*rsa.PublicKey, []jwt.ParserOption, error) {
	if cfg.PublicKeyPath == "" {
		return nil, nil, nil
	}
	key, err := rest.LoadRSAPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, nil, err
	}
	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return key, opts, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
