// gateway runs the venue sessions: a WebSocket stream session for market and
// user data, a FIX order-entry session, and the order-event journal both feed.
//
// Usage: go run ./cmd/gateway --config configs/gateway.example.yaml
//
// Credentials are read from the environment (a .env file is loaded if present):
//
//	VENUE_API_KEY          - API key for the listen-key and FIX logon
//	VENUE_PRIVATE_KEY_PATH - Ed25519 PKCS#8 PEM used to sign FIX logon
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/venuelink/internal/api"
	"github.com/rickgao/venuelink/internal/auth"
	"github.com/rickgao/venuelink/internal/config"
	"github.com/rickgao/venuelink/internal/connection"
	"github.com/rickgao/venuelink/internal/database"
	"github.com/rickgao/venuelink/internal/fix"
	"github.com/rickgao/venuelink/internal/logging"
	"github.com/rickgao/venuelink/internal/metrics"
	"github.com/rickgao/venuelink/internal/model"
	"github.com/rickgao/venuelink/internal/publish"
	"github.com/rickgao/venuelink/internal/retry"
	"github.com/rickgao/venuelink/internal/router"
	"github.com/rickgao/venuelink/internal/stream"
	"github.com/rickgao/venuelink/internal/version"
	"github.com/rickgao/venuelink/internal/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/gateway.example.yaml", "path to config file")
	flag.Parse()

	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, flush, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting gateway", version.Attr(), "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()

	if err != nil {
		logger.Error("gateway stopped", "error", err)
		_ = flush()
		os.Exit(1)
	}
	logger.Info("gateway stopped")
	_ = flush()
}

// run wires every component and blocks until ctx is done or a session stops
// for good.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	queues := router.NewQueues(cfg.Stream.QueueCapacity)
	ids := model.SessionIDs{
		PortfolioID: cfg.Session.PortfolioID,
		StrategyID:  cfg.Session.StrategyID,
		AccountID:   cfg.Session.AccountID,
	}
	policy := retryPolicy(cfg.Retry)

	// Journal outputs; both optional
	var (
		db  writer.BatchSender
		pub writer.Publisher
	)
	if cfg.Database.Enabled() {
		pool, err := openJournal(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		db = pool
	}
	if cfg.Redis.Enabled() {
		rp := publish.NewRedisPublisher(cfg.Redis)
		if err := rp.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rp.Close()
		pub = rp
		logger.Info("redis publisher ready", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	orders := writer.NewOrderWriter(writer.WriterConfig{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
	}, queues.Orders, db, pub, logger)
	if err := orders.Start(ctx); err != nil {
		return fmt.Errorf("start order writer: %w", err)
	}

	var (
		streamClient *stream.Client
		fixClient    *fix.Client
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if fixClient != nil {
			if err := fixClient.Close(); err != nil {
				logger.Warn("close fix session", "error", err)
			}
		}
		if streamClient != nil {
			if err := streamClient.Close(shutdownCtx); err != nil {
				logger.Warn("close stream session", "error", err)
			}
		}
		if err := orders.Stop(shutdownCtx); err != nil {
			logger.Warn("stop order writer", "error", err)
		}
		stats := orders.Stats()
		logger.Info("order writer stopped",
			"inserts", stats.Inserts,
			"conflicts", stats.Conflicts,
			"published", stats.Published,
			"errors", stats.Errors,
			"dropped", stats.Dropped,
		)
	}()

	if cfg.Stream.Enabled {
		streamClient = newStreamClient(cfg, ids, policy, queues, logger)
		if err := startStream(ctx, streamClient, cfg.Stream); err != nil {
			return fmt.Errorf("start stream session: %w", err)
		}
	}

	if cfg.FIX.Enabled {
		c, err := newFIXClient(cfg.FIX, ids, policy, queues.Orders, logger)
		if err != nil {
			return err
		}
		fixClient = c
		if err := fixClient.Connect(ctx); err != nil {
			return fmt.Errorf("start fix session: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           newHTTPHandler(cfg.Metrics.Path, streamClient, fixClient),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting metrics server", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		metrics.SampleQueues(gctx, 5*time.Second, queues.Depths())
		return nil
	})
	if streamClient != nil {
		g.Go(func() error { return watch(gctx, "stream", streamClient.Done(), streamClient.Err) })
	}
	if fixClient != nil {
		g.Go(func() error { return watch(gctx, "fix", fixClient.Done(), fixClient.Err) })
	}

	logger.Info("gateway running",
		"stream", cfg.Stream.Enabled,
		"fix", cfg.FIX.Enabled,
		"journal", cfg.Database.Enabled(),
		"redis", cfg.Redis.Enabled(),
	)

	return g.Wait()
}

// watch returns when ctx is done or the session stops. A stopped session is
// an error so the group shuts the process down.
func watch(ctx context.Context, name string, done <-chan struct{}, errFn func() error) error {
	select {
	case <-ctx.Done():
		return nil
	case <-done:
		if err := errFn(); err != nil {
			return fmt.Errorf("%s session stopped: %w", name, err)
		}
		return fmt.Errorf("%s session stopped", name)
	}
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
	}
}

func openJournal(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Name,
	)
	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("database connected")
	return pool, nil
}

func newStreamClient(cfg *config.Config, ids model.SessionIDs, policy retry.Policy, queues router.Queues, logger *slog.Logger) *stream.Client {
	sc := cfg.Stream

	connCfg := connection.DefaultConfig()
	connCfg.Name = sc.Name
	connCfg.URL = sc.WSURL
	connCfg.ConnectTimeout = sc.ConnectTimeout
	connCfg.WriteTimeout = sc.WriteTimeout
	connCfg.CheckInterval = sc.CheckInterval
	connCfg.StaleTimeout = sc.StaleTimeout
	connCfg.Retry = policy
	connCfg.Retry.MaxAttempts = sc.MaxConnectAttempts

	streamCfg := stream.DefaultConfig()
	streamCfg.Supervisor = connCfg
	streamCfg.Session = ids
	streamCfg.RenewInterval = sc.RenewInterval

	var keys stream.ListenKeyService
	if sc.UserData {
		opts := []api.ClientOption{
			api.WithLogger(logger),
			api.WithRetryPolicy(policy),
		}
		if sc.Futures {
			opts = append(opts, api.WithFutures())
		}
		keys = api.NewClient(sc.RestURL, sc.APIKey, opts...)
	}

	return stream.New(streamCfg, queues, keys, logger,
		connection.WithStateObserver(func(st connection.State) {
			logger.Info("stream state", "session", sc.Name, "state", st.String())
		}),
	)
}

// startStream obtains the listen key if configured and subscribes the
// configured topics. The first send connects.
func startStream(ctx context.Context, c *stream.Client, sc config.StreamConfig) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	if len(sc.Topics) > 0 {
		if err := c.Subscribe(sc.Topics...); err != nil {
			return fmt.Errorf("subscribe topics: %w", err)
		}
	}
	return nil
}

func newFIXClient(fc config.FIXConfig, ids model.SessionIDs, policy retry.Policy, sink fix.OrderSink, logger *slog.Logger) (*fix.Client, error) {
	creds, err := auth.LoadCredentials(fc.APIKey, fc.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load fix credentials: %w", err)
	}

	fixCfg := fix.DefaultConfig()
	fixCfg.Host = fc.Host
	fixCfg.Port = fc.Port
	fixCfg.TargetCompID = fc.TargetCompID
	fixCfg.APIKey = fc.APIKey
	fixCfg.HeartbeatInterval = fc.HeartbeatInterval
	fixCfg.LogonTimeout = fc.LogonTimeout
	fixCfg.MaxAuthFailures = fc.MaxAuthFailures
	fixCfg.MessageHandling = fc.MessageHandling
	fixCfg.SignOrders = fc.SignOrders
	fixCfg.Session = ids
	fixCfg.Retry = policy

	return fix.New(fixCfg, creds, sink, logger), nil
}
