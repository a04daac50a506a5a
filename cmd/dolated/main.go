// Dolated is the offline sync daemon of the read-it-later app.
//
// It keeps the signed-in user's articles in a local database, queues changes
// made while the backend can't be reached and replays them once it can.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sethvargo/go-envconfig"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/jdholdren/dolate/internal/articles"
	"github.com/jdholdren/dolate/internal/cache"
	"github.com/jdholdren/dolate/internal/changefeed"
	"github.com/jdholdren/dolate/internal/gateway"
	"github.com/jdholdren/dolate/internal/metrics"
	"github.com/jdholdren/dolate/internal/netmon"
	"github.com/jdholdren/dolate/internal/queue"
	"github.com/jdholdren/dolate/internal/server"
	"github.com/jdholdren/dolate/internal/session"
	"github.com/jdholdren/dolate/internal/sqlite"
	"github.com/jdholdren/dolate/internal/syncer"
	"github.com/jdholdren/dolate/logger"
)

type config struct {
	Database    string   `env:"DATABASE, required"`
	Port        int      `env:"PORT, default=4646"`
	CorsOrigins []string `env:"CORS_ORIGINS, default=*"`

	BackendURL    string `env:"BACKEND_URL, required"`
	ChangefeedURL string `env:"CHANGEFEED_URL"` // Derived from BACKEND_URL when empty
	AccessToken   string `env:"ACCESS_TOKEN"`
	// Signs this user in at startup
	UserID string `env:"USER_ID"`

	SyncInterval   time.Duration `env:"SYNC_INTERVAL, default=5m"`
	ProbeInterval  time.Duration `env:"PROBE_INTERVAL, default=30s"`
	DrainBatchSize int           `env:"DRAIN_BATCH_SIZE, default=5"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS, default=3"`

	GatewayRPS   float64 `env:"GATEWAY_RPS, default=10"`
	GatewayBurst int     `env:"GATEWAY_BURST, default=5"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
	LoggerLevel  string `env:"LOGGER_LEVEL, default=info"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	slog.SetDefault(logger.New(os.Stderr, cfg.LoggerFormat, cfg.LoggerLevel))

	// Start the application
	if err := runDaemon(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, cfg config) error {
	slog.Info("running", "port", cfg.Port, "backend", cfg.BackendURL)

	// Connect to the db, migrating as it opens
	dbx, err := sqlite.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}
	defer dbx.Close()
	repo := sqlite.New(dbx)

	remote, err := gateway.New(ctx, gateway.Config{
		BaseURL:     cfg.BackendURL,
		AccessToken: cfg.AccessToken,
		RPS:         cfg.GatewayRPS,
		Burst:       cfg.GatewayBurst,
	})
	if err != nil {
		return fmt.Errorf("error creating gateway: %s", err)
	}

	q := queue.New(repo, queue.WithMaxAttempts(cfg.MaxAttempts))
	if err := q.Refresh(ctx); err != nil {
		return fmt.Errorf("error counting queued operations: %s", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		c       = cache.New(repo)
		status  = syncer.NewStatus(q.Size)
		state   = articles.New(c, q, remote, status)
		monitor = netmon.New(status, remote, netmon.WithProbeInterval(cfg.ProbeInterval))
	)
	s := syncer.New(q, remote, state, status,
		syncer.WithBatchSize(cfg.DrainBatchSize),
		syncer.WithInterval(cfg.SyncInterval),
		syncer.WithMetrics(metrics.NewCollector(reg, q.Size)),
	)
	monitor.Subscribe(s)

	feedURL := cfg.ChangefeedURL
	if feedURL == "" {
		if feedURL, err = changefeed.URLFromBackend(cfg.BackendURL); err != nil {
			return fmt.Errorf("error deriving change feed url: %s", err)
		}
	}
	feed, err := changefeed.New(changefeed.Config{URL: feedURL, AccessToken: cfg.AccessToken}, state)
	if err != nil {
		return fmt.Errorf("error creating change feed listener: %s", err)
	}
	defer feed.Unsubscribe()

	sessions := session.New(state, c, q, s, status, feed)
	if cfg.UserID != "" {
		// One probe up front so sign in knows whether to sync
		status.SetOnline(remote.Ping(ctx) == nil)
		if _, err := sessions.SignIn(ctx, cfg.UserID); err != nil {
			return fmt.Errorf("error signing in: %s", err)
		}
	}

	srv := server.New(server.Config{Port: cfg.Port, CorsOrigins: cfg.CorsOrigins}, server.Deps{
		Articles: state,
		Syncer:   s,
		Sessions: sessions,
		Network:  monitor,
		Search:   remote,
		Status:   status,
		Gatherer: reg,
	})

	var g run.Group
	{
		// Stops everything on a signal
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}
	g.Add(srv.Start, func(error) {
		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}
	})
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			if err := s.Run(ctx); err != nil {
				return fmt.Errorf("error running syncer: %s", err)
			}
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			if err := monitor.Run(ctx); err != nil {
				return fmt.Errorf("error running network monitor: %s", err)
			}
			return nil
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil {
		return fmt.Errorf("error running: %s", err)
	}

	return nil
}
