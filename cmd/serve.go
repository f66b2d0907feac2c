package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cookierelay/cookierelay/pkg/config"
	"github.com/cookierelay/cookierelay/pkg/httpapi"
	"github.com/cookierelay/cookierelay/pkg/logutil"
	"github.com/cookierelay/cookierelay/pkg/persistence"
	"github.com/cookierelay/cookierelay/pkg/ratelimit"
	"github.com/cookierelay/cookierelay/pkg/resilience"
	"github.com/cookierelay/cookierelay/pkg/session"
	"github.com/cookierelay/cookierelay/pkg/sessionpool"
	"github.com/cookierelay/cookierelay/pkg/telemetry"
	"github.com/cookierelay/cookierelay/pkg/upstream"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveLogLevel           string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logutil.Configure(serveLogLevel); err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}

			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen_addr from config")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}

// runServe is the composition root: it wires the persistence gateway,
// session pool, health loop, upstream client, resilience coordinator,
// telemetry sink, rate limiter, and HTTP surface into one running process.
func runServe(ctx context.Context, cfg *config.ServerConfig) error {
	store, err := persistence.Open(persistence.Config{
		Path:           cfg.Persistence.Path,
		MinConnections: cfg.Persistence.MinConnections,
		MaxConnections: cfg.Persistence.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("open persistence gateway: %w", err)
	}
	defer store.Close()

	classifierCfg := session.ClassifierConfig{
		RotationThreshold: cfg.SessionPool.RotationThreshold,
		FailureThreshold:  cfg.SessionPool.FailureThreshold,
		MaxAge:            time.Duration(cfg.SessionPool.MaxAgeHours) * time.Hour,
	}
	pool := sessionpool.New(store, classifierCfg)
	if err := pool.Reload(ctx); err != nil {
		return fmt.Errorf("initial pool load: %w", err)
	}

	healthInterval := time.Duration(cfg.SessionPool.HealthCheckIntervalSeconds) * time.Second
	healthLoop := sessionpool.NewHealthLoop(pool, healthInterval)

	var tel *telemetry.Sink
	if cfg.Telemetry.MetricsEnabled {
		tel = telemetry.NewSink(telemetry.Config{Dir: filepath.Join(filepath.Dir(cfg.Persistence.Path), "telemetry")})
		defer tel.Close()
		pool.SetTelemetry(tel)
	}

	client := upstream.NewClient(upstream.Config{
		BaseURL:               cfg.Upstream.BaseURL,
		ProviderTag:           cfg.Upstream.ProviderTag,
		RequestTimeoutSeconds: cfg.Upstream.RequestTimeoutSeconds,
	})

	backoff := make([]time.Duration, 0, len(cfg.Resilience.BackoffScheduleSeconds))
	for _, s := range cfg.Resilience.BackoffScheduleSeconds {
		backoff = append(backoff, time.Duration(s)*time.Second)
	}
	breaker := resilience.NewCircuitBreaker(
		cfg.Resilience.CircuitFailureThreshold,
		time.Duration(cfg.Resilience.CircuitWindowSeconds)*time.Second,
		time.Duration(cfg.Resilience.CircuitRecoveryTimeoutSeconds)*time.Second,
	)
	coordinator := resilience.NewCoordinator(pool, client, store, breaker, cfg.Upstream.ProviderTag, resilience.Config{
		MaxAttempts:            cfg.Resilience.MaxAttempts,
		BackoffSchedule:        backoff,
		UpstreamAttemptTimeout: time.Duration(cfg.Resilience.UpstreamAttemptTimeoutSeconds) * time.Second,
	})
	if tel != nil {
		coordinator.SetTelemetry(tel)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Limits{Rate: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst})
	}

	configStore := config.NewServerConfigStore(serveConfigPath, cfg)

	srv := httpapi.NewServer(httpapi.Deps{
		ConfigStore: configStore,
		Pool:        pool,
		Store:       store,
		Coordinator: coordinator,
		Breaker:     breaker,
		Telemetry:   tel,
		Limiter:     limiter,
	})

	healthCtx, cancelHealth := context.WithCancel(ctx)
	defer cancelHealth()
	go healthLoop.Run(healthCtx)

	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
