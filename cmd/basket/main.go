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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lsm/basket/internal/broker"
	"github.com/lsm/basket/internal/circuitbreaker"
	"github.com/lsm/basket/internal/config"
	"github.com/lsm/basket/internal/dlq"
	"github.com/lsm/basket/internal/gateway"
	"github.com/lsm/basket/internal/observability"
	"github.com/lsm/basket/internal/ratelimit"
	"github.com/lsm/basket/internal/retry"
	"github.com/lsm/basket/internal/tracing"
)

const (
	shutdownTimeout = 10 * time.Second
	flushTimeout    = 5 * time.Second
	sweepInterval   = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		portFlag     = flag.Int("port", 0, "Override listen port (default 4000)")
		logLevelFlag = flag.String("log-level", "", "Log level (debug, info, warn, error). Can also be set via BASKET_LOG_LEVEL env var.")
	)
	flag.Parse()

	level := observability.GetLogLevel(*logLevelFlag)
	logger := observability.NewLogger("basket", level)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	policies, err := config.NewPolicyStore(cfg.PolicyFile, logger)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	policy := policies.Current()
	logger.Info("loaded config",
		"brokers", cfg.Cluster.Brokers,
		"auth", cfg.Cluster.Auth.Mechanism,
		"tls", cfg.Cluster.TLS.Enabled,
		"policy_file", cfg.PolicyFile,
		"topics", policy.Topics,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)
	metrics.SetTopics(policy.Topics)

	// Tracing
	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig("basket"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), flushTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	cfg.Cluster.AutoCreateTopics = policy.AutoCreateTopics()
	client, err := broker.New(&cfg.Cluster,
		broker.WithLogger(logger.With("component", "broker")),
		broker.WithTracer(tracer),
		broker.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("create broker client: %w", err)
	}
	defer func() {
		fctx, fcancel := context.WithTimeout(context.Background(), flushTimeout)
		defer fcancel()
		if err := client.Close(fctx); err != nil {
			logger.Error("broker close error", "error", err)
		}
	}()

	sender := buildSender(client, policy, metrics, logger)

	limiter := ratelimit.New(policy.RateLimit)
	if policy.RateLimit.Enabled() {
		go sweepLimiter(ctx, limiter)
	}

	if cfg.PolicyFile != "" {
		policies.OnChange(func(p *config.Policy) {
			metrics.SetTopics(p.Topics)
			logger.Info("policy reloaded", "topics", p.Topics, "key_expression", p.KeyExpression)
		})
		go func() {
			if err := policies.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	health := observability.NewHealthServer()
	srv := gateway.New(sender, client,
		gateway.WithPolicies(policies),
		gateway.WithLimiter(limiter),
		gateway.WithMetrics(metrics, reg),
		gateway.WithProbes(health),
		gateway.WithStats(client),
		gateway.WithLogger(logger.With("component", "gateway")),
		gateway.WithTracer(tracer),
	)

	httpServer := &http.Server{
		Addr:              listenAddr(*portFlag),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	health.SetReady(true)
	logger.Info("basket started")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func listenAddr(port int) string {
	if port > 0 {
		return fmt.Sprintf(":%d", port)
	}
	return gateway.DefaultAddr
}

// buildSender wraps the broker client in the resilience layers the policy
// enables. The breaker sits inside the retry loop so each attempt counts, and
// dead-lettering wraps both so only the final outcome is copied.
func buildSender(client gateway.Sender, policy *config.Policy, metrics *observability.Metrics, logger *slog.Logger) gateway.Sender {
	sender := client
	if policy.CircuitBreaker.Enabled {
		b := circuitbreaker.New(policy.CircuitBreaker,
			circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
				logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
				if metrics != nil {
					metrics.CircuitState.Set(float64(to))
				}
			}),
		)
		sender = circuitbreaker.NewSender(sender, b)
	}
	if policy.Retry.Enabled() {
		opts := []retry.Option{retry.WithLogger(logger)}
		if metrics != nil {
			opts = append(opts, retry.WithCounter(metrics.RetriesTotal))
		}
		sender = retry.NewSender(sender, policy.Retry, opts...)
	}
	if policy.DeadLetterTopic != "" {
		opts := []dlq.Option{dlq.WithLogger(logger)}
		if metrics != nil {
			opts = append(opts, dlq.WithCounter(metrics.DeadLettered))
		}
		sender = dlq.NewSender(sender, policy.DeadLetterTopic, opts...)
	}
	return sender
}

func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
