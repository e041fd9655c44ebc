package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lsm/basket/internal/broker"
	"github.com/lsm/basket/internal/config"
	"github.com/lsm/basket/internal/kafka"
)

// healthProber is the part of broker.Client used by the health command.
type healthProber interface {
	Health(ctx context.Context) bool
	Close(ctx context.Context) error
}

// newProberFunc creates the broker session used by the health command.
var newProberFunc = func(cfg *kafka.ClusterConfig) (healthProber, error) {
	return broker.New(cfg)
}

// RunHealth checks gateway configuration and probes the broker the same way
// GET /health does.
func RunHealth(args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println(`Usage: basketctl health [--brokers <addrs>] [--timeout <duration>]

Checks the gateway environment:
  - BROKER_ENDPOINT and credential settings
  - The policy file named by BASKET_POLICY_FILE, if any
  - Broker reachability (metadata request, default timeout 2s)`)
		return nil
	}

	brokersStr, err := parseStringFlag(args, "--brokers")
	if err != nil {
		return err
	}
	timeout := broker.DefaultHealthTimeout
	if s, _ := parseStringFlag(args, "--timeout"); s != "" {
		if timeout, err = time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
	}

	fmt.Println("Basket Health")
	fmt.Println()

	failures := 0

	cfg, ok := checkEnvironment(brokersStr)
	if !ok {
		failures++
	}

	if cfg != nil && cfg.PolicyFile != "" {
		if err := checkPolicyFile(cfg.PolicyFile); err != nil {
			fmt.Fprintf(os.Stderr, "  %s Policy %s invalid\n", mark(false), cfg.PolicyFile)
			fmt.Fprintf(os.Stderr, "    %v\n", err)
			failures++
		} else {
			fmt.Printf("  %s Policy %s valid\n", mark(true), cfg.PolicyFile)
		}
	}

	if cfg != nil {
		if checkBroker(&cfg.Cluster, timeout) {
			fmt.Printf("  %s Broker reachable (%s)\n", mark(true), strings.Join(cfg.Cluster.Brokers, ","))
		} else {
			fmt.Fprintf(os.Stderr, "  %s Broker unreachable (%s)\n", mark(false), strings.Join(cfg.Cluster.Brokers, ","))
			fmt.Fprintf(os.Stderr, "    Hint: check BROKER_ENDPOINT, credentials and BROKER_TLS\n")
			failures++
		}
	}

	fmt.Println()
	if failures > 0 {
		return fmt.Errorf("health found %d issue(s)", failures)
	}
	fmt.Println("All checks passed.")
	return nil
}

// checkEnvironment loads the process configuration and reports warnings.
// The returned config is nil when loading failed.
func checkEnvironment(brokers string) (*config.Config, bool) {
	getenv := os.Getenv
	if brokers != "" {
		getenv = func(key string) string {
			if key == config.EnvBrokerEndpoint {
				return brokers
			}
			return os.Getenv(key)
		}
	}

	cfg, err := config.LoadFrom(getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  %s Configuration invalid\n", mark(false))
		fmt.Fprintf(os.Stderr, "    %v\n", err)
		return nil, false
	}

	auth := "no authentication"
	if cfg.Cluster.Auth.Enabled() {
		auth = cfg.Cluster.Auth.Mechanism
	}
	fmt.Printf("  %s Configuration loaded (%d broker(s), %s, tls=%t)\n",
		mark(true), len(cfg.Cluster.Brokers), auth, cfg.Cluster.TLS.Enabled)
	for _, w := range cfg.Warnings {
		fmt.Printf("  %s %s\n", warnMark(), w)
	}
	return cfg, true
}

func checkBroker(cfg *kafka.ClusterConfig, timeout time.Duration) bool {
	p, err := newProberFunc(cfg)
	if err != nil {
		return false
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = p.Close(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Health(ctx)
}

func checkPolicyFile(path string) error {
	_, err := config.LoadPolicy(path)
	return err
}
