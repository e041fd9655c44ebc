// Package config reads process settings from the environment and the optional
// ingestion policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lsm/basket/internal/kafka"
)

// Environment variables read by Load.
const (
	EnvBrokerEndpoint = "BROKER_ENDPOINT"
	EnvBrokerUser     = "BROKER_USER"
	EnvBrokerPassword = "BROKER_PASSWORD"
	EnvBrokerTLS      = "BROKER_TLS"
	EnvBrokerTLSCA    = "BROKER_TLS_CA_FILE"
	EnvPolicyFile     = "BASKET_POLICY_FILE"
)

// ErrMissingEndpoint is returned when BROKER_ENDPOINT is unset or blank.
var ErrMissingEndpoint = errors.New(EnvBrokerEndpoint + " is required")

// Config is the process configuration.
type Config struct {
	Cluster    kafka.ClusterConfig
	PolicyFile string

	// Warnings lists problems that did not stop startup but must be logged.
	Warnings []string
}

// Load reads Config from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads Config using getenv.
//
// Both BROKER_USER and BROKER_PASSWORD enable SCRAM-SHA-256. Setting only one
// of them leaves the session unauthenticated and adds a warning.
func LoadFrom(getenv func(string) string) (*Config, error) {
	brokers := splitList(getenv(EnvBrokerEndpoint))
	if len(brokers) == 0 {
		return nil, ErrMissingEndpoint
	}

	cfg := &Config{
		Cluster:    kafka.ClusterConfig{Brokers: brokers},
		PolicyFile: strings.TrimSpace(getenv(EnvPolicyFile)),
	}

	user, pass := getenv(EnvBrokerUser), getenv(EnvBrokerPassword)
	switch {
	case user != "" && pass != "":
		cfg.Cluster.Auth = kafka.AuthConfig{
			Mechanism: kafka.MechanismScramSHA256,
			Username:  user,
			Password:  pass,
		}
	case user != "" || pass != "":
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
			"only one of %s and %s is set; connecting without authentication", EnvBrokerUser, EnvBrokerPassword))
	}

	if v := getenv(EnvBrokerTLS); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvBrokerTLS, err)
		}
		cfg.Cluster.TLS.Enabled = enabled
	}
	if ca := strings.TrimSpace(getenv(EnvBrokerTLSCA)); ca != "" {
		cfg.Cluster.TLS.CAFile = ca
		if !cfg.Cluster.TLS.Enabled {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
				"%s is set but %s is not true; the CA file is ignored", EnvBrokerTLSCA, EnvBrokerTLS))
		}
	}

	if err := cfg.Cluster.Validate(); err != nil {
		return nil, fmt.Errorf("broker config: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
