package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/lsm/basket/internal/kafka"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadFrom(t *testing.T) {
	tests := []struct {
		name        string
		vars        map[string]string
		wantBrokers []string
		wantMech    string
		wantTLS     bool
		wantWarn    string
	}{
		{
			name:        "single endpoint",
			vars:        map[string]string{EnvBrokerEndpoint: "localhost:9092"},
			wantBrokers: []string{"localhost:9092"},
		},
		{
			name:        "comma list with spaces",
			vars:        map[string]string{EnvBrokerEndpoint: " b1:9092 , b2:9092,,"},
			wantBrokers: []string{"b1:9092", "b2:9092"},
		},
		{
			name: "credentials enable scram",
			vars: map[string]string{
				EnvBrokerEndpoint: "b1:9092",
				EnvBrokerUser:     "basket",
				EnvBrokerPassword: "secret",
			},
			wantBrokers: []string{"b1:9092"},
			wantMech:    kafka.MechanismScramSHA256,
		},
		{
			name:        "username only stays unauthenticated",
			vars:        map[string]string{EnvBrokerEndpoint: "b1:9092", EnvBrokerUser: "basket"},
			wantBrokers: []string{"b1:9092"},
			wantWarn:    "without authentication",
		},
		{
			name:        "password only stays unauthenticated",
			vars:        map[string]string{EnvBrokerEndpoint: "b1:9092", EnvBrokerPassword: "secret"},
			wantBrokers: []string{"b1:9092"},
			wantWarn:    "without authentication",
		},
		{
			name: "tls with ca",
			vars: map[string]string{
				EnvBrokerEndpoint: "b1:9093",
				EnvBrokerTLS:      "true",
				EnvBrokerTLSCA:    "/etc/ssl/ca.pem",
			},
			wantBrokers: []string{"b1:9093"},
			wantTLS:     true,
		},
		{
			name:        "ca without tls",
			vars:        map[string]string{EnvBrokerEndpoint: "b1:9092", EnvBrokerTLSCA: "/etc/ssl/ca.pem"},
			wantBrokers: []string{"b1:9092"},
			wantWarn:    "CA file is ignored",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFrom(env(tt.vars))
			if err != nil {
				t.Fatalf("LoadFrom() error = %v", err)
			}
			if strings.Join(cfg.Cluster.Brokers, ",") != strings.Join(tt.wantBrokers, ",") {
				t.Errorf("brokers = %v, want %v", cfg.Cluster.Brokers, tt.wantBrokers)
			}
			if cfg.Cluster.Auth.Mechanism != tt.wantMech {
				t.Errorf("mechanism = %q, want %q", cfg.Cluster.Auth.Mechanism, tt.wantMech)
			}
			if cfg.Cluster.Auth.Enabled() != (tt.wantMech != "") {
				t.Errorf("auth enabled = %v", cfg.Cluster.Auth.Enabled())
			}
			if cfg.Cluster.TLS.Enabled != tt.wantTLS {
				t.Errorf("tls = %v, want %v", cfg.Cluster.TLS.Enabled, tt.wantTLS)
			}
			warnings := strings.Join(cfg.Warnings, "\n")
			if tt.wantWarn == "" && warnings != "" {
				t.Errorf("unexpected warnings: %s", warnings)
			}
			if tt.wantWarn != "" && !strings.Contains(warnings, tt.wantWarn) {
				t.Errorf("warnings %q do not mention %q", warnings, tt.wantWarn)
			}
		})
	}
}

func TestLoadFrom_MissingEndpoint(t *testing.T) {
	for _, v := range []string{"", "   ", ",,"} {
		_, err := LoadFrom(env(map[string]string{EnvBrokerEndpoint: v}))
		if !errors.Is(err, ErrMissingEndpoint) {
			t.Errorf("endpoint %q: error = %v, want ErrMissingEndpoint", v, err)
		}
	}
}

func TestLoadFrom_InvalidTLSFlag(t *testing.T) {
	_, err := LoadFrom(env(map[string]string{EnvBrokerEndpoint: "b:9092", EnvBrokerTLS: "maybe"}))
	if err == nil || !strings.Contains(err.Error(), EnvBrokerTLS) {
		t.Fatalf("error = %v, want mention of %s", err, EnvBrokerTLS)
	}
}

func TestLoad_ReadsProcessEnvironment(t *testing.T) {
	t.Setenv(EnvBrokerEndpoint, "env-broker:9092")
	t.Setenv(EnvPolicyFile, "/etc/basket/policy.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cluster.Brokers[0] != "env-broker:9092" || cfg.PolicyFile != "/etc/basket/policy.yaml" {
		t.Errorf("cfg = %+v", cfg)
	}
}
