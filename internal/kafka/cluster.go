// Package kafka provides broker session configuration and kgo client options.
package kafka

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultDeliveryTimeout bounds a single send from hand-off to acknowledgment.
	DefaultDeliveryTimeout = 5 * time.Second
	// DefaultSocketTimeout bounds connection establishment to a broker.
	DefaultSocketTimeout = 3 * time.Second
	// DefaultMaxBufferedRecords caps records waiting in the client before Produce blocks.
	DefaultMaxBufferedRecords = 10000
)

// SASL mechanisms accepted by AuthConfig.
const (
	MechanismPlain       = "PLAIN"
	MechanismScramSHA256 = "SCRAM-SHA-256"
	MechanismScramSHA512 = "SCRAM-SHA-512"
)

// ErrNoBrokers is returned when a session has no bootstrap endpoint.
var ErrNoBrokers = errors.New("brokers are required")

// ClusterConfig defines a broker session: bootstrap list, authentication, TLS and timeouts.
type ClusterConfig struct {
	Brokers []string   `yaml:"brokers"`
	Auth    AuthConfig `yaml:"auth,omitempty"`
	TLS     TLSConfig  `yaml:"tls,omitempty"`

	// DeliveryTimeout and SocketTimeout fall back to the package defaults when zero.
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout,omitempty"`
	SocketTimeout   time.Duration `yaml:"socketTimeout,omitempty"`

	MaxBufferedRecords int `yaml:"maxBufferedRecords,omitempty"`

	// AutoCreateTopics lets the broker create a missing topic on first produce.
	AutoCreateTopics bool `yaml:"autoCreateTopics,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Enabled reports whether SASL is configured.
func (a AuthConfig) Enabled() bool {
	return a.Mechanism != ""
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"` // For mTLS
	KeyFile    string `yaml:"keyFile,omitempty"`  // For mTLS
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// EffectiveDeliveryTimeout returns the configured delivery timeout or the default.
func (c *ClusterConfig) EffectiveDeliveryTimeout() time.Duration {
	if c.DeliveryTimeout > 0 {
		return c.DeliveryTimeout
	}
	return DefaultDeliveryTimeout
}

// EffectiveSocketTimeout returns the configured socket timeout or the default.
func (c *ClusterConfig) EffectiveSocketTimeout() time.Duration {
	if c.SocketTimeout > 0 {
		return c.SocketTimeout
	}
	return DefaultSocketTimeout
}

// EffectiveMaxBufferedRecords returns the configured buffer cap or the default.
func (c *ClusterConfig) EffectiveMaxBufferedRecords() int {
	if c.MaxBufferedRecords > 0 {
		return c.MaxBufferedRecords
	}
	return DefaultMaxBufferedRecords
}

// Validate checks the cluster configuration for errors.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, ErrNoBrokers)
	}
	for i, b := range c.Brokers {
		if b == "" {
			errs = append(errs, fmt.Errorf("brokers[%d] is empty", i))
		}
	}

	if c.Auth.Mechanism != "" {
		validMechanisms := map[string]bool{
			MechanismPlain:       true,
			MechanismScramSHA256: true,
			MechanismScramSHA512: true,
		}
		if !validMechanisms[c.Auth.Mechanism] {
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512)", c.Auth.Mechanism))
		}
		if c.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.password is required when mechanism is set"))
		}
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		errs = append(errs, errors.New("tls.keyFile is required when certFile is specified"))
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		errs = append(errs, errors.New("tls.certFile is required when keyFile is specified"))
	}

	if c.DeliveryTimeout < 0 {
		errs = append(errs, errors.New("deliveryTimeout must be >= 0"))
	}
	if c.SocketTimeout < 0 {
		errs = append(errs, errors.New("socketTimeout must be >= 0"))
	}

	return errors.Join(errs...)
}
