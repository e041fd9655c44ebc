package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// ClientID identifies the gateway to the broker.
const ClientID = "basket"

// ClientOptions returns the kgo.Opt slice for a producing session.
//
// Records sharing a key keep their Produce-call order: the producer stays
// idempotent, so the broker rejects out-of-sequence batches and the client
// replays them in order. Topics are only auto-created when the session
// opts in with AutoCreateTopics.
func ClientOptions(cfg *ClusterConfig) ([]kgo.Opt, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(ClientID),
		kgo.DialTimeout(cfg.EffectiveSocketTimeout()),
		kgo.RecordDeliveryTimeout(cfg.EffectiveDeliveryTimeout()),
		kgo.ProduceRequestTimeout(cfg.EffectiveDeliveryTimeout()),
		kgo.MaxBufferedRecords(cfg.EffectiveMaxBufferedRecords()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression(), kgo.NoCompression()),
	}
	if cfg.AutoCreateTopics {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	if cfg.Auth.Enabled() {
		opt, err := saslOption(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("sasl config: %w", err)
		}
		opts = append(opts, opt)
	}
	if cfg.TLS.Enabled {
		tc, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tc))
	}

	return opts, nil
}

func saslOption(auth AuthConfig) (kgo.Opt, error) {
	var m sasl.Mechanism
	scramAuth := scram.Auth{User: auth.Username, Pass: auth.Password}
	switch auth.Mechanism {
	case MechanismPlain:
		m = plain.Auth{User: auth.Username, Pass: auth.Password}.AsMechanism()
	case MechanismScramSHA256:
		m = scramAuth.AsSha256Mechanism()
	case MechanismScramSHA512:
		m = scramAuth.AsSha512Mechanism()
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", auth.Mechanism)
	}
	return kgo.SASL(m), nil
}

// buildTLSConfig verifies the broker against CAFile when set, else the system
// roots. CertFile and KeyFile together enable mutual TLS.
func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in for local brokers
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", cfg.CAFile, err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		out.RootCAs = roots
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}

	return out, nil
}
