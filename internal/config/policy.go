package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/lsm/basket/internal/circuitbreaker"
	"github.com/lsm/basket/internal/keyexpr"
	"github.com/lsm/basket/internal/ratelimit"
	"github.com/lsm/basket/internal/retry"
	"gopkg.in/yaml.v3"
)

// DefaultMaxBodyBytes caps an ingestion request body when the policy does not.
const DefaultMaxBodyBytes = 1 << 20

// DefaultKeyExpression keys an event by its client_id field when the caller
// sends no key. A policy disables it with keyExpression: "".
const DefaultKeyExpression = `type(payload) == map && has(payload.client_id) ? payload.client_id : null`

var defaultKey = mustCompile(DefaultKeyExpression)

func mustCompile(expression string) *keyexpr.Expr {
	e, err := keyexpr.Compile(expression)
	if err != nil {
		panic(fmt.Sprintf("compile %q: %v", expression, err))
	}
	return e
}

// Policy controls what the gateway accepts. Topics, KeyExpression,
// MaxBodyBytes and AllowedHeaders take effect on reload; the remaining
// sections are read once at startup.
type Policy struct {
	// Topics is the allow-list of destination topics. Empty allows any topic
	// that already exists on the broker.
	Topics         []string              `yaml:"topics"`
	KeyExpression  string                `yaml:"keyExpression"`
	MaxBodyBytes   int64                 `yaml:"maxBodyBytes"`
	AllowedHeaders []string              `yaml:"allowedHeaders"`
	RateLimit      ratelimit.Config      `yaml:"rateLimit"`
	Retry          retry.Config          `yaml:"retry"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuitBreaker"`

	// DeadLetterTopic receives records the broker rejected. Empty disables it.
	DeadLetterTopic string `yaml:"deadLetterTopic"`

	key *keyexpr.Expr
}

// DefaultPolicy returns the policy used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxBodyBytes:  DefaultMaxBodyBytes,
		KeyExpression: DefaultKeyExpression,
		key:           defaultKey,
	}
}

// ParsePolicy decodes, defaults, validates and compiles a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if p.MaxBodyBytes == 0 {
		p.MaxBodyBytes = DefaultMaxBodyBytes
	}
	for i, h := range p.AllowedHeaders {
		p.AllowedHeaders[i] = strings.ToLower(strings.TrimSpace(h))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	p.key = nil
	if p.KeyExpression == DefaultKeyExpression {
		p.key = defaultKey
	} else if p.KeyExpression != "" {
		expr, err := keyexpr.Compile(p.KeyExpression)
		if err != nil {
			return nil, fmt.Errorf("keyExpression: %w", err)
		}
		p.key = expr
	}
	return p, nil
}

// LoadPolicy reads the policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the policy for errors.
func (p *Policy) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(p.Topics))
	for i, t := range p.Topics {
		switch {
		case strings.TrimSpace(t) == "":
			errs = append(errs, fmt.Errorf("topics[%d] is empty", i))
		case seen[t]:
			errs = append(errs, fmt.Errorf("topics[%d] %q is duplicated", i, t))
		}
		seen[t] = true
	}
	if p.DeadLetterTopic != strings.TrimSpace(p.DeadLetterTopic) {
		errs = append(errs, fmt.Errorf("deadLetterTopic %q has surrounding whitespace", p.DeadLetterTopic))
	}
	if p.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("maxBodyBytes must be >= 0"))
	}
	for i, h := range p.AllowedHeaders {
		if h == "" {
			errs = append(errs, fmt.Errorf("allowedHeaders[%d] is empty", i))
		}
	}
	if err := p.RateLimit.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.CircuitBreaker.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// AllowsTopic reports whether events may be sent to topic.
func (p *Policy) AllowsTopic(topic string) bool {
	return len(p.Topics) == 0 || slices.Contains(p.Topics, topic)
}

// AutoCreateTopics reports whether the broker may create missing topics.
// Only a policy that names its topics allows it, so arbitrary client input
// never creates a topic.
func (p *Policy) AutoCreateTopics() bool {
	return len(p.Topics) > 0
}

// KeyExpr returns the compiled key expression, or nil when none is configured.
func (p *Policy) KeyExpr() *keyexpr.Expr {
	return p.key
}
