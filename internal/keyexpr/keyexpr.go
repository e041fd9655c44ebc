// Package keyexpr derives a partition key from an event with a CEL expression.
//
// The expression sees three variables: topic (string), payload (the decoded
// JSON body, or the raw text when it is not JSON) and headers (map of
// lower-cased request headers). It must yield a string, number, bool or null;
// null means "no key".
package keyexpr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

const (
	defaultTimeout = 100 * time.Millisecond
	maxKeyBytes    = 1024
)

// ErrUnsupportedResult is returned when the expression yields a list, map or other composite.
var ErrUnsupportedResult = errors.New("key expression must yield a string, number, bool or null")

// Expr is a compiled key expression. It is safe for concurrent use.
type Expr struct {
	source  string
	program cel.Program
	timeout time.Duration
}

// Option configures an Expr.
type Option func(*Expr)

// WithTimeout bounds a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(e *Expr) { e.timeout = d }
}

// Compile parses and checks expression.
func Compile(expression string, opts ...Option) (*Expr, error) {
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		ext.Strings(),
		ext.Encoders(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	e := &Expr{source: expression, program: prg, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// String returns the expression source.
func (e *Expr) String() string {
	return e.source
}

// Eval computes the key for an event. An empty result means the record is
// sent without a key.
func (e *Expr) Eval(ctx context.Context, topic string, payload []byte, headers map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if headers == nil {
		headers = map[string]string{}
	}
	activation := map[string]any{
		"topic":   topic,
		"payload": decodePayload(payload),
		"headers": headers,
	}

	out, _, err := e.program.ContextEval(ctx, activation)
	if err != nil {
		return "", fmt.Errorf("cel eval: %w", err)
	}
	key, err := toKey(out)
	if err != nil {
		return "", err
	}
	if len(key) > maxKeyBytes {
		return "", fmt.Errorf("key length %d exceeds max %d bytes", len(key), maxKeyBytes)
	}
	return key, nil
}

func decodePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}

func toKey(val ref.Val) (string, error) {
	switch v := val.(type) {
	case types.String:
		return string(v), nil
	case types.Int:
		return strconv.FormatInt(int64(v), 10), nil
	case types.Uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case types.Double:
		return strconv.FormatFloat(float64(v), 'f', -1, 64), nil
	case types.Bool:
		return strconv.FormatBool(bool(v)), nil
	case types.Null:
		return "", nil
	default:
		return "", fmt.Errorf("%w, got %s", ErrUnsupportedResult, val.Type().TypeName())
	}
}
