package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"record timeout", kgo.ErrRecordTimeout, KindTimeout},
		{"request timed out", kerr.RequestTimedOut, KindTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutNetErr{}}, KindTimeout},
		{"sasl failed", kerr.SaslAuthenticationFailed, KindUnauthenticated},
		{"unsupported mechanism", kerr.UnsupportedSaslMechanism, KindUnauthenticated},
		{"topic authz", fmt.Errorf("produce: %w", kerr.TopicAuthorizationFailed), KindUnauthenticated},
		{"leader not available", kerr.LeaderNotAvailable, KindBrokerUnavailable},
		{"not enough replicas", kerr.NotEnoughReplicas, KindBrokerUnavailable},
		{"client closed", kgo.ErrClientClosed, KindBrokerUnavailable},
		{"retries exhausted", kgo.ErrRecordRetries, KindBrokerUnavailable},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindBrokerUnavailable},
		{"other retriable kerr", kerr.KafkaStorageError, KindBrokerUnavailable},
		{"empty topic", ErrEmptyTopic, KindRejected},
		{"invalid topic", kerr.InvalidTopicException, KindRejected},
		{"too large", kerr.MessageTooLarge, KindRejected},
		{"unknown topic", kerr.UnknownTopicOrPartition, KindRejected},
		{"unknown", errors.New("boom"), KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := classify("analytics-events", tt.err)
			if se.Kind != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, se.Kind, tt.want)
			}
			if se.Topic != "analytics-events" {
				t.Errorf("topic = %q", se.Topic)
			}
			if !errors.Is(se, tt.err) {
				t.Errorf("SendError does not wrap %v", tt.err)
			}
		})
	}
}

func TestClassify_KeepsExistingSendError(t *testing.T) {
	orig := &SendError{Kind: KindUnauthenticated, Topic: "a", Err: errors.New("x")}
	if got := classify("b", fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Errorf("classify() = %v, want the original SendError", got)
	}
}

func TestSendError(t *testing.T) {
	se := &SendError{Kind: KindBrokerUnavailable, Topic: "analytics-events", Err: kerr.LeaderNotAvailable}

	msg := se.Error()
	for _, want := range []string{"analytics-events", "broker_unavailable", "LEADER_NOT_AVAILABLE"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	retryable := map[Kind]bool{
		KindTimeout:           true,
		KindBrokerUnavailable: true,
		KindUnauthenticated:   false,
		KindRejected:          false,
		KindOther:             false,
	}
	for kind, want := range retryable {
		if got := (&SendError{Kind: kind}).Retryable(); got != want {
			t.Errorf("%v.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != KindOther {
		t.Error("plain error should be KindOther")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
	wrapped := fmt.Errorf("gateway: %w", &SendError{Kind: KindTimeout})
	if KindOf(wrapped) != KindTimeout || !IsRetryable(wrapped) {
		t.Error("wrapped SendError kind not found")
	}
}

func TestKindString(t *testing.T) {
	names := map[Kind]string{
		KindOther:             "other",
		KindTimeout:           "timeout",
		KindUnauthenticated:   "unauthenticated",
		KindBrokerUnavailable: "broker_unavailable",
		KindRejected:          "rejected",
		Kind(99):              "other",
	}
	for k, want := range names {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
