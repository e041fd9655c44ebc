package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Kind categorizes a failed send so callers can choose a response without
// parsing error text.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindUnauthenticated
	KindBrokerUnavailable
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindBrokerUnavailable:
		return "broker_unavailable"
	case KindRejected:
		return "rejected"
	default:
		return "other"
	}
}

// ErrEmptyTopic is wrapped by the SendError returned for a blank topic.
var ErrEmptyTopic = errors.New("topic is required")

// SendError is returned by Client.Send for every failed delivery.
type SendError struct {
	Kind  Kind
	Topic string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %q failed (%s): %v", e.Topic, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the send may succeed.
func (e *SendError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindBrokerUnavailable
}

// KindOf returns the Kind of err, or KindOther when err is not a SendError.
func KindOf(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// IsRetryable reports whether err is a SendError worth repeating.
func IsRetryable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Retryable()
}

var (
	timeoutErrs = []error{
		context.DeadlineExceeded,
		kgo.ErrRecordTimeout,
		kerr.RequestTimedOut,
	}
	authErrs = []error{
		kerr.SaslAuthenticationFailed,
		kerr.IllegalSaslState,
		kerr.UnsupportedSaslMechanism,
		kerr.TopicAuthorizationFailed,
		kerr.ClusterAuthorizationFailed,
		kerr.TransactionalIDAuthorizationFailed,
	}
	rejectedErrs = []error{
		ErrEmptyTopic,
		kerr.InvalidTopicException,
		kerr.MessageTooLarge,
		kerr.RecordListTooLarge,
		kerr.InvalidRecord,
		kerr.CorruptMessage,
		kerr.UnknownTopicOrPartition,
	}
	unavailableErrs = []error{
		kerr.LeaderNotAvailable,
		kerr.NotLeaderForPartition,
		kerr.BrokerNotAvailable,
		kerr.NotEnoughReplicas,
		kerr.NotEnoughReplicasAfterAppend,
		kerr.NetworkException,
		kgo.ErrClientClosed,
		kgo.ErrRecordRetries,
	}
)

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// classify wraps err in a SendError for topic. Order matters: a record that
// exhausted retries on a rejected topic is reported as rejected.
func classify(topic string, err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	kind := KindOther
	switch {
	case isAny(err, rejectedErrs):
		kind = KindRejected
	case isAny(err, authErrs):
		kind = KindUnauthenticated
	case isAny(err, timeoutErrs):
		kind = KindTimeout
	case isAny(err, unavailableErrs):
		kind = KindBrokerUnavailable
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				kind = KindTimeout
			} else {
				kind = KindBrokerUnavailable
			}
		} else if kerr.IsRetriable(err) {
			kind = KindBrokerUnavailable
		}
	}
	return &SendError{Kind: kind, Topic: topic, Err: err}
}
