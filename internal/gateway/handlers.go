package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/lsm/basket/internal/broker"
	"github.com/lsm/basket/internal/config"
	"github.com/lsm/basket/internal/correlation"
	"github.com/lsm/basket/internal/observability"
	"github.com/lsm/basket/internal/tracing"
	"go.opentelemetry.io/otel/trace"
)

// CloudEvents extension attributes that select the topic and partition key.
const (
	ceTopicExtension = "topic"
	ceKeyExtension   = "partitionkey"
)

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("basket is running\n"))
}

type healthBody struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health.Health(r.Context()) {
		writeJSON(w, http.StatusOK, healthBody{Status: "ok", Broker: "up"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "unavailable", Broker: "down"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	policy := s.policies.Current()
	r.Body = http.MaxBytesReader(w, r.Body, policy.MaxBodyBytes)

	ev, err := decodeEvent(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if err := s.publish(r, policy, ev); err != nil {
		s.writePublishError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publishedBody{Status: "published", Topic: ev.Topic})
}

type batchResult struct {
	Index   int    `json:"index"`
	Topic   string `json:"topic,omitempty"`
	Status  string `json:"status"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

type batchBody struct {
	Status    string        `json:"status"`
	Published int           `json:"published"`
	Failed    int           `json:"failed"`
	Results   []batchResult `json:"results"`
}

// handleBatch checks every item, then hands the accepted ones to the sender
// as one batch so the request waits about one delivery timeout at most. Item
// order is kept. A batch with any failure answers 207 Multi-Status.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	policy := s.policies.Current()
	r.Body = http.MaxBytesReader(w, r.Body, policy.MaxBodyBytes)

	items, err := decodeBatch(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), s.tracer, tracing.SpanIngest,
		trace.WithAttributes(
			tracing.RouteAttr(routeLabel(r.Pattern)),
			tracing.BatchSizeAttr(len(items)),
		),
	)
	defer span.End()
	if id, ok := correlation.FromContext(ctx); ok {
		span.SetAttributes(tracing.CorrelationAttr(id.Value))
	}

	results := make([]batchResult, len(items))
	recs := make([]broker.Record, 0, len(items))
	at := make([]int, 0, len(items))
	for i, item := range items {
		results[i] = batchResult{Index: i, Status: "published"}
		ev, err := item.event()
		if err != nil {
			results[i].fail(badRequest(err.Error()))
			continue
		}
		if ev.Topic == "" {
			ev.Topic = strings.TrimSpace(r.URL.Query().Get("topic"))
		}
		results[i].Topic = ev.Topic
		if err := s.admit(ctx, r, policy, &ev); err != nil {
			results[i].fail(err)
			continue
		}
		recs = append(recs, broker.Record{Topic: ev.Topic, Key: ev.Key, Payload: ev.Payload})
		at = append(at, i)
	}

	for j, err := range broker.SendAll(ctx, s.sender, recs) {
		if err != nil {
			results[at[j]].fail(err)
		}
	}

	resp := batchBody{Status: "published", Results: results}
	for _, res := range results {
		if res.Status == "error" {
			resp.Failed++
		} else {
			resp.Published++
		}
	}

	code := http.StatusOK
	if resp.Failed > 0 {
		code = http.StatusMultiStatus
		resp.Status = "partial"
		if resp.Published == 0 {
			resp.Status = "failed"
		}
		span.SetAttributes(tracing.BatchFailedAttr(resp.Failed))
		tracing.SetSpanError(span, fmt.Errorf("%d of %d events failed", resp.Failed, len(items)))
	} else {
		tracing.SetSpanOK(span)
	}
	writeJSON(w, code, resp)
}

func (res *batchResult) fail(err error) {
	res.Status = "error"
	res.Kind, res.Message = errorKind(err), err.Error()
}

// handleCloudEvent accepts a CloudEvent in binary or structured mode and
// publishes its structured JSON encoding.
func (s *Server) handleCloudEvent(w http.ResponseWriter, r *http.Request) {
	policy := s.policies.Current()
	r.Body = http.MaxBytesReader(w, r.Body, policy.MaxBodyBytes)

	ce, err := cehttp.NewEventFromHTTPRequest(r)
	if err != nil {
		writeRequestError(w, badRequest("invalid cloudevent: "+err.Error()))
		return
	}

	ext := ce.Extensions()
	ev := event{
		Topic: extensionString(ext, ceTopicExtension),
		Key:   extensionString(ext, ceKeyExtension),
	}
	if ev.Topic == "" {
		ev.Topic = strings.TrimSpace(r.URL.Query().Get("topic"))
	}
	if ev.Key == "" {
		ev.Key = ce.Subject()
	}
	if ev.Payload, err = json.Marshal(ce); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "encode cloudevent: "+err.Error())
		return
	}

	if err := s.publish(r, policy, ev); err != nil {
		s.writePublishError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publishedBody{Status: "published", Topic: ev.Topic})
}

func extensionString(ext map[string]any, name string) string {
	v, ok := ext[name]
	if !ok {
		return ""
	}
	s, err := types.ToString(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// publish admits ev and sends it inside a basket.ingest span.
func (s *Server) publish(r *http.Request, policy *config.Policy, ev event) error {
	ctx, span := tracing.StartSpan(r.Context(), s.tracer, tracing.SpanIngest,
		trace.WithAttributes(
			tracing.RouteAttr(routeLabel(r.Pattern)),
			tracing.KafkaTopicAttr(ev.Topic),
			tracing.PayloadBytesAttr(len(ev.Payload)),
		),
	)
	defer span.End()
	if id, ok := correlation.FromContext(ctx); ok {
		span.SetAttributes(tracing.CorrelationAttr(id.Value))
	}

	if err := s.admit(ctx, r, policy, &ev); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	if err := s.sender.Send(ctx, ev.Topic, ev.Key, ev.Payload); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

// admit checks ev against policy and derives a key when none was given.
func (s *Server) admit(ctx context.Context, r *http.Request, policy *config.Policy, ev *event) error {
	if ev.Topic == "" {
		return badRequest("topic is required")
	}
	if !policy.AllowsTopic(ev.Topic) {
		return badRequest(fmt.Sprintf("topic %q is not allowed", ev.Topic))
	}
	if ev.Key == "" {
		ev.Key = s.deriveKey(ctx, r, policy, *ev)
	}
	return nil
}

func (s *Server) deriveKey(ctx context.Context, r *http.Request, policy *config.Policy, ev event) string {
	expr := policy.KeyExpr()
	if expr == nil {
		return ""
	}
	key, err := expr.Eval(ctx, ev.Topic, ev.Payload, lowerHeaders(r.Header))
	if err != nil {
		observability.NewTraceLogger(s.logger).Debug(ctx, "key expression failed",
			"topic", ev.Topic, "expression", expr.String(), "error", err)
		return ""
	}
	return key
}

func lowerHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func (s *Server) writePublishError(w http.ResponseWriter, err error) {
	if _, ok := err.(*requestError); ok {
		writeRequestError(w, err)
		return
	}
	writeSendError(w, err)
}

// errorKind names err for batch results.
func errorKind(err error) string {
	if re, ok := err.(*requestError); ok {
		return re.kind
	}
	return broker.KindOf(err).String()
}
