package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lsm/basket/internal/broker"
	"github.com/lsm/basket/internal/config"
	"github.com/lsm/basket/internal/correlation"
	"github.com/lsm/basket/internal/observability"
	"github.com/lsm/basket/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type sentEvent struct {
	topic         string
	key           string
	payload       string
	correlationID string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentEvent
	err    error
	errFor map[string]error
	panic  bool
}

func (f *fakeSender) Send(ctx context.Context, topic, key string, payload []byte) error {
	if f.panic {
		panic("sender exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor[topic]; err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	id, _ := correlation.FromContext(ctx)
	f.sent = append(f.sent, sentEvent{topic: topic, key: key, payload: string(payload), correlationID: id.Value})
	return nil
}

func (f *fakeSender) events() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

type fakeHealth bool

func (f fakeHealth) Health(context.Context) bool { return bool(f) }

type fakeStats broker.Stats

func (f fakeStats) Stats() broker.Stats { return broker.Stats(f) }

func policyStore(t *testing.T, doc string) *config.PolicyStore {
	t.Helper()
	p, err := config.ParsePolicy([]byte(doc))
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}
	return config.StaticPolicyStore(p)
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func jsonRequest(path, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func TestRoot(t *testing.T) {
	h := New(&fakeSender{}, fakeHealth(true)).Handler()
	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "basket") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		up         bool
		wantCode   int
		wantStatus string
		wantBroker string
	}{
		{"broker up", true, http.StatusOK, "ok", "up"},
		{"broker down", false, http.StatusServiceUnavailable, "unavailable", "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&fakeSender{}, fakeHealth(tt.up)).Handler()
			w := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var body healthBody
			decodeBody(t, w, &body)
			if body.Status != tt.wantStatus || body.Broker != tt.wantBroker {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	s := New(&fakeSender{}, fakeHealth(true),
		WithPolicies(policyStore(t, "allowedHeaders: [X-Tenant]\n")))
	h := s.Handler()

	t.Run("mirrors origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set("Origin", "https://app.example.com")
		w := serve(h, r)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Allow-Origin = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("Allow-Credentials = %q", got)
		}
		if got := w.Header().Get("Vary"); got != "Origin" {
			t.Errorf("Vary = %q", got)
		}
		allowed := w.Header().Get("Access-Control-Allow-Headers")
		for _, want := range []string{"databuddy-client-id", "X-Correlation-ID", "x-tenant"} {
			if !strings.Contains(allowed, want) {
				t.Errorf("Allow-Headers = %q, missing %q", allowed, want)
			}
		}
	})

	t.Run("no origin", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want none", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		for _, path := range []string{"/events", "/anything"} {
			r := httptest.NewRequest(http.MethodOptions, path, nil)
			r.Header.Set("Origin", "https://app.example.com")
			r.Header.Set("Access-Control-Request-Method", "POST")
			w := serve(h, r)
			if w.Code != http.StatusNoContent {
				t.Errorf("OPTIONS %s status = %d, want 204", path, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
				t.Errorf("Allow-Methods = %q", got)
			}
		}
	})
}

func TestEvent_JSON(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, fakeHealth(true)).Handler()

	r := jsonRequest("/events", `{"topic":"analytics-events","key":"user-1","payload":{ "event": "page_view", "n": 2 }}`)
	r.Header.Set("X-Request-ID", "req-42")
	w := serve(h, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var body publishedBody
	decodeBody(t, w, &body)
	if body.Status != "published" || body.Topic != "analytics-events" {
		t.Errorf("body = %+v", body)
	}
	if got := w.Header().Get("X-Correlation-ID"); got != "req-42" {
		t.Errorf("X-Correlation-ID = %q, want req-42", got)
	}

	events := sender.events()
	if len(events) != 1 {
		t.Fatalf("sent %d events, want 1", len(events))
	}
	want := sentEvent{
		topic:         "analytics-events",
		key:           "user-1",
		payload:       `{"event":"page_view","n":2}`,
		correlationID: "req-42",
	}
	if events[0] != want {
		t.Errorf("sent = %+v, want %+v", events[0], want)
	}
}

func TestEvent_StringPayloadAndQueryTopic(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, fakeHealth(true)).Handler()

	w := serve(h, jsonRequest("/events?topic=logs", `{"payload":"plain text"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	events := sender.events()
	if len(events) != 1 || events[0].topic != "logs" || events[0].payload != "plain text" || events[0].key != "" {
		t.Errorf("sent = %+v", events)
	}
}

func TestEvent_Form(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, fakeHealth(true)).Handler()

	form := url.Values{"topic": {"analytics-events"}, "key": {"k"}, "payload": {`{"a":1}`}}
	r := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := serve(h, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	events := sender.events()
	if len(events) != 1 || events[0].key != "k" || events[0].payload != `{"a":1}` {
		t.Errorf("sent = %+v", events)
	}
}

func TestEvent_RequestErrors(t *testing.T) {
	store := policyStore(t, "topics: [analytics-events]\nmaxBodyBytes: 64\n")

	tests := []struct {
		name        string
		contentType string
		body        string
		wantCode    int
		wantKind    string
	}{
		{"missing topic", "application/json", `{"payload":"x"}`, http.StatusBadRequest, kindBadRequest},
		{"topic not allowed", "application/json", `{"topic":"other","payload":"x"}`, http.StatusBadRequest, kindBadRequest},
		{"invalid json", "application/json", `{"topic":`, http.StatusBadRequest, kindBadRequest},
		{"empty body", "application/json", ``, http.StatusBadRequest, kindBadRequest},
		{"unsupported media", "text/xml", `<event/>`, http.StatusUnsupportedMediaType, kindUnsupportedMedia},
		{"too large", "application/json", `{"topic":"analytics-events","payload":"` + strings.Repeat("x", 200) + `"}`, http.StatusRequestEntityTooLarge, kindTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			h := New(sender, fakeHealth(true), WithPolicies(store)).Handler()

			r := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.contentType)
			w := serve(h, r)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			var body errorBody
			decodeBody(t, w, &body)
			if body.Status != "error" || body.Kind != tt.wantKind {
				t.Errorf("body = %+v, want kind %q", body, tt.wantKind)
			}
			if n := len(sender.events()); n != 0 {
				t.Errorf("sent %d events, want 0", n)
			}
		})
	}
}

func TestEvent_SendErrorStatus(t *testing.T) {
	tests := []struct {
		kind     broker.Kind
		wantCode int
	}{
		{broker.KindTimeout, http.StatusGatewayTimeout},
		{broker.KindBrokerUnavailable, http.StatusServiceUnavailable},
		{broker.KindUnauthenticated, http.StatusBadGateway},
		{broker.KindRejected, http.StatusBadGateway},
		{broker.KindOther, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			sender := &fakeSender{err: &broker.SendError{Kind: tt.kind, Topic: "t", Err: errors.New("boom")}}
			h := New(sender, fakeHealth(true)).Handler()

			w := serve(h, jsonRequest("/events", `{"topic":"t","payload":"x"}`))
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var body errorBody
			decodeBody(t, w, &body)
			if body.Kind != tt.kind.String() {
				t.Errorf("kind = %q, want %q", body.Kind, tt.kind.String())
			}
		})
	}
}

func TestEvent_KeyExpression(t *testing.T) {
	store := policyStore(t, "keyExpression: 'has(payload.user) ? payload.user : headers[\"databuddy-client-id\"]'\n")

	tests := []struct {
		name    string
		body    string
		header  string
		wantKey string
	}{
		{"from payload", `{"topic":"t","payload":{"user":"u-1"}}`, "", "u-1"},
		{"from header", `{"topic":"t","payload":{"other":1}}`, "client-9", "client-9"},
		{"explicit key wins", `{"topic":"t","key":"given","payload":{"user":"u-1"}}`, "", "given"},
		{"evaluation error leaves key empty", `{"topic":"t","payload":{"other":1}}`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			h := New(sender, fakeHealth(true), WithPolicies(store)).Handler()

			r := jsonRequest("/events", tt.body)
			if tt.header != "" {
				r.Header.Set("Databuddy-Client-Id", tt.header)
			}
			w := serve(h, r)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			events := sender.events()
			if len(events) != 1 || events[0].key != tt.wantKey {
				t.Errorf("sent = %+v, want key %q", events, tt.wantKey)
			}
		})
	}
}

func TestBatch(t *testing.T) {
	sender := &fakeSender{errFor: map[string]error{
		"down": &broker.SendError{Kind: broker.KindBrokerUnavailable, Topic: "down", Err: errors.New("no leader")},
	}}
	h := New(sender, fakeHealth(true), WithPolicies(policyStore(t, "topics: [a, down]\n"))).Handler()

	w := serve(h, jsonRequest("/events/batch", `[
		{"topic":"a","key":"1","payload":{"n":1}},
		{"topic":"down","payload":"x"},
		{"topic":"blocked","payload":"x"},
		{"topic":"a","key":"2","payload":{"n":2}}
	]`))
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207 (body %s)", w.Code, w.Body.String())
	}

	var body batchBody
	decodeBody(t, w, &body)
	if body.Status != "partial" || body.Published != 2 || body.Failed != 2 {
		t.Errorf("body = %+v", body)
	}
	wantKinds := []string{"", "broker_unavailable", kindBadRequest, ""}
	for i, res := range body.Results {
		if res.Index != i || res.Kind != wantKinds[i] {
			t.Errorf("results[%d] = %+v, want kind %q", i, res, wantKinds[i])
		}
	}

	events := sender.events()
	if len(events) != 2 || events[0].key != "1" || events[1].key != "2" {
		t.Errorf("sent = %+v, want keys 1 then 2", events)
	}
}

func TestBatch_AllPublished(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, fakeHealth(true)).Handler()

	w := serve(h, jsonRequest("/events/batch?topic=a", `{"events":[{"payload":"x"},{"payload":"y"}]}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body batchBody
	decodeBody(t, w, &body)
	if body.Status != "published" || body.Published != 2 {
		t.Errorf("body = %+v", body)
	}
}

// slowBroker acknowledges each record after latency. Records handed over in
// one SendBatch call are in flight together.
type slowBroker struct {
	latency time.Duration
	mu      sync.Mutex
	sends   int
	batches [][]broker.Record
}

func (b *slowBroker) Send(context.Context, string, string, []byte) error {
	b.mu.Lock()
	b.sends++
	b.mu.Unlock()
	time.Sleep(b.latency)
	return nil
}

func (b *slowBroker) SendBatch(_ context.Context, recs []broker.Record) []error {
	b.mu.Lock()
	b.batches = append(b.batches, recs)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for range recs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(b.latency)
		}()
	}
	wg.Wait()
	return make([]error, len(recs))
}

func TestBatch_SlowRecordsShareOneWait(t *testing.T) {
	const n = 20
	sender := &slowBroker{latency: 100 * time.Millisecond}
	h := New(sender, fakeHealth(true)).Handler()

	items := make([]string, n)
	for i := range items {
		items[i] = `{"topic":"a","key":"k","payload":{"n":` + strconv.Itoa(i) + `}}`
	}

	start := time.Now()
	w := serve(h, jsonRequest("/events/batch", "["+strings.Join(items, ",")+"]"))
	elapsed := time.Since(start)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if elapsed > time.Second {
		t.Errorf("batch of %d took %v, want about one record latency", n, elapsed)
	}
	if sender.sends != 0 || len(sender.batches) != 1 {
		t.Fatalf("sends = %d, batches = %d, want one batch", sender.sends, len(sender.batches))
	}
	recs := sender.batches[0]
	if len(recs) != n {
		t.Fatalf("batch has %d records, want %d", len(recs), n)
	}
	for i, r := range recs {
		if want := `{"n":` + strconv.Itoa(i) + `}`; string(r.Payload) != want {
			t.Errorf("record %d payload = %s, want %s", i, r.Payload, want)
		}
	}
}

func TestBatch_Invalid(t *testing.T) {
	h := New(&fakeSender{}, fakeHealth(true)).Handler()

	tooMany := "[" + strings.Repeat(`{"topic":"a"},`, maxBatchEvents) + `{"topic":"a"}]`
	for name, body := range map[string]string{
		"empty array": `[]`,
		"not json":    `nope`,
		"too many":    tooMany,
	} {
		t.Run(name, func(t *testing.T) {
			w := serve(h, jsonRequest("/events/batch", body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestCloudEvent_BinaryMode(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, fakeHealth(true)).Handler()

	r := httptest.NewRequest(http.MethodPost, "/events/cloudevents", strings.NewReader(`{"page":"/pricing"}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Ce-Specversion", "1.0")
	r.Header.Set("Ce-Id", "evt-1")
	r.Header.Set("Ce-Source", "/web")
	r.Header.Set("Ce-Type", "com.example.page_view")
	r.Header.Set("Ce-Subject", "user-7")
	r.Header.Set("Ce-Topic", "analytics-events")

	w := serve(h, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	events := sender.events()
	if len(events) != 1 {
		t.Fatalf("sent %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.topic != "analytics-events" || ev.key != "user-7" {
		t.Errorf("topic/key = %q/%q", ev.topic, ev.key)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(ev.payload), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["id"] != "evt-1" || payload["type"] != "com.example.page_view" {
		t.Errorf("payload = %v", payload)
	}
}

func TestCloudEvent_Invalid(t *testing.T) {
	h := New(&fakeSender{}, fakeHealth(true)).Handler()
	w := serve(h, jsonRequest("/events/cloudevents", `{"topic":"a"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, Burst: 1},
		ratelimit.WithClock(func() time.Time { return now }))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	h := New(&fakeSender{}, fakeHealth(true), WithLimiter(limiter), WithMetrics(metrics, nil)).Handler()

	send := func(client string) *httptest.ResponseRecorder {
		r := jsonRequest("/events", `{"topic":"a","payload":"x"}`)
		r.Header.Set(ratelimit.HeaderClientID, client)
		return serve(h, r)
	}

	if w := send("c1"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := send("c1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if w := send("c2"); w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
	if got := testutil.ToFloat64(metrics.RateLimitedTotal); got != 1 {
		t.Errorf("rate limited total = %v, want 1", got)
	}

	// Health is never limited.
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil)); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	h := New(&fakeSender{}, fakeHealth(true), WithMetrics(metrics, reg)).Handler()

	serve(h, jsonRequest("/events", `{"topic":"a","payload":"x"}`))
	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/nope", nil))

	for _, c := range []struct {
		route, status string
	}{
		{"/events", "200"},
		{"/", "200"},
		{"unmatched", "404"},
	} {
		if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(c.route, c.status)); got != 1 {
			t.Errorf("requests{%s,%s} = %v, want 1", c.route, c.status, got)
		}
	}

	w := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "basket_requests_total") {
		t.Errorf("/metrics status = %d", w.Code)
	}
}

func TestStatsAndProbes(t *testing.T) {
	probes := observability.NewHealthServer()
	stats := fakeStats{Sent: 3, Failed: 1, Healthy: true}
	h := New(&fakeSender{}, fakeHealth(true), WithStats(stats), WithProbes(probes)).Handler()

	w := serve(h, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var got broker.Stats
	decodeBody(t, w, &got)
	if got.Sent != 3 || got.Failed != 1 || !got.Healthy {
		t.Errorf("stats = %+v", got)
	}

	if w := serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready = %d, want 503", w.Code)
	}
	probes.SetReady(true)
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusOK {
		t.Errorf("readyz after ready = %d, want 200", w.Code)
	}
}

func TestRecoverPanics(t *testing.T) {
	h := New(&fakeSender{panic: true}, fakeHealth(true)).Handler()
	w := serve(h, jsonRequest("/events", `{"topic":"a","payload":"x"}`))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	for pattern, want := range map[string]string{
		"":                    "unmatched",
		"GET /{$}":            "/",
		"POST /events":        "/events",
		"GET /healthz":        "/healthz",
		"/events/cloudevents": "/events/cloudevents",
	} {
		if got := routeLabel(pattern); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", pattern, got, want)
		}
	}
}
