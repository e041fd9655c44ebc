package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// maxBatchEvents caps the items accepted by POST /events/batch.
const maxBatchEvents = 500

// event is a decoded ingestion request.
type event struct {
	Topic   string
	Key     string
	Payload []byte
}

// eventBody is the JSON shape of a single event. Key and Payload accept any
// JSON value; strings are used verbatim, other values are sent compacted.
type eventBody struct {
	Topic   string          `json:"topic"`
	Key     json.RawMessage `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

func (b eventBody) event() (event, error) {
	key, err := rawText(b.Key)
	if err != nil {
		return event{}, fmt.Errorf("key: %w", err)
	}
	payload, err := rawText(b.Payload)
	if err != nil {
		return event{}, fmt.Errorf("payload: %w", err)
	}
	return event{Topic: strings.TrimSpace(b.Topic), Key: key, Payload: []byte(payload)}, nil
}

// rawText returns the text of a JSON string, "" for null or absent, and the
// compacted encoding of anything else.
func rawText(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func mediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct
	}
	return mt
}

func unsupportedMedia(mt string) *requestError {
	return &requestError{
		code: http.StatusUnsupportedMediaType,
		kind: kindUnsupportedMedia,
		msg:  fmt.Sprintf("unsupported content type %q", mt),
	}
}

// decodeEvent reads a single event from a JSON or form body. The topic falls
// back to the ?topic= query parameter.
func decodeEvent(r *http.Request) (event, error) {
	var ev event
	switch mt := mediaType(r); mt {
	case "", "application/json":
		var body eventBody
		if err := decodeJSON(r.Body, &body); err != nil {
			return event{}, err
		}
		var err error
		if ev, err = body.event(); err != nil {
			return event{}, badRequest(err.Error())
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := parseForm(r, mt); err != nil {
			return event{}, err
		}
		ev = event{
			Topic:   strings.TrimSpace(r.PostForm.Get("topic")),
			Key:     r.PostForm.Get("key"),
			Payload: []byte(r.PostForm.Get("payload")),
		}
	default:
		return event{}, unsupportedMedia(mt)
	}

	if ev.Topic == "" {
		ev.Topic = strings.TrimSpace(r.URL.Query().Get("topic"))
	}
	return ev, nil
}

// decodeBatch reads a JSON array of events, or an object with an "events"
// array.
func decodeBatch(r *http.Request) ([]eventBody, error) {
	if mt := mediaType(r); mt != "" && mt != "application/json" {
		return nil, unsupportedMedia(mt)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, badRequest("empty batch")
	}

	var items []eventBody
	if data[0] == '[' {
		err = json.Unmarshal(data, &items)
	} else {
		var wrapper struct {
			Events []eventBody `json:"events"`
		}
		err = json.Unmarshal(data, &wrapper)
		items = wrapper.Events
	}
	if err != nil {
		return nil, badRequest("invalid JSON: " + err.Error())
	}
	switch {
	case len(items) == 0:
		return nil, badRequest("empty batch")
	case len(items) > maxBatchEvents:
		return nil, badRequest(fmt.Sprintf("batch has %d events, limit is %d", len(items), maxBatchEvents))
	}
	return items, nil
}

func decodeJSON(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return badRequest("empty body")
	}
	return badRequest("invalid JSON: " + err.Error())
}

func parseForm(r *http.Request, mt string) error {
	var err error
	if mt == "multipart/form-data" {
		err = r.ParseMultipartForm(32 << 10)
	} else {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return badRequest("invalid form: " + err.Error())
}
