package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lsm/basket/internal/broker"
)

// Error kinds reported by the gateway itself, alongside broker.Kind names.
const (
	kindBadRequest       = "bad_request"
	kindTooLarge         = "payload_too_large"
	kindUnsupportedMedia = "unsupported_media_type"
	kindRateLimited      = "rate_limited"
	kindInternal         = "internal"
)

type errorBody struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type publishedBody struct {
	Status string `json:"status"`
	Topic  string `json:"topic"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Status: "error", Kind: kind, Message: msg})
}

// sendStatus maps a send failure to the HTTP status returned to the caller.
func sendStatus(err error) int {
	switch broker.KindOf(err) {
	case broker.KindTimeout:
		return http.StatusGatewayTimeout
	case broker.KindBrokerUnavailable:
		return http.StatusServiceUnavailable
	case broker.KindUnauthenticated, broker.KindRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeSendError(w http.ResponseWriter, err error) {
	writeError(w, sendStatus(err), broker.KindOf(err).String(), err.Error())
}

// requestError is a client-side problem with the request itself.
type requestError struct {
	code int
	kind string
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) *requestError {
	return &requestError{code: http.StatusBadRequest, kind: kindBadRequest, msg: msg}
}

// writeRequestError writes err as a 4xx when it is a requestError or a body
// size violation, otherwise as a 400.
func writeRequestError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		writeError(w, re.code, re.kind, re.msg)
		return
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, kindTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
}
