package gateway

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsMaxAge       = "600"
)

// corsBaseHeaders are always allowed; the policy may add more.
var corsBaseHeaders = []string{
	"Content-Type",
	"Authorization",
	"X-Requested-With",
	"X-Request-ID",
	"X-Correlation-ID",
	"databuddy-client-id",
	"databuddy-sdk-name",
	"databuddy-sdk-version",
}

// cors mirrors the caller's Origin and allows credentials. Requests without an
// Origin get no CORS headers. Every OPTIONS request is answered here with 204.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", s.allowedHeaders())
			h.Set("Access-Control-Expose-Headers", "X-Correlation-ID")
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedHeaders() string {
	extra := s.policies.Current().AllowedHeaders
	if len(extra) == 0 {
		return strings.Join(corsBaseHeaders, ", ")
	}
	all := make([]string, 0, len(corsBaseHeaders)+len(extra))
	all = append(all, corsBaseHeaders...)
	all = append(all, extra...)
	return strings.Join(all, ", ")
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument must wrap the mux directly: the mux records the matched pattern
// on the request it is given, which is read back here for the route label.
func (s *Server) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		mux.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(routeLabel(r.Pattern), status, time.Since(start))
	})
}

// routeLabel strips the method from a mux pattern so label cardinality stays
// bounded to the registered routes.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}
	if pattern == "/{$}" {
		return "/"
	}
	return pattern
}
