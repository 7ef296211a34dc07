package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// unmatchedRoute labels requests the mux had no pattern for, keeping label cardinality bounded.
const unmatchedRoute = "unmatched"

// NewRequestCounter returns the counter RequestLogger increments, labelled by route and status.
func NewRequestCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Operational HTTP requests by route pattern and status code.",
	}, []string{"route", "status"})
}

// RequestLogger returns middleware that logs HTTP requests at DEBUG level and
// counts them when requests is non-nil.
// Pass nil logger to disable logging (makes it optional/injectable).
func RequestLogger(logger *zap.Logger, requests *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil && requests == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			// ServeMux records the matched pattern on the request.
			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}

			if requests != nil {
				requests.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()
			}
			if logger != nil {
				logger.Debug("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("route", route),
					zap.Int("status", wrapped.statusCode),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

// WriteHeader records the first status code; later calls are dropped.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.headerWritten {
		return
	}
	rw.statusCode = code
	rw.headerWritten = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
