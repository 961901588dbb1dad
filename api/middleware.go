package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tidbyt.dev/transit/logging"
)

const RequestIDHeader = "X-Request-Id"

// Captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Assigns a request id, attaches a request scoped logger to the
// context, applies the request timeout, and logs and counts every
// request.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		logger := s.Logger.With(slog.String("request_id", requestID))
		ctx := logging.WithLogger(r.Context(), logger)

		if s.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
			defer cancel()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(started)
		logging.LogHTTPRequest(logger, r.Method, r.URL.Path, rec.status,
			float64(duration.Microseconds())/1000)
		s.Metrics.HTTPRequest(r.Method, rec.status, duration)
	})
}
