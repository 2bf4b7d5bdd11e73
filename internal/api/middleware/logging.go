package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// loggedParams are the ingest query parameters copied into the access log.
var loggedParams = []string{"instrument", "ingesttype", "koaid", "utdate", "status"}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// requestAttrs are the fields every request log line carries.
func requestAttrs(r *http.Request) []any {
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"client", ClientAddr(r),
		"request_id", GetRequestID(r),
	}
	q := r.URL.Query()
	for _, p := range loggedParams {
		if v := q.Get(p); v != "" {
			attrs = append(attrs, p, v)
		}
	}
	return attrs
}

// Logger writes one access log line per request. Server errors log at warn.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		attrs := append(requestAttrs(r),
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "request", attrs...)
	})
}
