package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/api/response"
)

// Recovery turns a handler panic into a 500. If the handler had already
// started its response, the panic is only logged.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			attrs := append(requestAttrs(r),
				"error", err,
				"stack", string(debug.Stack()),
				"response_started", rec.wroteHeader,
			)
			slog.Error("panic recovered", attrs...)
			if !rec.wroteHeader {
				response.Error(w, http.StatusInternalServerError,
					response.CodeInternal, "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(rec, r)
	})
}
