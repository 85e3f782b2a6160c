package logging

import (
	"net/http"
	"time"
)

// HTTPMiddleware attaches a correlation ID to the request context and logs
// each request's start and completion.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}

		ctx := WithCorrelationID(r.Context(), correlationID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-ID", correlationID)

		start := time.Now()
		Debug(ctx, ComponentHTTP, ActionRequest, "HTTP request started", map[string]interface{}{
			"method":    r.Method,
			"path":      r.URL.Path,
			"remote_ip": r.RemoteAddr,
		})

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		level := DEBUG
		if wrapper.statusCode >= 500 {
			level = ERROR
		} else if wrapper.statusCode >= 400 && wrapper.statusCode != http.StatusNotFound {
			// Cache misses are routine; everything else in 4xx is worth a look
			level = WARN
		}

		WithDuration(ctx, level, ComponentHTTP, ActionResponse, "HTTP request completed", time.Since(start), map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": wrapper.statusCode,
			"bytes_sent":  wrapper.bytesWritten,
		})
	})
}

// responseWrapper captures the status code and bytes written.
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}
