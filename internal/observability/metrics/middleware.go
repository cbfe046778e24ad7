package metrics

import (
	"net/http"
	"time"
)

// responseRecorder wraps an http.ResponseWriter to capture the final status
// code. The metrics listener serves only plain GET scrapes, so the exotic
// optional interfaces (Hijacker, Pusher) are not forwarded.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status code before delegating to the underlying
// ResponseWriter.
func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

// Flush flushes the response when supported by the underlying writer.
func (rr *responseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// HTTPMiddleware records request metrics around the provided handler using the
// supplied recorder (falling back to metrics.Default when nil).
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rr, r)
		rec.ObserveRequest(r.Method, r.URL.Path, rr.status, time.Since(start))
	})
}
