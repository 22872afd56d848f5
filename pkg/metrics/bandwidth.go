package metrics

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// BandwidthMiddleware tracks request and response sizes per endpoint.
// Endpoints are labeled by route template when gorilla/mux routed the
// request, so path parameters don't explode label cardinality.
func (m *Metrics) BandwidthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		method := r.Method

		requestSize := r.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}
		if requestSize > 0 {
			m.bytesReceived.WithLabelValues(method, endpoint).Add(float64(requestSize))
			m.requestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
		}

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		if rw.bytesWritten > 0 {
			status := fmt.Sprintf("%d", rw.statusCode)
			m.bytesSent.WithLabelValues(method, endpoint, status).Add(float64(rw.bytesWritten))
			m.responseSize.WithLabelValues(method, endpoint, status).Observe(float64(rw.bytesWritten))
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
