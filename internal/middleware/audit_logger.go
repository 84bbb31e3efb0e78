package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ComUnity/city-sentinel/internal/telemetry"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

// Publisher is the minimal interface middlewares need.
type Publisher interface {
	Publish(any)
}

// RequestAuditMW logs every request and forwards an HTTPAuditEvent to the
// shipper. Bodies and credentials are never looked at.
type RequestAuditMW struct {
	Shipper          Publisher
	TrustProxyHeader bool
	now              func() time.Time
}

func NewRequestAuditMW(shipper Publisher, trustProxyHeader bool) *RequestAuditMW {
	return &RequestAuditMW{Shipper: shipper, TrustProxyHeader: trustProxyHeader, now: time.Now}
}

func (m *RequestAuditMW) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := m.now()
		ww := &wrapWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		ev := telemetry.HTTPAuditEvent{
			Timestamp:  start.UTC(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     ww.status,
			DurationMs: m.now().Sub(start).Milliseconds(),
			Origin:     ClientIP(r, m.TrustProxyHeader),
			RequestID:  chimw.GetReqID(r.Context()),
		}
		logger.Debug("request_audit method=%s path=%s status=%d latency_ms=%d origin=%s",
			ev.Method, ev.Path, ev.Status, ev.DurationMs, ev.Origin)
		if m.Shipper != nil {
			m.Shipper.Publish(ev)
		}
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *wrapWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
