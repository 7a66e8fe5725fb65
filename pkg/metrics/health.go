package metrics

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Health tracks whether the daemon is ready to serve its purpose. The
// single readiness signal is the conntrack event stream being attached;
// until then the daemon cannot observe any flows.
type Health struct {
	mu             sync.RWMutex
	streamAttached bool
	logger         *zap.Logger
}

// NewHealth returns a Health tracker that reports not ready.
func NewHealth(logger *zap.Logger) *Health {
	return &Health{logger: logger}
}

// SetStreamAttached records that the event stream has been attached.
func (h *Health) SetStreamAttached() {
	h.mu.Lock()
	h.streamAttached = true
	h.mu.Unlock()
}

// IsReady reports whether the readiness signal has been satisfied.
func (h *Health) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streamAttached
}

// Handler produces an HTTP handler for the /healthz endpoint: 200 once
// the event stream is attached, 503 before.
func (h *Health) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ready := h.IsReady()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if ready {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK\n"))
			return
		}

		h.logger.Warn("health check not yet passing",
			zap.Bool("stream_attached", ready))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable\n"))
	})
}
