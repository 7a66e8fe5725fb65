package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestHealth_InitialStateNotReady(t *testing.T) {
	h := NewHealth(zap.NewNop())
	if h.IsReady() {
		t.Fatal("health should start not ready")
	}
}

func TestHealth_ReadyAfterStreamAttached(t *testing.T) {
	h := NewHealth(zap.NewNop())

	h.SetStreamAttached()
	if !h.IsReady() {
		t.Fatal("health should be ready once the stream is attached")
	}

	// Setting again keeps it ready.
	h.SetStreamAttached()
	if !h.IsReady() {
		t.Fatal("repeated SetStreamAttached should keep the ready state")
	}
}

func TestHealth_Handler(t *testing.T) {
	tests := []struct {
		name       string
		configure  func(h *Health)
		wantStatus int
		wantBody   string
	}{
		{
			name:       "not ready",
			configure:  func(*Health) {},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "Service Unavailable\n",
		},
		{
			name: "ready",
			configure: func(h *Health) {
				h.SetStreamAttached()
			},
			wantStatus: http.StatusOK,
			wantBody:   "OK\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealth(zap.NewNop())
			tt.configure(h)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			h.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("unexpected status: got %d want %d", rec.Code, tt.wantStatus)
			}
			if body := rec.Body.String(); body != tt.wantBody {
				t.Errorf("unexpected body: got %q want %q", body, tt.wantBody)
			}
		})
	}
}
