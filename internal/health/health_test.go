package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCM struct {
	closed    bool
	endpoints int
	pending   int
	depth     int
}

func (m *mockCM) Closed() bool { return m.closed }

func (m *mockCM) Endpoints() int { return m.endpoints }

func (m *mockCM) QueueUsage() (pending, depth int) { return m.pending, m.depth }

type mockShutdown struct {
	shuttingDown bool
}

func (m *mockShutdown) IsShuttingDown() bool { return m.shuttingDown }

func TestCheckCM(t *testing.T) {
	tests := []struct {
		name       string
		cm         CMState
		wantStatus Status
	}{
		{
			name:       "nil CM",
			cm:         nil,
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "closed CM",
			cm:         &mockCM{closed: true, depth: 1024},
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "open CM",
			cm:         &mockCM{endpoints: 2, pending: 3, depth: 1024},
			wantStatus: StatusHealthy,
		},
		{
			name:       "event queue nearly full",
			cm:         &mockCM{pending: 950, depth: 1024},
			wantStatus: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(tt.cm, nil)
			check := checker.CheckCM(context.Background())
			assert.Equal(t, tt.wantStatus, check.Status)
			assert.NotEmpty(t, check.Message)
		})
	}
}

func TestCheckOverallStatus(t *testing.T) {
	shutdown := &mockShutdown{}
	checker := NewChecker(&mockCM{depth: 1024}, shutdown)

	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
	assert.True(t, checker.IsReady(context.Background()))

	shutdown.shuttingDown = true
	checker.cacheTTL = 0

	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Checks["shutdown"].Status)
	assert.False(t, checker.IsReady(context.Background()))
}

func TestCheckIsCached(t *testing.T) {
	cm := &mockCM{depth: 1024}
	checker := NewChecker(cm, nil)

	first := checker.Check(context.Background())
	cm.closed = true

	assert.Same(t, first, checker.Check(context.Background()))
}

func TestHandlers(t *testing.T) {
	cm := &mockCM{endpoints: 1, depth: 1024}
	handler := NewHandler(NewChecker(cm, nil))

	tests := []struct {
		name     string
		fn       http.HandlerFunc
		wantCode int
	}{
		{name: "health", fn: handler.HealthHandler, wantCode: http.StatusOK},
		{name: "live", fn: handler.LivenessHandler, wantCode: http.StatusOK},
		{name: "ready", fn: handler.ReadinessHandler, wantCode: http.StatusOK},
		{name: "detailed", fn: handler.DetailedHandler, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.fn(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestDetailedHandlerBody(t *testing.T) {
	handler := NewHandler(NewChecker(&mockCM{endpoints: 1, depth: 8}, nil))

	rec := httptest.NewRecorder()
	handler.DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz/detailed", nil))

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "1 endpoints, 0/8 events queued", status.Checks["cm"].Message)
}

func TestReadinessHandlerClosedCM(t *testing.T) {
	handler := NewHandler(NewChecker(&mockCM{closed: true}, nil))

	rec := httptest.NewRecorder()
	handler.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
