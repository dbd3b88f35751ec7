package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	require.InDelta(t, before+1, after, 0.001)
}

func TestGaugeHelpers(t *testing.T) {
	SetQueueDepth(2, 3, 4)
	require.InDelta(t, 2, testutil.ToFloat64(queueDepth.WithLabelValues("pending")), 0.001)
	require.InDelta(t, 3, testutil.ToFloat64(queueDepth.WithLabelValues("running")), 0.001)

	SetPoolUsage(1, 5)
	require.InDelta(t, 1, testutil.ToFloat64(poolBrowsers), 0.001)
	require.InDelta(t, 5, testutil.ToFloat64(poolPagesInUse), 0.001)

	ObserveScript("success")
	ObserveAcquireWait("acquired", 10*time.Millisecond)
	ObserveRateLimitDelay("browser_launch", time.Second)
}

func TestHandlerServesMetrics(t *testing.T) {
	IncActiveWorkers()
	defer DecActiveWorkers()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "jobrunner_active_workers"))
}

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "test-service", "v0")
	require.NoError(t, err)
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	_, span := Tracer().Start(context.Background(), "probe")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}
