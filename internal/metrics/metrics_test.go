package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{413, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := metricValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/items/:id", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/items/42", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	after := metricValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/items/:id", "2xx"))
	assert.Equal(t, before+1, after)
	assert.Equal(t, 0.0, metricValue(t, HTTPInFlight))
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	before := metricValue(t, HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, before+1, metricValue(t, HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	SetBuildInfo("test")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "qrguard_http_requests_in_flight")
	assert.Contains(t, body, "qrguard_goroutines")
	assert.Contains(t, body, `qrguard_build_info{version="test"} 1`)
}

func TestStartRuntimeCollector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartRuntimeCollector(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return metricValue(t, GoroutineCount) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

// metricValue reads a counter or gauge.
func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}
