package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/api"
	mw "github.com/KeckObservatoryArchive/wmko-rti-interface/internal/api/middleware"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/cache"
	"github.com/KeckObservatoryArchive/wmko-rti-interface/internal/metrics"
)

// --- stub cache ---

type stubCache struct {
	count int64
}

func (c *stubCache) Ping(_ context.Context) error { return nil }
func (c *stubCache) SetNX(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	return true, nil
}
func (c *stubCache) Close() error { return nil }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.count++
	return c.count, nil
}

// --- router tests ---

func newTestRouter(c cache.Cache) http.Handler {
	return api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(c, 2),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		},
		IngestHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		MetricsHandler: metrics.New().Handler(),
	})
}

func TestRouter_HealthEndpoint(t *testing.T) {
	router := newTestRouter(&stubCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(mw.RequestIDHeader))
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(&stubCache{})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRouter_IngestIsRateLimited(t *testing.T) {
	router := newTestRouter(&stubCache{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/ingest_api?instrument=KCWI", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRouter_HealthIsNotRateLimited(t *testing.T) {
	router := newTestRouter(&stubCache{count: 100})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_NotImplemented(t *testing.T) {
	router := api.NewRouter(api.Dependencies{RateLimit: mw.NewRateLimit(nil, 0)})

	req := httptest.NewRequest("GET", "/ingest_api", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "NOT_IMPLEMENTED", errObj["code"])
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(&stubCache{})

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router := newTestRouter(&stubCache{})

	req := httptest.NewRequest("POST", "/ingest_api", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

var _ cache.Cache = (*stubCache)(nil)
