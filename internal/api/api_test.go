package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fundarb/internal/cache"
	"fundarb/internal/config"
	"fundarb/internal/market/contractcache"
	"fundarb/internal/market/funding"
	"fundarb/internal/scheduler"
	"fundarb/internal/strategy/ledger"
	"fundarb/internal/strategy/pool"
)

// staticSource serves one fixed snapshot set
type staticSource struct {
	snaps map[string]funding.Snapshot
}

func (s *staticSource) FetchAll(ctx context.Context, symbols []string) (map[string]funding.Snapshot, error) {
	out := make(map[string]funding.Snapshot)
	for _, sym := range symbols {
		if snap, ok := s.snaps[sym]; ok {
			out[sym] = snap
		}
	}
	return out, nil
}

func (s *staticSource) FetchOne(ctx context.Context, symbol string) (funding.Snapshot, error) {
	return s.snaps[symbol], nil
}

func (s *staticSource) ListPerpetuals(ctx context.Context) ([]string, error) {
	symbols := make([]string, 0, len(s.snaps))
	for sym := range s.snaps {
		symbols = append(symbols, sym)
	}
	return symbols, nil
}

func (s *staticSource) SettlementInterval(ctx context.Context, symbol string) (time.Duration, error) {
	return 8 * time.Hour, nil
}

func (s *staticSource) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return s.snaps[symbol].MarkPrice, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, cacher cache.Cacher) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Strategy.StateFile = filepath.Join(dir, "ledger.json")
	cfg.Strategy.CacheFile = filepath.Join(dir, "contracts.json")
	cfg.Strategy.AutoTrade = true

	cc, err := contractcache.New(cfg.Strategy.CacheFile, cfg.Strategy.CacheTTL.Std(), nil)
	require.NoError(t, err)
	ldg, err := ledger.New(cfg.Strategy.StateFile, cfg.Strategy.InitialCapital, nil)
	require.NoError(t, err)

	source := &staticSource{snaps: map[string]funding.Snapshot{
		"BTC/USDT:USDT": {
			Symbol:      "BTC/USDT:USDT",
			FundingRate: 0.012,
			MarkPrice:   50_000,
			Volume24h:   9_000_000,
			ObservedAt:  time.Now(),
		},
	}}

	engine := pool.NewEngine(cfg.Strategy, cc, source, ldg, nil, nil, nil, nil)
	return NewServer(cfg, engine, scheduler.New(), nil, cacher)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	require.Equal(t, "ok", health["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPoolRefreshAndStatus(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/pool/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/v1/pool/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var status pool.Status
	require.NoError(t, json.Unmarshal(data, &status))
	require.Len(t, status.Pool, 1)
	require.Equal(t, "BTC/USDT:USDT", status.Pool[0].Symbol)
	require.Len(t, status.Positions, 1)
}

func TestCloseAllEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/pool/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/v1/positions/close-all", `{"reason":"manual"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	w = doRequest(t, s, http.MethodGet, "/api/v1/positions", "")
	var list Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	positions, _ := list.Data.([]interface{})
	require.Empty(t, positions)
}

func TestJobsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestEngineStartStopEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/engine/stop", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/v1/pool/status", "")
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var status pool.Status
	require.NoError(t, json.Unmarshal(data, &status))
	require.True(t, status.Paused)

	w = doRequest(t, s, http.MethodPost, "/api/v1/engine/start", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/v1/pool/status", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, err = json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &status))
	require.False(t, status.Paused)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServerWith(t, cache.NewMemoryCache(0))

	var last int
	for i := 0; i < 121; i++ {
		w := doRequest(t, s, http.MethodGet, "/api/v1/jobs", "")
		last = w.Code
		if i < 120 {
			require.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		}
	}
	require.Equal(t, http.StatusTooManyRequests, last)

	// health and metrics stay outside the limited group
	w := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
}
