package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/alerts"
	"github.com/rawblock/fraud-engine/internal/blacklist"
	"github.com/rawblock/fraud-engine/internal/config"
	"github.com/rawblock/fraud-engine/internal/detector"
	"github.com/rawblock/fraud-engine/internal/graph"
	"github.com/rawblock/fraud-engine/internal/observability"
	"github.com/rawblock/fraud-engine/internal/pattern"
	"github.com/rawblock/fraud-engine/internal/rules"
	"github.com/rawblock/fraud-engine/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter(t *testing.T, store *blacklist.MemoryStore) *gin.Engine {
	t.Helper()
	log := zap.NewNop()
	metrics := observability.NewForTest()

	g := graph.New(24 * time.Hour)
	an := pattern.NewAnalyzer(pattern.DefaultConfig(), log)
	eng := rules.NewEngine(time.Second, log,
		rules.HighValueRule{},
		rules.BlacklistRule{Store: store},
		rules.SelfTradeRule{Graph: g, Log: log},
	)
	cfgs, err := config.NewStore("", log)
	require.NoError(t, err)

	det := detector.New(g, an, eng, cfgs, metrics, log)
	am := alerts.NewManager(metrics, log)
	hub := NewHub(metrics, log)
	go hub.Run()

	return SetupRouter(det, am, cfgs, store, nil, hub, nil, log)
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	w := do(r, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "operational", body["status"])
	require.Equal(t, false, body["dbConnected"])
}

func TestAnalyzeEndpoint(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	payload := `{
		"hash": "0xabc",
		"fromAddress": "0xalice",
		"toAddress": "0xbob",
		"valueUsd": 50000,
		"gasPriceGwei": 25,
		"timestamp": "2025-06-03T14:00:00Z",
		"type": "TRANSFER"
	}`
	w := do(r, http.MethodPost, "/api/v1/analyze", payload)
	require.Equal(t, http.StatusOK, w.Code)

	var a models.RiskAssessment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	require.Equal(t, "0xabc", a.TransactionHash)
	require.Contains(t, a.TriggeredRules, "high_value_transfer")
	require.Greater(t, a.Score, 0.0)
}

func TestAnalyzeRejectsInvalidTransaction(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	w := do(r, http.MethodPost, "/api/v1/analyze", `{"fromAddress": "0xalice"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAnalyzeRejectsMalformedJSON(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	w := do(r, http.MethodPost, "/api/v1/analyze", `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	w := do(r, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body, "pipeline")
	require.Contains(t, body, "graph")
}

func TestListRulesEndpoint(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	w := do(r, http.MethodGet, "/api/v1/rules", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Version int               `json:"version"`
		Rules   []json.RawMessage `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Version)
	require.Len(t, body.Rules, len(config.DefaultRules()))
}

func TestListBlacklistEndpoint(t *testing.T) {
	store := blacklist.NewMemoryStore(models.BlacklistEntry{
		Address: "0xbad", Severity: models.RiskCritical, Active: true,
	})
	r := testRouter(t, store)

	w := do(r, http.MethodGet, "/api/v1/blacklist", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		TotalCount int `json:"totalCount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.TotalCount)
}

func TestBlacklistCurationRequiresDatabase(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	w := do(r, http.MethodPost, "/api/v1/blacklist", `{"address": "0xbad"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(r, http.MethodDelete, "/api/v1/blacklist/0xbad", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAlertsEndpointServesMemoryHistory(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	w := do(r, http.MethodGet, "/api/v1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		TotalCount int `json:"totalCount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Zero(t, body.TotalCount)
}

func TestAuthMiddlewareEnforcesBearerToken(t *testing.T) {
	t.Setenv("API_AUTH_TOKEN", "sekret")
	r := testRouter(t, blacklist.NewMemoryStore())

	// Health is public.
	w := do(r, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	// Protected routes reject missing and wrong tokens.
	w = do(r, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := testRouter(t, blacklist.NewMemoryStore())

	w := do(r, http.MethodOptions, "/api/v1/analyze", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterThrottlesBursts(t *testing.T) {
	limiter := NewRateLimiter(60, 3)

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	var limited int
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	require.Greater(t, limited, 0)

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
