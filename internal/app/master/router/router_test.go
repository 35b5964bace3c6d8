package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmonitor/internal/app/master/setup"
	"agentmonitor/internal/config"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/database"
)

var t0 = time.Date(2025, 10, 31, 9, 0, 0, 0, time.UTC)

type envelope struct {
	Status  string                   `json:"status"`
	Message string                   `json:"message"`
	Error   string                   `json:"error"`
	Errors  []system.ValidationError `json:"errors"`
	Data    json.RawMessage          `json:"data"`
}

type testServer struct {
	t      *testing.T
	engine *gin.Engine
	clock  *clock.FakeClock
}

func newTestServer(t *testing.T, readiness ...ReadinessCheck) *testServer {
	t.Helper()
	db, err := database.NewTestDB(setup.Models()...)
	if err != nil {
		t.Fatalf("open test db failed: %v", err)
	}
	cfg := &config.Config{}
	cfg.Server.Mode = gin.TestMode
	cfg.App.Version = "test"
	config.ApplyDefaults(cfg)

	clk := clock.NewFake(t0)
	modules, err := setup.BuildModules(&setup.Deps{
		Config: cfg,
		DB:     db,
		Clock:  clk,
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, err)

	r := NewRouter(cfg, modules, readiness...)
	r.SetupRoutes()
	return &testServer{t: t, engine: r.GetEngine(), clock: clk}
}

func (s *testServer) do(method, path string, body interface{}) (int, envelope) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "tester")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	}
	return w.Code, env
}

func decode(t *testing.T, raw json.RawMessage, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, out))
}

func registerBody() map[string]interface{} {
	return map[string]interface{}{
		"name":            "summarizer",
		"type":            "llm",
		"deployment_type": "docker",
		"host":            "10.0.0.9",
		"port":            8080,
		"environment":     "staging",
		"tags":            []string{"nlp"},
	}
}

func (s *testServer) register() string {
	s.t.Helper()
	code, env := s.do(http.MethodPost, "/api/v1/agents", registerBody())
	require.Equal(s.t, http.StatusCreated, code)
	var resp struct {
		AgentID string `json:"agent_id"`
	}
	decode(s.t, env.Data, &resp)
	require.NotEmpty(s.t, resp.AgentID)
	return resp.AgentID
}

func TestAgentLifecycle(t *testing.T) {
	s := newTestServer(t)
	agentID := s.register()

	// 同一身份再次注册返回已有Agent
	code, env := s.do(http.MethodPost, "/api/v1/agents", registerBody())
	require.Equal(t, http.StatusOK, code)
	var again struct {
		AgentID    string `json:"agent_id"`
		Registered bool   `json:"registered"`
	}
	decode(t, env.Data, &again)
	assert.Equal(t, agentID, again.AgentID)
	assert.False(t, again.Registered)

	code, _ = s.do(http.MethodPost, "/api/v1/agents/"+agentID+"/heartbeat", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = s.do(http.MethodGet, "/api/v1/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, code)
	var got struct {
		Status string `json:"status"`
	}
	decode(t, env.Data, &got)
	assert.Equal(t, "online", got.Status)

	code, _ = s.do(http.MethodPut, "/api/v1/agents/"+agentID+"/maintenance", map[string]interface{}{"enabled": true, "reason": "upgrade"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(http.MethodGet, "/api/v1/agents?environment=staging", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(http.MethodDelete, "/api/v1/agents/"+agentID, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = s.do(http.MethodPost, "/api/v1/agents/"+agentID+"/metrics", map[string]interface{}{
		"resource": map[string]interface{}{"cpu_usage_percent": 10},
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(system.KindConflict), env.Error)
}

func TestRegister_Validation(t *testing.T) {
	s := newTestServer(t)
	body := registerBody()
	delete(body, "host")
	body["type"] = "robot"

	code, env := s.do(http.MethodPost, "/api/v1/agents", body)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(system.KindValidation), env.Error)
	assert.NotEmpty(t, env.Errors)

	code, env = s.do(http.MethodGet, "/api/v1/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(system.KindNotFound), env.Error)
}

func TestMetricsSubmitAndRecent(t *testing.T) {
	s := newTestServer(t)
	agentID := s.register()
	path := "/api/v1/agents/" + agentID + "/metrics"

	for _, cpu := range []float64{0, 55, 100} {
		code, env := s.do(http.MethodPost, path, map[string]interface{}{
			"resource":    map[string]interface{}{"cpu_usage_percent": cpu, "memory_usage_percent": 40},
			"performance": map[string]interface{}{"error_rate": 0.01, "average_response_time_ms": 120},
		})
		require.Equal(t, http.StatusAccepted, code, "cpu=%v: %s", cpu, env.Message)
	}

	code, env := s.do(http.MethodPost, path, map[string]interface{}{
		"resource": map[string]interface{}{"cpu_usage_percent": 150},
	})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(system.KindValidation), env.Error)

	code, env = s.do(http.MethodGet, path+"/recent?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	var recent struct {
		Count int `json:"count"`
	}
	decode(t, env.Data, &recent)
	assert.Equal(t, 2, recent.Count)

	code, _ = s.do(http.MethodGet, path+"/recent?limit=101", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(http.MethodGet, path+"/recent?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(http.MethodGet, "/api/v1/agents/missing/metrics/recent", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodGet, "/api/v1/metrics/summary/"+agentID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/api/v1/metrics/system/summary", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/api/v1/system/ingestion", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsQuery_BadParams(t *testing.T) {
	s := newTestServer(t)
	agentID := s.register()

	cases := []struct {
		name  string
		query string
	}{
		{"start after end", "?agent_ids=" + agentID + "&start=1761904800&end=1761901200"},
		{"bad time", "?agent_ids=" + agentID + "&start=yesterday"},
		{"bad agg", "?agent_ids=" + agentID + "&agg=median"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, env := s.do(http.MethodGet, "/api/v1/metrics"+tc.query, nil)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, string(system.KindBadRequest), env.Error)
		})
	}

	code, _ := s.do(http.MethodGet, "/api/v1/metrics/trends/"+agentID+"?hours=721", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(http.MethodGet, "/api/v1/metrics/trends/"+agentID+"?hours=24", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAlertRulesAndAlerts(t *testing.T) {
	s := newTestServer(t)

	rule := map[string]interface{}{
		"rule_id":   "high_cpu",
		"name":      "High CPU",
		"metric":    "cpu_usage_percent",
		"operator":  "gt",
		"threshold": 80,
		"severity":  "warning",
	}
	code, env := s.do(http.MethodPost, "/api/v1/alerts/rules", rule)
	require.Equal(t, http.StatusCreated, code, env.Message)

	code, _ = s.do(http.MethodPost, "/api/v1/alerts", rule)
	assert.Equal(t, http.StatusConflict, code)

	rule["rule_id"] = "system.cpu"
	code, _ = s.do(http.MethodPost, "/api/v1/alerts", rule)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, env = s.do(http.MethodGet, "/api/v1/alerts/rules", nil)
	require.Equal(t, http.StatusOK, code)
	var rules struct {
		Total int `json:"total"`
	}
	decode(t, env.Data, &rules)
	assert.Equal(t, 1, rules.Total)

	code, _ = s.do(http.MethodPatch, "/api/v1/alerts/rules/high_cpu", map[string]interface{}{"threshold": 90})
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodDelete, "/api/v1/alerts/rules/high_cpu", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/api/v1/alerts/rules/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = s.do(http.MethodGet, "/api/v1/alerts?active=true", nil)
	require.Equal(t, http.StatusOK, code)
	var alerts struct {
		Total int `json:"total"`
	}
	decode(t, env.Data, &alerts)
	assert.Equal(t, 0, alerts.Total)

	code, _ = s.do(http.MethodPost, "/api/v1/alerts/missing/ack", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(http.MethodPost, "/api/v1/alerts/missing/resolve", map[string]string{"by": "ops"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMonitorRoutes(t *testing.T) {
	s := newTestServer(t)
	agentID := s.register()

	code, env := s.do(http.MethodGet, "/api/v1/dashboard", nil)
	require.Equal(t, http.StatusOK, code)
	var overview struct {
		TotalAgents int `json:"total_agents"`
	}
	decode(t, env.Data, &overview)
	assert.Equal(t, 1, overview.TotalAgents)

	code, _ = s.do(http.MethodGet, "/api/v1/health/agents/"+agentID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/api/v1/health/system", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/api/v1/health/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/health", "/live", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	failing := newTestServer(t, ReadinessCheck{Name: "database", Check: func(context.Context) error { return errors.New("down") }})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	failing.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")

	code, env := s.do(http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(system.KindNotFound), env.Error)
}

func TestStream_PushesAcceptedSamples(t *testing.T) {
	s := newTestServer(t)
	agentID := s.register()

	srv := httptest.NewServer(s.engine)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/agents/" + agentID + "/stream"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	code, _ := s.do(http.MethodPost, "/api/v1/agents/"+agentID+"/metrics", map[string]interface{}{
		"resource": map[string]interface{}{"cpu_usage_percent": 33},
	})
	require.Equal(t, http.StatusAccepted, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pushed struct {
		AgentID  string `json:"agent_id"`
		Resource struct {
			CPU float64 `json:"cpu_usage_percent"`
		} `json:"resource"`
	}
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, agentID, pushed.AgentID)
	assert.Equal(t, 33.0, pushed.Resource.CPU)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/agents/missing/stream", nil)
	assert.Error(t, err)
}
