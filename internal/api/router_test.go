package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/agentregistry"
	"github.com/banterop/conductor/internal/bridge"
	"github.com/banterop/conductor/internal/bus"
	"github.com/banterop/conductor/internal/collaborators"
	"github.com/banterop/conductor/internal/eventstore"
	"github.com/banterop/conductor/internal/jsonrpc"
	"github.com/banterop/conductor/internal/orchestrator"
	"github.com/banterop/conductor/internal/platform/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := eventstore.Open(":memory:", 1, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eb := bus.NewMemoryBus(store.AsBacklog(), 64, logging.Default())
	t.Cleanup(eb.Close)

	orch := orchestrator.New(store, eb, orchestrator.Config{DefaultDeadlineMs: 5000, IdempotencySweepInterval: time.Hour}, logging.Default())
	t.Cleanup(orch.Close)

	registry := agentregistry.New(logging.Default())
	registry.LoadDefaults()

	br := bridge.New(store.DB(), orch, eb, bridge.AgentCard{ProtocolVersion: "1.0", Name: "test", Skills: []*bridge.Skill{}}, logging.Default())

	return New(Config{
		Store:        store,
		Orchestrator: orch,
		Bus:          eb,
		Registry:     registry,
		Attachments:  collaborators.NewMemoryAttachmentStore(),
		Scenarios:    collaborators.NewMemoryScenarioStore(),
		Bridge:       br,
		Logger:       logging.Default(),
	})
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRoomA2AAlwaysReturnsHTTP200(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name       string
		body       string
		wantErr    bool
		wantErrMsg string
	}{
		{name: "malformed json", body: `not json`, wantErr: true},
		{name: "wrong version", body: `{"jsonrpc":"1.0","method":"agent/card","id":1}`, wantErr: true},
		{name: "unknown method", body: `{"jsonrpc":"2.0","method":"nope","id":1}`, wantErr: true},
		{name: "known method", body: `{"jsonrpc":"2.0","method":"agent/card","id":1}`, wantErr: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/rooms/room-1/a2a", bytes.NewBufferString(tc.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code, "A2A endpoint must always answer 200, body: %s", w.Body.String())

			var resp jsonrpc.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			if tc.wantErr {
				require.NotNil(t, resp.Error)
			} else {
				require.Nil(t, resp.Error)
				require.NotNil(t, resp.Result)
			}
		})
	}
}

func TestScenarioEditTokenGuard(t *testing.T) {
	s := newTestServer(t)

	created, err := s.scenarios.Insert(context.Background(), collaborators.Scenario{
		Name:      "locked scenario",
		Config:    []byte(`{}`),
		Published: true,
		EditToken: "secret-token",
	})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"name": "renamed", "config": []byte(`{}`), "published": true})

	req := httptest.NewRequest(http.MethodPut, "/api/scenarios/"+created.ID, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusLocked, w.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/scenarios/"+created.ID, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Edit-Token", "secret-token")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListAgentClasses(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/agent-classes", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Classes []agentregistry.Class `json:"classes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Classes)
}

func TestAttachmentNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/attachments/missing", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
