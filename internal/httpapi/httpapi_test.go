package httpapi

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

	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/acp/registry"
	"github.com/kandev/acp-runtime/internal/acp/router"
)

func newTestServer(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New(64, 64)
	rt := router.New(router.Options{
		Registry:   reg,
		RPCTimeout: 2 * time.Second,
	})
	engine := gin.New()
	New(engine, reg, rt, nil, time.Second, 10*time.Millisecond)
	return engine, reg
}

// S1: GET /v1/health
func TestHandleHealth(t *testing.T) {
	engine, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

// S2: GET /v1/acp lists open connections.
func TestHandleList(t *testing.T) {
	engine, reg := newTestServer(t)
	_, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/acp", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	assert.Contains(t, decoded["servers"], "conn-1")
}

// S3: POST a JSON-RPC envelope opens the connection lazily and dispatches it.
func TestHandlePostDispatchesEnvelopeAndOpensConnection(t *testing.T) {
	engine, reg := newTestServer(t)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1.0"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/acp/conn-1?agent=mock", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	assert.Contains(t, decoded, "result")

	_, ok := reg.Get("conn-1")
	assert.True(t, ok, "posting an envelope must lazily open the connection")
}

// S2b: POSTing to a brand new connection without an agent query parameter
// is rejected with 400 InvalidRequest rather than 404 once the spawn fails.
func TestHandlePostEmptyAgentOnNewConnectionIs400(t *testing.T) {
	engine, _ := newTestServer(t)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/acp/conn-1", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

// S2c: an unrecognized agent id on a brand new connection is likewise 400.
func TestHandlePostUnknownAgentOnNewConnectionIs400(t *testing.T) {
	engine, _ := newTestServer(t)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/acp/conn-1?agent=not-a-real-agent", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// S3d: once a connection's backend has exited, a later POST against the
// same connection id fails with 502 AgentProcessExited instead of being
// treated as a brand new connection.
func TestHandlePostAfterBackendExitReturns502(t *testing.T) {
	engine, reg := newTestServer(t)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1.0"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/acp/conn-1?agent=mock", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	conn, ok := reg.Get("conn-1")
	require.True(t, ok)
	conn.Backend.Shutdown(context.Background(), 0)
	require.True(t, conn.Exited())

	req2 := httptest.NewRequest(http.MethodPost, "/v1/acp/conn-1",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{}}`)))
	req2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	engine.ServeHTTP(w2, req2)

	assert.Equal(t, http.StatusBadGateway, w2.Code)
	assert.Equal(t, "application/problem+json", w2.Header().Get("Content-Type"))
}

// S4: wrong Content-Type is rejected with 415.
func TestHandlePostRejectsWrongContentType(t *testing.T) {
	engine, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/acp/conn-1?agent=mock", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

// S5: a malformed envelope body is rejected with a problem document.
func TestHandlePostRejectsInvalidEnvelope(t *testing.T) {
	engine, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/acp/conn-1?agent=mock", bytes.NewReader([]byte(`{"jsonrpc":"2.0"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

// S6: subscribing with a non-SSE Accept header is rejected with 406.
func TestHandleSubscribeRejectsWrongAccept(t *testing.T) {
	engine, reg := newTestServer(t)
	_, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/acp/conn-1", nil)
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotAcceptable, w.Code)
}

// S6b: subscribing to a connection that was never opened is a 404.
func TestHandleSubscribeUnknownConnectionIs404(t *testing.T) {
	engine, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/acp/never-opened", nil)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// S6c: a non-numeric Last-Event-ID header is rejected with 400.
func TestHandleSubscribeRejectsInvalidLastEventID(t *testing.T) {
	engine, reg := newTestServer(t)
	_, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/acp/conn-1", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", "not-a-number")
	w := httptest.NewRecorder()

	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// S6d: a second concurrent SSE subscriber gets a real 409, proving the
// Conflict is detected before any response header is committed.
func TestHandleSubscribeRejectsDuplicateSubscriberWith409(t *testing.T) {
	engine, reg := newTestServer(t)
	conn, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req1 := httptest.NewRequest(http.MethodGet, "/v1/acp/conn-1", nil).WithContext(ctx)
	req1.Header.Set("Accept", "text/event-stream")
	w1 := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		engine.ServeHTTP(w1, req1)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if !conn.TryClaimSSE() {
			break
		}
		conn.ReleaseSSE()
		if time.Now().After(deadline) {
			t.Fatal("first subscriber never claimed the SSE slot")
		}
		time.Sleep(time.Millisecond)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/acp/conn-1", nil)
	req2.Header.Set("Accept", "text/event-stream")
	w2 := httptest.NewRecorder()
	engine.ServeHTTP(w2, req2)

	assert.Equal(t, http.StatusConflict, w2.Code)
	assert.Equal(t, "application/problem+json", w2.Header().Get("Content-Type"))

	cancel()
	<-done
}

// S7: DELETE is always 204, including on an unknown connection (idempotent).
func TestHandleDeleteIsAlways204(t *testing.T) {
	engine, reg := newTestServer(t)
	_, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/v1/acp/conn-1", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, ok := reg.Get("conn-1")
	assert.False(t, ok)

	req2 := httptest.NewRequest(http.MethodDelete, "/v1/acp/never-existed", nil)
	w2 := httptest.NewRecorder()
	engine.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusNoContent, w2.Code)
}

// S8: supplemented GET .../sessions lists tracked sessions.
func TestHandleSessionsListsTrackedSessions(t *testing.T) {
	engine, reg := newTestServer(t)
	conn, err := reg.Open("conn-1", events.AgentMock)
	require.NoError(t, err)
	conn.EnsureSession("sess-1", "native-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/acp/conn-1/sessions", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	sessions := decoded["sessions"].([]any)
	require.Len(t, sessions, 1)
	first := sessions[0].(map[string]any)
	assert.Equal(t, "sess-1", first["sessionId"])
}

// S9: .../sessions for an unknown connection is a 404.
func TestHandleSessionsUnknownConnectionIs404(t *testing.T) {
	engine, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/acp/never-opened/sessions", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
