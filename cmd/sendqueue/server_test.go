package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"sendqueue/internal/backend"
	"sendqueue/internal/connectivity"
	"sendqueue/internal/models"
	"sendqueue/internal/queue"
	"sendqueue/internal/storage"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []url.Values
	server   *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{status: http.StatusOK, body: `{"messageid":"srv-1"}`}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fb.mu.Lock()
		fb.requests = append(fb.requests, r.PostForm)
		status, body := fb.status, fb.body
		fb.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) respond(status int, body string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.status, fb.body = status, body
}

func (fb *fakeBackend) calls() []url.Values {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]url.Values(nil), fb.requests...)
}

type testServer struct {
	server  *Server
	queue   *queue.Queue
	store   *storage.MemoryStore
	network *connectivity.Switch
	backend *fakeBackend
	sender  *backend.Sender
}

func newTestServer(t *testing.T, configure func(*models.Config)) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fb := newFakeBackend(t)
	cfg := &models.Config{
		Backend: models.BackendConfig{APIBaseURL: fb.server.URL},
		Server:  models.ServerConfig{Port: 8082},
	}
	if configure != nil {
		configure(cfg)
	}

	client := backend.NewClient(cfg.Backend.APIBaseURL, fb.server.Client(), logger)
	sender := backend.NewSender(client, cfg.Backend.Token)
	network := connectivity.NewSwitch(false)
	store := storage.NewMemoryStore()
	q := queue.New(store, sender, network, logger, queue.WithDrainDelay(0))

	return &testServer{
		server:  NewServer(cfg, q, client, sender, network, logger, false),
		queue:   q,
		store:   store,
		network: network,
		backend: fb,
		sender:  sender,
	}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestServer_HandleHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["online"])
	assert.Equal(t, float64(0), body["queue_depth"])
}

func TestServer_SendMessage_RequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader("chatid=7&text=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := ts.do(t, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, ts.backend.calls())
}

func TestServer_SendMessage_RequiresChatID(t *testing.T) {
	ts := newTestServer(t, func(cfg *models.Config) { cfg.Backend.Token = "cfg-token" })

	w := ts.do(t, jsonRequest(http.MethodPost, "/api/messages/send", `{"text":"hi"}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]interface{}
	decodeBody(t, w, &body)
	assert.Equal(t, "chatid required", body["error"])
	assert.Empty(t, ts.backend.calls())
}

func TestServer_SendMessage_Forwards(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader("chatid=7&text=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "token", Value: "cookie-token"})
	w := ts.do(t, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "srv-1", body["messageid"])

	calls := ts.backend.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "postmessage", calls[0].Get("request"))
	assert.Equal(t, "cookie-token", calls[0].Get("token"))
	assert.Equal(t, "7", calls[0].Get("chatid"))
	assert.Equal(t, "hello", calls[0].Get("text"))
	assert.NotEmpty(t, calls[0].Get("_t"))
	assert.Equal(t, "cookie-token", ts.sender.Token())
	assert.Zero(t, ts.queue.Len())
}

func TestServer_Enqueue_AdoptsSessionCookie(t *testing.T) {
	ts := newTestServer(t, func(cfg *models.Config) { cfg.Backend.Token = "cfg-token" })

	req := jsonRequest(http.MethodPost, "/api/queue", `{"chatid":"7","text":"queued"}`)
	req.AddCookie(&http.Cookie{Name: "token", Value: "cookie-token"})
	w := ts.do(t, req)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "cookie-token", ts.sender.Token())

	var entry models.QueuedMessage
	decodeBody(t, w, &entry)
	w = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/queue/"+entry.ID+"/retry", nil))
	require.Equal(t, http.StatusOK, w.Code)

	calls := ts.backend.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "cookie-token", calls[0].Get("token"))
}

func TestServer_SendMessage_BackendFailure(t *testing.T) {
	ts := newTestServer(t, func(cfg *models.Config) { cfg.Backend.Token = "cfg-token" })
	ts.backend.respond(http.StatusBadGateway, "upstream down")

	w := ts.do(t, jsonRequest(http.MethodPost, "/api/messages/send", `{"chatid":"7","text":"hi"}`))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]interface{}
	decodeBody(t, w, &body)
	assert.Equal(t, "upstream down", body["error"])
}

func TestServer_QueueLifecycle(t *testing.T) {
	ts := newTestServer(t, func(cfg *models.Config) { cfg.Backend.Token = "cfg-token" })

	w := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"online":false,"hasPending":false,"entries":[]}`, w.Body.String())

	w = ts.do(t, jsonRequest(http.MethodPost, "/api/queue", `{"chatid":"7","text":"queued"}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	var entry models.QueuedMessage
	decodeBody(t, w, &entry)
	assert.Equal(t, models.StatusPending, entry.Status)
	assert.Equal(t, "7", entry.ChatTarget)
	assert.NotEmpty(t, entry.ID)

	var state queue.State
	w = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	decodeBody(t, w, &state)
	assert.True(t, state.HasPending)
	require.Len(t, state.Entries, 1)
	assert.Len(t, ts.store.Snapshot(), 1)
	assert.Empty(t, ts.backend.calls())

	w = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/queue/"+entry.ID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, ts.queue.Len())
	assert.Empty(t, ts.store.Snapshot())

	w = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/queue/"+entry.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Enqueue_Invalid(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"chatid":`},
		{"missing chat", `{"text":"hi"}`},
		{"no content", `{"chatid":"7"}`},
		{"chat too long", `{"chatid":"` + strings.Repeat("7", 300) + `","text":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, jsonRequest(http.MethodPost, "/api/queue", tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Zero(t, ts.queue.Len())
}

func TestServer_Retry(t *testing.T) {
	ts := newTestServer(t, func(cfg *models.Config) { cfg.Backend.Token = "cfg-token" })
	ctx := context.Background()

	w := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/queue/missing/retry", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	msg := ts.queue.Enqueue(ctx, models.Draft{ChatTarget: "7", Text: "retry me"})

	ts.backend.respond(http.StatusInternalServerError, "boom")
	w = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/queue/"+msg.ID+"/retry", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var failed models.QueuedMessage
	decodeBody(t, w, &failed)
	assert.Equal(t, models.StatusError, failed.Status)
	assert.Contains(t, failed.Error, "boom")

	ts.backend.respond(http.StatusOK, `{"messageid":42}`)
	w = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/queue/"+msg.ID+"/retry", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"`+msg.ID+`","delivered":true}`, w.Body.String())
	assert.Zero(t, ts.queue.Len())
	assert.Len(t, ts.backend.calls(), 2)
}

func TestServer_InvalidEntryID(t *testing.T) {
	ts := newTestServer(t, nil)
	longID := strings.Repeat("x", 200)

	w := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/queue/"+longID+"/retry", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "entry ID too long")

	w = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/queue/"+longID, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Enqueue_TooLarge(t *testing.T) {
	ts := newTestServer(t, nil)

	req := jsonRequest(http.MethodPost, "/api/queue", `{"chatid":"7","text":"hi"}`)
	req.ContentLength = 11 << 20
	w := ts.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "request too large")
	assert.Zero(t, ts.queue.Len())
}

func TestServer_SetConnectivity(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, jsonRequest(http.MethodPut, "/api/connectivity", `{"online":true}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"online":true}`, w.Body.String())
	assert.True(t, ts.network.Online())

	w = ts.do(t, jsonRequest(http.MethodPut, "/api/connectivity", `{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, ts.network.Online())
}

func TestServer_SetConnectivity_MonitorOwnsFlag(t *testing.T) {
	ts := newTestServer(t, func(cfg *models.Config) { cfg.Connectivity.MonitorEnabled = true })

	w := ts.do(t, jsonRequest(http.MethodPut, "/api/connectivity", `{"online":true}`))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, ts.network.Online())
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.queue.Enqueue(context.Background(), models.Draft{ChatTarget: "7", Text: "hi"})

	w := ts.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var snap map[string]interface{}
	decodeBody(t, w, &snap)
	assert.Contains(t, snap, "counters")

	w = ts.do(t, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sendqueue_http_requests_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_QueueStream(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/queue", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	readState := func() queue.State {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var state queue.State
		require.NoError(t, json.Unmarshal(data, &state))
		return state
	}

	initial := readState()
	assert.Empty(t, initial.Entries)
	assert.False(t, initial.Online)

	ts.queue.Enqueue(ctx, models.Draft{ChatTarget: "7", Text: "live"})

	updated := readState()
	require.Len(t, updated.Entries, 1)
	assert.Equal(t, "7", updated.Entries[0].ChatTarget)
	assert.True(t, updated.HasPending)

	require.NoError(t, ts.server.Shutdown(ctx))
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestServer_UnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
