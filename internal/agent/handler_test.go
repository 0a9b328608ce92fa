package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, rd))
	return rec
}

func TestHandlerInterceptsRequests(t *testing.T) {
	env := startedEnv(t, "")
	h := env.svc.Handler()

	rec := do(t, h, http.MethodGet, "/bundle.js", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())
	assert.Equal(t, "hit", rec.Header().Get("X-Edge-Agent"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Edge-Agent")
	assert.Zero(t, env.net.totalCalls())
}

func TestHandlerForwardsRequestBodies(t *testing.T) {
	env := startedEnv(t, "")
	env.net.handle("/api/orders", http.StatusCreated, `{"id":2}`)
	h := env.svc.Handler()

	rec := do(t, h, http.MethodPost, "/api/orders", `{"qty":1}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Edge-Agent"))
	assert.Equal(t, []string{`{"qty":1}`}, func() []string {
		var out []string
		for _, b := range env.net.posted("/api/orders") {
			out = append(out, string(b))
		}
		return out
	}())
}

func TestHandlerOfflineAPI(t *testing.T) {
	env := startedEnv(t, "")
	env.net.setOffline(true)

	rec := do(t, env.svc.Handler(), http.MethodGet, "/api/clients", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Offline", rec.Body.String())
	assert.Equal(t, "offline", rec.Header().Get("X-Edge-Agent"))
}

func TestHandlerMessages(t *testing.T) {
	env := startedEnv(t, "")
	h := env.svc.Handler()

	rec := do(t, h, http.MethodPost, "/__agent/messages", `{"type":"GET_VERSION"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, MsgVersion, reply.Type)
	assert.Equal(t, "v1", reply.Version)
	assert.Equal(t, "app-static-v1", reply.Generation)

	rec = do(t, h, http.MethodPost, "/__agent/messages", `{"type":"CLEAN_CACHE"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/__agent/messages", `{"type":"SELF_DESTRUCT"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/__agent/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerNotifications(t *testing.T) {
	rec := &openRecorder{}
	env := newTestEnv(t, "", Deps{Open: rec.open})
	h := env.svc.Handler()

	resp := do(t, h, http.MethodPost, "/__agent/push", `{"id":"h1","title":"Invoice","url":"/invoices/1"}`)
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = do(t, h, http.MethodGet, "/__agent/notifications", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var alerts []Alert
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "Invoice", alerts[0].Title)

	resp = do(t, h, http.MethodPost, "/__agent/notifications/h1/click?action=open", "")
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, []string{"http://agent.test/invoices/1"}, rec.urls)

	resp = do(t, h, http.MethodPost, "/__agent/notifications/h1/click", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	do(t, h, http.MethodPost, "/__agent/push", `{"id":"h2"}`)
	resp = do(t, h, http.MethodPost, "/__agent/notifications/h2/dismiss", "")
	assert.Equal(t, http.StatusNoContent, resp.Code)
	resp = do(t, h, http.MethodPost, "/__agent/notifications/h2/dismiss", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHandlerGenerationsAndMetrics(t *testing.T) {
	env := startedEnv(t, "")
	h := env.svc.Handler()
	do(t, h, http.MethodGet, "/bundle.js", "")

	rec := do(t, h, http.MethodGet, "/__agent/generations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view generationsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "active", view.State)
	assert.Equal(t, "v1", view.Active.Version)
	require.Len(t, view.Generations, 1)
	assert.Equal(t, 3, view.Generations[0].Entries)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `edgeagent_requests_total{class="static",outcome="hit"} 1`)
	assert.Contains(t, rec.Body.String(), "edgeagent_generations 1")

	rec = do(t, h, http.MethodGet, "/__agent/healthz", "")
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/__agent/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestViewStreamReceivesMessages(t *testing.T) {
	env := startedEnv(t, "")
	srv := httptest.NewServer(env.svc.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/__agent/views/stream?url=http://agent.test/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	readData := func() string {
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "data: ") {
				return strings.TrimPrefix(l, "data: ")
			}
		}
		return ""
	}
	require.Contains(t, readData(), `"view"`)
	require.Len(t, env.svc.Views().List(), 1)

	env.svc.Views().Broadcast(Message{Type: MsgMarkNotificationRead, NotificationID: "n1"})

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(readData()), &msg))
	assert.Equal(t, Message{Type: MsgMarkNotificationRead, NotificationID: "n1"}, msg)
}
