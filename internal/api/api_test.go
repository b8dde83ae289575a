package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdesk/internal/app"
	"flowdesk/internal/config"
	"flowdesk/pkg/flow"
	"flowdesk/pkg/journal"
	"flowdesk/pkg/task"
)

const identity = "+919876543211"

func newApp(t *testing.T) (*app.App, http.Handler) {
	t.Helper()
	t.Setenv("FLOWDESK_STORE", "memory")
	cfg, err := config.Load("")
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a, a.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func message(id, text string) flow.Inbound {
	return flow.Inbound{MessageID: id, Identity: identity, Role: task.RoleCustomer, Text: text}
}

func TestMessageWebhookDrivesTask(t *testing.T) {
	_, h := newApp(t)

	rec := do(t, h, "POST", "/api/messages", message("m1", "register"))
	require.Equal(t, http.StatusOK, rec.Code)
	reply := decode[flow.Reply](t, rec)
	require.NotEmpty(t, reply.TaskID)
	assert.Equal(t, task.StatusRunning, reply.Status)
	assert.Len(t, reply.Messages, 2)

	rec = do(t, h, "GET", "/api/tasks?identity="+identity+"&role=customer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[[]task.Task](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, reply.TaskID, tasks[0].ID)

	rec = do(t, h, "GET", "/api/tasks/"+reply.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.TypeRegistration, decode[task.Task](t, rec).Type)

	rec = do(t, h, "GET", "/api/tasks/"+reply.TaskID+"/journal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]journal.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.TaskCreated, entries[0].Type)

	rec = do(t, h, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `flowdesk_transitions_total{outcome="created",type="registration"} 1`)
}

func TestMessageWebhookRejectsBadInput(t *testing.T) {
	_, h := newApp(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/messages", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/messages", flow.Inbound{Role: task.RoleCustomer, Text: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[map[string]any](t, rec)["error"])
}

func TestMessageWebhookRateLimits(t *testing.T) {
	t.Setenv("FLOWDESK_RATELIMIT_RPS", "0.01")
	t.Setenv("FLOWDESK_RATELIMIT_BURST", "1")
	_, h := newApp(t)

	assert.Equal(t, http.StatusOK, do(t, h, "POST", "/api/messages", message("m1", "hi")).Code)
	rec := do(t, h, "POST", "/api/messages", message("m2", "hi"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestTaskNotFound(t *testing.T) {
	_, h := newApp(t)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/api/tasks/0190c0de-0000-7000-8000-000000000000", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/api/tasks?role=admin", nil).Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	_, h := newApp(t)
	base := "/api/identities/" + identity

	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", base+"/resumable", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", base+"/resumable?role=customer&type=registration", nil).Code)

	do(t, h, "POST", "/api/messages", message("m1", "register"))
	rec := do(t, h, "GET", base+"/resumable?role=customer&type=registration", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[flow.Resumable](t, rec)
	assert.False(t, res.Abandoned)
	assert.Equal(t, task.TypeRegistration, res.Task.Type)

	assert.Equal(t, http.StatusNotFound, do(t, h, "POST", base+"/recover", nil).Code)

	rec = do(t, h, "POST", "/api/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[flow.SweepReport](t, rec).Expired)
}

func TestSystemEndpoints(t *testing.T) {
	_, h := newApp(t)

	rec := do(t, h, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])

	rec = do(t, h, "GET", "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.Equal(t, "48h0m0s", status["expire_window"])
	assert.EqualValues(t, 0, status["tasks"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/api/links", nil).Code)
	rec = do(t, h, "GET", "/api/links?customer="+identity, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestJournalStream(t *testing.T) {
	a, h := newApp(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/journal/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = a.Journal.Append(ctx, journal.TaskCreated, "task-1", identity, map[string]any{"task_type": "registration"})
	require.NoError(t, err)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "event: "+journal.TaskCreated, lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "data: "))
	var e journal.Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &e))
	assert.Equal(t, "task-1", e.TaskID)
}
