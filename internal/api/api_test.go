package api

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

	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/metrics"
	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/persistence"
	"github.com/aristath/dreamteam/internal/scheduler"
)

type testServer struct {
	*httptest.Server
	svc *orchestrator.Service
	bus *events.EventBus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewEventBus()
	recorder := metrics.NewRecorder()
	svc := orchestrator.NewService(store, orchestrator.DefaultConfig(), orchestrator.Options{
		Bus:      bus,
		Recorder: recorder,
		Logger:   logger,
	})

	srv := httptest.NewServer(NewHandler(svc, bus, recorder.Handler(), logger).Routes())
	t.Cleanup(srv.Close)
	t.Cleanup(bus.Close)
	return &testServer{Server: srv, svc: svc, bus: bus}
}

// do sends a JSON request and decodes the response into out when non-nil.
func (s *testServer) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
	}
	return resp.StatusCode
}

func TestCreateAndGet(t *testing.T) {
	s := newTestServer(t)

	var created scheduler.Task
	code := s.do(t, http.MethodPost, "/v1/tasks", `{"id":"t1","role":"coder","payload":{"goal":"x"},"priority":5}`, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, scheduler.TaskPending, created.Status)
	assert.Equal(t, 5, created.Priority)
	assert.JSONEq(t, `{"goal":"x"}`, string(created.Payload))

	var got scheduler.Task
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/tasks/t1", "", &got))
	assert.Equal(t, "coder", got.Role)

	var errResp errorBody
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/tasks/nope", "", &errResp))
	assert.NotEmpty(t, errResp.Error)
}

func TestCreateRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"role":`},
		{"missing role", `{"payload":{}}`},
		{"missing dependency", `{"role":"coder","depends_on":["ghost"]}`},
		{"self dependency", `{"id":"a","role":"coder","depends_on":["a"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/tasks", tt.body, nil))
		})
	}

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/tasks", `{"id":"dup","role":"coder"}`, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/tasks", `{"id":"dup","role":"coder"}`, nil))
}

func TestClaimCompleteLifecycle(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/tasks", `{"id":"a","role":"coder"}`, nil))
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/tasks", `{"id":"b","role":"coder","depends_on":["a"]}`, nil))

	var claimed tasksResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/claim", `{"role":"coder","max":5}`, &claimed))
	require.Len(t, claimed.Tasks, 1)
	assert.Equal(t, "a", claimed.Tasks[0].ID)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/tasks/a/heartbeat", "", nil))

	startedAt, err := json.Marshal(claimed.Tasks[0].StartedAt)
	require.NoError(t, err)
	var done scheduler.Task
	body := `{"result":{"ok":true},"started_at":` + string(startedAt) + `}`
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/tasks/a/complete", body, &done))
	assert.Equal(t, scheduler.TaskCompleted, done.Status)

	// A duplicate report is accepted and changes nothing.
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/tasks/a/complete", `{"result":"again"}`, &done))
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/v1/tasks/a/cancel", `{"reason":"late"}`, nil))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/claim", `{"role":"coder"}`, &claimed))
	require.Len(t, claimed.Tasks, 1)
	assert.Equal(t, "b", claimed.Tasks[0].ID)
}

func TestFailRetryEndpoints(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/tasks", `{"id":"f","role":"qa","max_retries":0}`, nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/claim", `{"role":"qa"}`, nil))

	var failed scheduler.Task
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/tasks/f/fail", `{"error":"lint","error_type":"tool_error"}`, &failed))
	assert.Equal(t, scheduler.TaskFailed, failed.Status)
	assert.Equal(t, scheduler.ErrorTool, failed.ErrorType)

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/v1/tasks/f/retry", "", nil))

	var revived scheduler.Task
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/tasks/f/force-retry", "", &revived))
	assert.Equal(t, scheduler.TaskPending, revived.Status)
	assert.Equal(t, 1, revived.RetryCount)
}

func TestApproveEndpoint(t *testing.T) {
	s := newTestServer(t)
	var task scheduler.Task
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/tasks", `{"id":"g","role":"deploy","approval_required":true}`, &task))
	require.Equal(t, scheduler.TaskAwaitingApproval, task.Status)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/tasks/g/approve", `{}`, nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/tasks/g/approve", `{"approver":"ops"}`, &task))
	assert.Equal(t, scheduler.TaskPending, task.Status)
	assert.Equal(t, "ops", task.ApprovedBy)
}

func TestBatchAndTree(t *testing.T) {
	s := newTestServer(t)
	batch := `[
		{"key":"plan","role":"planner"},
		{"key":"code","role":"coder","depends_on":["plan"]},
		{"key":"test","role":"tester","depends_on":["code"]}
	]`
	var created tasksResponse
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/tasks/batch", batch, &created))
	require.Len(t, created.Tasks, 3)

	var tree scheduler.DependencyTree
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/tree?ids="+created.Tasks[2].ID, "", &tree))
	assert.Len(t, tree.Nodes, 3)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/tree", "", nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/tasks/batch",
		`[{"key":"a","role":"r","depends_on":["b"]},{"key":"b","role":"r","depends_on":["a"]}]`, nil))
}

func TestListTasks(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{
		`{"id":"l1","role":"coder"}`,
		`{"id":"l2","role":"coder","approval_required":true}`,
		`{"id":"l3","role":"tester"}`,
	} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/tasks", body, nil))
	}

	var list tasksResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/tasks?role=coder&status=pending", "", &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "l1", list.Tasks[0].ID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/tasks?status=sleeping", "", nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/tasks?limit=-1", "", nil))
}

func TestQueueAndMetricsEndpoints(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/tasks", `{"id":"q","role":"coder"}`, nil))

	var health orchestrator.QueueHealth
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/queue/health", "", &health))
	assert.Equal(t, 1, health.Counts[scheduler.TaskPending])
	assert.Equal(t, 1, health.Eligible)

	for _, path := range []string{"/v1/queue/blocked", "/v1/queue/stale", "/v1/queue/stuck", "/v1/queue/retryable"} {
		var body map[string]json.RawMessage
		require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, "", &body), path)
		assert.Equal(t, "[]", string(body["tasks"]), path)
	}

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/metrics/snapshot", "", nil))
	_, err := s.svc.RecordSnapshot(context.Background())
	require.NoError(t, err)
	var snap metrics.Snapshot
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/metrics/snapshot", "", &snap))
	assert.Equal(t, 1, snap.QueueDepth[scheduler.TaskPending])

	var trend struct {
		Snapshots []metrics.Snapshot `json:"snapshots"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/metrics/trend?window=1h", "", &trend))
	assert.Len(t, trend.Snapshots, 1)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/metrics/trend?window=soon", "", nil))

	resp, err := s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "dreamteam_tasks_created_total")
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/v1/events?topic="+events.TopicTask, nil)
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = s.svc.CreateTask(context.Background(), orchestrator.CreateRequest{ID: "e1", Role: "coder"})
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	require.Equal(t, events.EventTypeTaskCreated, event)

	var env struct {
		Type   string `json:"type"`
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader([]byte(data))).Decode(&env))
	assert.Equal(t, "e1", env.TaskID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{scheduler.ErrValidation, http.StatusBadRequest},
		{scheduler.ErrCycle, http.StatusBadRequest},
		{scheduler.ErrTaskNotFound, http.StatusNotFound},
		{persistence.ErrNoSnapshot, http.StatusNotFound},
		{scheduler.ErrNotRetryable, http.StatusConflict},
		{scheduler.ErrAttemptSuperseded, http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
