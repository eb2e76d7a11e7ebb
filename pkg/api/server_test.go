package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderloop/renderq/pkg/bus"
	"github.com/renderloop/renderq/pkg/config"
	"github.com/renderloop/renderq/pkg/executor"
	"github.com/renderloop/renderq/pkg/pool"
	"github.com/renderloop/renderq/pkg/queue"
	"github.com/renderloop/renderq/pkg/sensor"
	"github.com/renderloop/renderq/pkg/store"
	"github.com/renderloop/renderq/pkg/types"
)

type noRuntime struct{}

func (noRuntime) Ensure(ctx context.Context, workflowID string) (string, error) {
	return "", types.NewError(types.ErrRuntimeUnavailable, "no runtime in tests")
}

type testStack struct {
	srv   *httptest.Server
	cfg   config.Config
	queue *queue.Queue
	store *store.Store
	bus   *bus.Bus
	pool  *pool.Pool
}

func newTestStack(t *testing.T, mutate func(*config.Config)) *testStack {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		DataDir:          dir,
		OutputDir:        filepath.Join(dir, "output"),
		QueuePath:        filepath.Join(dir, "queue.db"),
		MaxQueueSize:     100,
		MaxWSConnections: 10,
		MaxConcurrent:    2,
		TaskTimeout:      2 * time.Second,
		MinWorkers:       1,
		MaxWorkers:       4,
		ScaleThreshold:   5,
		CPUMaxPercent:    100,
		MemMaxPercent:    100,
		DiskMaxPercent:   100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0755))

	q, err := queue.Open(cfg.QueuePath, cfg.MaxQueueSize)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	st, err := store.Open(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(cfg.MaxWSConnections)
	sn := sensor.New(sensor.DefaultConfig())

	ecfg := executor.DefaultConfig()
	ecfg.MaxConcurrent = cfg.MaxConcurrent
	ecfg.Timeout = cfg.TaskTimeout
	ecfg.FixedRuntimeURL = "http://127.0.0.1:1" // tests never execute against it
	ecfg.OutputDir = cfg.OutputDir
	e := executor.New(ecfg, q, b, sn, st, noRuntime{})

	pcfg := pool.DefaultConfig()
	pcfg.MinWorkers = cfg.MinWorkers
	pcfg.MaxWorkers = cfg.MaxWorkers
	pcfg.PollInterval = 5 * time.Millisecond
	pcfg.ScaleInterval = time.Hour
	p := pool.New(pcfg, q, neverAccept{}, sn)

	s := New(cfg, q, p, e, sn, b, st)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testStack{srv: srv, cfg: cfg, queue: q, store: st, bus: b, pool: p}
}

// neverAccept keeps test workers from touching the queue.
type neverAccept struct{}

func (neverAccept) CanAccept() bool                                 { return false }
func (neverAccept) Execute(ctx context.Context, j *types.Job) error { return nil }

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGenerateAsync(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/api/generate", map[string]any{
		"positive_prompt": "a red cube",
		"steps":           1,
		"seed":            42,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["prompt_id"])
	assert.NotEmpty(t, body["task_id"])
	assert.Equal(t, 1, ts.queue.Depth())
}

func TestGenerateValidation(t *testing.T) {
	ts := newTestStack(t, nil)

	tests := []struct {
		name   string
		url    string
		body   map[string]any
		status int
		kind   string
	}{
		{"missing prompt", "/api/generate", map[string]any{"steps": 1}, http.StatusBadRequest, "validation"},
		{"bad priority", "/api/generate?priority=urgent", map[string]any{"positive_prompt": "x"}, http.StatusBadRequest, "validation"},
		{"steps out of range", "/api/generate", map[string]any{"positive_prompt": "x", "steps": 200}, http.StatusUnprocessableEntity, "out_of_range"},
		{"cfg out of range", "/api/generate", map[string]any{"positive_prompt": "x", "cfg": 99}, http.StatusUnprocessableEntity, "out_of_range"},
		{"unknown sampler", "/api/generate", map[string]any{"positive_prompt": "x", "sampler_name": "magic"}, http.StatusUnprocessableEntity, "out_of_range"},
		{"unknown scheduler", "/api/generate", map[string]any{"positive_prompt": "x", "scheduler": "warp"}, http.StatusUnprocessableEntity, "out_of_range"},
		{"batch too large", "/api/generate", map[string]any{"positive_prompt": "x", "batch_size": 9}, http.StatusUnprocessableEntity, "out_of_range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.srv.URL+tt.url, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode(t, resp)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
	assert.Zero(t, ts.queue.Depth())
}

func TestGenerateNormalization(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/api/generate", map[string]any{
		"positive_prompt": "  a   red\tcube; rm -rf /tmp  ",
		"width":           513,
		"height":          2100,
		"batch_size":      4,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID := decode(t, resp)["task_id"].(string)

	job, err := ts.queue.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, 512, job.Params.Width)
	assert.Equal(t, 2048, job.Params.Height)
	// 512x2048 crosses one megapixel, so the batch drops to 2.
	assert.Equal(t, 2, job.Params.BatchSize)
	assert.Equal(t, "a red cube rm -rf /tmp", job.Params.PositivePrompt)
}

func TestGenerateLongPromptTruncated(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/api/generate", map[string]any{
		"positive_prompt": strings.Repeat("a", 6000),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID := decode(t, resp)["task_id"].(string)

	job, err := ts.queue.Get(taskID)
	require.NoError(t, err)
	assert.Len(t, job.Params.PositivePrompt, 5000)
}

func TestGenerateQueueFull(t *testing.T) {
	ts := newTestStack(t, func(c *config.Config) { c.MaxQueueSize = 1 })

	resp := postJSON(t, ts.srv.URL+"/api/generate", map[string]any{"positive_prompt": "one"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.srv.URL+"/api/generate", map[string]any{"positive_prompt": "two"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "capacity", body["kind"])
}

func TestGenerateWait(t *testing.T) {
	ts := newTestStack(t, nil)

	// Simulated worker: settle the job as soon as it appears.
	go func() {
		for i := 0; i < 200; i++ {
			job, err := ts.queue.Dequeue()
			if err == nil && job != nil {
				_ = ts.queue.Complete(job.ID, &types.JobResult{
					Images:    []string{"/api/images/" + job.PromptID + "_out.png"},
					TotalTime: time.Second,
				})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	resp := postJSON(t, ts.srv.URL+"/api/generate?wait=true", map[string]any{"positive_prompt": "a red cube"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "completed", body["status"])
	assert.NotEmpty(t, body["images"])
}

func TestGenerateWaitTimeout(t *testing.T) {
	ts := newTestStack(t, func(c *config.Config) { c.TaskTimeout = 300 * time.Millisecond })

	resp := postJSON(t, ts.srv.URL+"/api/generate?wait=true", map[string]any{"positive_prompt": "never done"})
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestStatusAndCancel(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/api/generate", map[string]any{"positive_prompt": "x"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	promptID := decode(t, resp)["prompt_id"].(string)

	resp, err := http.Get(ts.srv.URL + "/api/status/" + promptID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "queued", body["status"])
	assert.EqualValues(t, 1, body["queue_position"])

	resp = postJSON(t, ts.srv.URL+"/api/cancel/"+promptID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, "cancelled", body["status"])

	// Cancelling a terminal job is rejected.
	resp = postJSON(t, ts.srv.URL+"/api/cancel/"+promptID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusUnknownPrompt(t *testing.T) {
	ts := newTestStack(t, nil)

	resp, err := http.Get(ts.srv.URL + "/api/status/no-such-prompt")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestImagesEndpoint(t *testing.T) {
	ts := newTestStack(t, nil)
	content := []byte("png-bytes")
	require.NoError(t, os.WriteFile(filepath.Join(ts.cfg.OutputDir, "p1_out.png"), content, 0644))

	resp, err := http.Get(ts.srv.URL + "/api/images/p1_out.png")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.srv.URL + "/api/images/p1_out.png?format=base64")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "p1_out.png", body["filename"])
	assert.NotEmpty(t, body["base64"])

	resp, err = http.Get(ts.srv.URL + "/api/images/no-such-file.png")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestQueueEndpoints(t *testing.T) {
	ts := newTestStack(t, nil)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.srv.URL+"/api/generate?priority=low", map[string]any{"positive_prompt": fmt.Sprintf("job %d", i)})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.srv.URL + "/api/queue/status")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.EqualValues(t, 3, body["low"])
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 0, body["dead_letter_size"])
}

func TestWorkersEndpoints(t *testing.T) {
	ts := newTestStack(t, nil)
	require.NoError(t, ts.pool.Start())
	t.Cleanup(ts.pool.Stop)

	resp, err := http.Get(ts.srv.URL + "/api/workers/status")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.EqualValues(t, 1, body["live_workers"])

	resp = postJSON(t, ts.srv.URL+"/api/workers/pause", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.srv.URL+"/api/workers/scale?target_workers=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.EqualValues(t, 1, body["previous_workers"])
	assert.EqualValues(t, 3, body["current_workers"])

	resp = postJSON(t, ts.srv.URL+"/api/workers/scale?target_workers=99", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.srv.URL+"/api/workers/resume", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestResourcesStatus(t *testing.T) {
	ts := newTestStack(t, nil)

	resp, err := http.Get(ts.srv.URL + "/api/resources/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Contains(t, body, "resources")
	assert.Contains(t, body, "system")
	assert.Contains(t, body, "limits")
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestStack(t, func(c *config.Config) { c.APIKey = "secret" })

	resp, err := http.Get(ts.srv.URL + "/api/queue/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/queue/status", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Health stays open.
	resp, err = http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestWorkflowEndpoints(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/api/workflows", map[string]any{
		"id": "wf-1",
		"workflow": map[string]any{
			"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.srv.URL + "/api/workflows/wf-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "wf-1", body["id"])

	resp, err = http.Get(ts.srv.URL + "/api/workflows/wf-404")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestBuildEndpoints(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/api/builds", map[string]any{
		"workflow_id": "wf-1",
		"image_ref":   "renderq/wf-1:abc",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	buildID := body["id"].(string)
	assert.Equal(t, "pending", body["status"])

	for i := 1; i <= 3; i++ {
		_, err := ts.store.AppendBuildLog(buildID, fmt.Sprintf("step %d", i))
		require.NoError(t, err)
	}

	resp, err := http.Get(ts.srv.URL + "/api/builds/" + buildID + "/logs?limit=2")
	require.NoError(t, err)
	body = decode(t, resp)
	logs := body["logs"].([]any)
	assert.Len(t, logs, 2)
	assert.EqualValues(t, 2, body["next_since"])

	resp, err = http.Get(ts.srv.URL + "/api/builds/" + buildID + "/logs?since=2")
	require.NoError(t, err)
	body = decode(t, resp)
	logs = body["logs"].([]any)
	assert.Len(t, logs, 1)

	resp, err = http.Get(ts.srv.URL + "/api/builds/no-such-build/logs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestWebSocketProgress(t *testing.T) {
	ts := newTestStack(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, "/ws/p1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.bus.PromptSubscribers("p1") == 1 }, time.Second, 10*time.Millisecond)

	ts.bus.BroadcastPrompt("p1", bus.ExecutionStarted("p1", "wf-1"))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "execution_started", frame["type"])
	assert.Equal(t, "p1", frame["prompt_id"])
}

func TestWebSocketPingPong(t *testing.T) {
	ts := newTestStack(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, "/ws/p1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "pong", frame["type"])
}

func TestWebSocketCapacityRefusal(t *testing.T) {
	ts := newTestStack(t, func(c *config.Config) { c.MaxWSConnections = 1 })

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, "/ws/p1"), nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL, "/ws/p2"), nil)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}
