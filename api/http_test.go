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
	"github.com/shoenig/test/must"

	"github.com/edgemesh/edgemesh/coordinator"
	"github.com/edgemesh/edgemesh/structs"
)

func testServer(t *testing.T, secret string) (*coordinator.Coordinator, *gin.Engine) {
	t.Helper()

	cfg := coordinator.DefaultConfig()
	cfg.DBURL = ":memory:"
	cfg.LogLevel = "error"
	cfg.SharedSecret = secret

	coord, err := coordinator.New(cfg)
	must.NoError(t, err)
	t.Cleanup(func() { coord.Shutdown() })

	return coord, NewRouter(coord)
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		must.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	must.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	must.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func registerNode(t *testing.T, router *gin.Engine, nodeID string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/v1/agent/register", map[string]any{
		"node_id":      nodeID,
		"display_name": "Edge Node",
		"ip":           "10.0.0.5",
		"port":         9100,
		"capabilities": map[string]any{
			"cpu_cores":     8,
			"cpu_threads":   16,
			"ram_total_gb":  32,
			"gpu_name":      "NVIDIA L4",
			"vram_total_gb": 24,
			"os":            "linux",
			"arch":          "x86_64",
			"task_types":    []string{"INFERENCE", "EMBEDDINGS", "PREPROCESS"},
			"labels":        []string{"gpu"},
		},
	}, nil)
	must.Eq(t, http.StatusCreated, rec.Code)
}

func heartbeatNode(t *testing.T, router *gin.Engine, nodeID string, cpuPercent float64) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/v1/agent/heartbeat", map[string]any{
		"node_id": nodeID,
		"metrics": map[string]any{
			"cpu_percent":  cpuPercent,
			"ram_used_gb":  7.8,
			"ram_percent":  51.2,
			"gpu_percent":  40.0,
			"vram_used_gb": 6.0,
			"running_jobs": 1,
		},
	}, nil)
	must.Eq(t, http.StatusAccepted, rec.Code)
}

func TestAPI_health(t *testing.T) {
	_, router := testServer(t, "")

	rec := doJSON(t, router, http.MethodGet, "/health", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, map[string]any{"status": "ok"}, decodeBody(t, rec))
}

func TestAPI_registerAndHeartbeat(t *testing.T) {
	_, router := testServer(t, "")

	registerNode(t, router, "node-1")
	heartbeatNode(t, router, "node-1", 34.0)

	rec := doJSON(t, router, http.MethodGet, "/v1/nodes", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	nodes := decodeList(t, rec)
	must.Len(t, 1, nodes)

	identity := nodes[0]["identity"].(map[string]any)
	must.Eq(t, "node-1", identity["node_id"])
	caps := nodes[0]["capabilities"].(map[string]any)
	must.Eq(t, 16.0, caps["cpu_threads"])
	must.Eq(t, "NVIDIA L4", caps["gpu_name"])
	metrics := nodes[0]["metrics"].(map[string]any)
	must.Eq(t, 34.0, metrics["cpu_percent"])
	must.Eq(t, "ONLINE", nodes[0]["status"])
}

func TestAPI_registerValidation(t *testing.T) {
	_, router := testServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/v1/agent/register", map[string]any{
		"node_id":      "node-1",
		"display_name": "Edge Node",
		"ip":           "10.0.0.5",
		"port":         70000,
		"capabilities": map[string]any{},
	}, nil)
	must.Eq(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/agent/register", map[string]any{
		"display_name": "missing node id",
	}, nil)
	must.Eq(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPI_registerDefaultsTaskTypes(t *testing.T) {
	coord, router := testServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/v1/agent/register", map[string]any{
		"node_id":      "node-min",
		"display_name": "Minimal",
		"ip":           "10.0.0.9",
		"port":         9000,
		"capabilities": map[string]any{},
	}, nil)
	must.Eq(t, http.StatusCreated, rec.Code)

	node, err := coord.Store.GetNode("node-min")
	must.NoError(t, err)
	must.Eq(t, structs.AllTaskTypes(), node.Capabilities.TaskTypes)
}

func TestAPI_nodeDetailWithHistory(t *testing.T) {
	_, router := testServer(t, "")
	registerNode(t, router, "node-1")
	heartbeatNode(t, router, "node-1", 30.0)
	heartbeatNode(t, router, "node-1", 40.0)

	rec := doJSON(t, router, http.MethodGet,
		"/v1/nodes/node-1?include_metrics_history=true&history_limit=10", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	detail := decodeBody(t, rec)
	node := detail["node"].(map[string]any)
	must.Eq(t, "node-1", node["identity"].(map[string]any)["node_id"])
	history := detail["metrics_history"].([]any)
	must.Len(t, 2, history)

	// Without the flag history is omitted.
	rec = doJSON(t, router, http.MethodGet, "/v1/nodes/node-1", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	_, ok := decodeBody(t, rec)["metrics_history"]
	must.False(t, ok)

	rec = doJSON(t, router, http.MethodGet, "/v1/nodes/ghost", nil, nil)
	must.Eq(t, http.StatusNotFound, rec.Code)
}

func TestAPI_updateNodePolicy(t *testing.T) {
	_, router := testServer(t, "")
	registerNode(t, router, "node-1")

	rec := doJSON(t, router, http.MethodPut, "/v1/nodes/node-1/policy", map[string]any{
		"enabled":         true,
		"cpu_cap_percent": 80,
		"gpu_cap_percent": 70,
		"ram_cap_percent": 75,
		"task_allowlist":  []string{"INFERENCE", "EMBEDDINGS"},
		"role_preference": "PREFER_INFERENCE",
	}, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	policy := payload["policy"].(map[string]any)
	must.Eq(t, 80.0, policy["cpu_cap_percent"])
	must.Eq(t, "PREFER_INFERENCE", policy["role_preference"])

	rec = doJSON(t, router, http.MethodPut, "/v1/nodes/node-1/policy", map[string]any{
		"enabled":         true,
		"cpu_cap_percent": 200,
		"ram_cap_percent": 75,
	}, nil)
	must.Eq(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPI_simulateScheduleIneligible(t *testing.T) {
	_, router := testServer(t, "")
	registerNode(t, router, "node-low-cap")
	heartbeatNode(t, router, "node-low-cap", 9.0)

	rec := doJSON(t, router, http.MethodPut, "/v1/nodes/node-low-cap/policy", map[string]any{
		"enabled":         true,
		"cpu_cap_percent": 1,
		"gpu_cap_percent": 100,
		"ram_cap_percent": 90,
		"task_allowlist":  []string{"INFERENCE", "EMBEDDINGS", "PREPROCESS"},
		"role_preference": "AUTO",
	}, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/simulate/schedule",
		map[string]any{"task_type": "INFER"}, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	must.Eq(t, "INFERENCE", payload["task_type"])
	must.Nil(t, payload["chosen_node_id"])
	must.Eq(t, "No eligible nodes found", payload["reason"])

	candidates := payload["ranked_candidates"].([]any)
	must.Len(t, 1, candidates)
	first := candidates[0].(map[string]any)
	must.Eq(t, false, first["eligible"])
	reasons := first["reasons"].([]any)
	must.SliceContains(t, reasons, any("cpu_over_cap"))
}

func TestAPI_simulateSchedulePicksBest(t *testing.T) {
	_, router := testServer(t, "")
	registerNode(t, router, "node-busy")
	heartbeatNode(t, router, "node-busy", 95.0)
	registerNode(t, router, "node-idle")
	heartbeatNode(t, router, "node-idle", 5.0)

	rec := doJSON(t, router, http.MethodPost, "/v1/simulate/schedule",
		map[string]any{"task_type": "EMBEDDINGS"}, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	must.Eq(t, "node-idle", payload["chosen_node_id"])
	must.Nil(t, payload["reason"])
}

func TestAPI_clusterSummary(t *testing.T) {
	_, router := testServer(t, "")
	registerNode(t, router, "node-summary")
	heartbeatNode(t, router, "node-summary", 10.0)

	rec := doJSON(t, router, http.MethodGet, "/v1/cluster/summary", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	before := decodeBody(t, rec)
	must.Eq(t, 1.0, before["total_nodes"])
	must.Eq(t, 1.0, before["online_nodes"])
	must.Eq(t, 16.0, before["total_effective_cpu_threads"])
	must.Eq(t, 1.0, before["active_running_jobs_total"])

	rec = doJSON(t, router, http.MethodPut, "/v1/nodes/node-summary/policy", map[string]any{
		"enabled":         true,
		"cpu_cap_percent": 50,
		"gpu_cap_percent": 100,
		"ram_cap_percent": 100,
		"task_allowlist":  []string{"INFERENCE", "EMBEDDINGS", "PREPROCESS"},
		"role_preference": "AUTO",
	}, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/cluster/summary", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	after := decodeBody(t, rec)
	must.Eq(t, 8.0, after["total_effective_cpu_threads"])
}

func TestAPI_jobLifecycle(t *testing.T) {
	_, router := testServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", map[string]any{
		"task_type":        "EMBED",
		"payload_ref":      "s3://bucket/chunk-001.json",
		"task_count":       4,
		"max_task_retries": 2,
	}, nil)
	must.Eq(t, http.StatusCreated, rec.Code)

	job := decodeBody(t, rec)
	jobID := job["id"].(string)
	must.StrHasPrefix(t, "job-", jobID)
	must.Eq(t, "EMBEDDINGS", job["type"])
	must.Eq(t, "QUEUED", job["status"])
	must.Eq(t, 4.0, job["total_tasks"])

	rec = doJSON(t, router, http.MethodGet, "/v1/jobs/"+jobID+"/tasks", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	tasks := decodeList(t, rec)
	must.Len(t, 4, tasks)
	must.Eq(t, "QUEUED", tasks[0]["status"])
	payload := tasks[0]["payload"].(map[string]any)
	must.Eq(t, 0.0, payload["task_index"])
	must.Eq(t, "s3://bucket/chunk-001.json", payload["payload_ref"])

	// Filterable listing.
	rec = doJSON(t, router, http.MethodGet, "/v1/jobs?status=queued&task_type=EMBED", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Len(t, 1, decodeList(t, rec))

	rec = doJSON(t, router, http.MethodGet, "/v1/jobs?status=FAILED", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Len(t, 0, decodeList(t, rec))

	// Manual transition: skipping RUNNING is a conflict.
	rec = doJSON(t, router, http.MethodPost, "/v1/jobs/"+jobID+"/status",
		map[string]any{"status": "COMPLETED"}, nil)
	must.Eq(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/jobs/"+jobID+"/status",
		map[string]any{"status": "RUNNING"}, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Eq(t, "RUNNING", decodeBody(t, rec)["status"])

	rec = doJSON(t, router, http.MethodGet, "/v1/jobs/ghost", nil, nil)
	must.Eq(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/jobs", map[string]any{
		"task_type": "TRANSCODE",
	}, nil)
	must.Eq(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPI_jobCreateBadRetryBudgetLeavesNoJob(t *testing.T) {
	_, router := testServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", map[string]any{
		"task_type":        "EMBEDDINGS",
		"task_count":       2,
		"max_task_retries": 21,
	}, nil)
	must.Eq(t, http.StatusUnprocessableEntity, rec.Code)

	// The rejected request must not commit a task-less QUEUED job.
	rec = doJSON(t, router, http.MethodGet, "/v1/jobs", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Len(t, 0, decodeList(t, rec))
}

func TestAPI_jobFromPayloadItems(t *testing.T) {
	_, router := testServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", map[string]any{
		"task_type":     "TOKENIZE",
		"payload_items": []string{"alpha", "beta", "gamma"},
	}, nil)
	must.Eq(t, http.StatusCreated, rec.Code)

	job := decodeBody(t, rec)
	must.Eq(t, 3.0, job["total_tasks"])

	rec = doJSON(t, router, http.MethodGet, "/v1/jobs/"+job["id"].(string)+"/tasks", nil, nil)
	tasks := decodeList(t, rec)
	must.Len(t, 3, tasks)
	must.Eq(t, "beta", tasks[1]["payload"].(map[string]any)["item"])
}

func TestAPI_taskPullAndResult(t *testing.T) {
	_, router := testServer(t, "")
	registerNode(t, router, "node-1")
	heartbeatNode(t, router, "node-1", 20.0)

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", map[string]any{
		"task_type":  "EMBEDDINGS",
		"task_count": 1,
	}, nil)
	must.Eq(t, http.StatusCreated, rec.Code)
	jobID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/pull",
		map[string]any{"node_id": "node-1"}, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	task := decodeBody(t, rec)["task"].(map[string]any)
	must.Eq(t, "RUNNING", task["status"])
	must.Eq(t, "node-1", task["assigned_node_id"])
	taskID := task["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+taskID+"/result", map[string]any{
		"node_id":     "node-1",
		"success":     true,
		"output":      map[string]any{"items_processed": 128},
		"duration_ms": 380,
	}, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	must.Eq(t, "COMPLETED", payload["task"].(map[string]any)["status"])
	must.Eq(t, "COMPLETED", payload["job"].(map[string]any)["status"])
	must.Eq(t, jobID, payload["job"].(map[string]any)["id"].(string))

	// Duplicate result against the terminal task.
	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+taskID+"/result", map[string]any{
		"node_id":     "node-1",
		"success":     true,
		"duration_ms": 380,
	}, nil)
	must.Eq(t, http.StatusConflict, rec.Code)

	// Empty pull once the queue drains.
	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/pull",
		map[string]any{"node_id": "node-1"}, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	must.Nil(t, decodeBody(t, rec)["task"])
}

func TestAPI_sharedSecret(t *testing.T) {
	_, router := testServer(t, "s3cret")

	// Missing header.
	rec := doJSON(t, router, http.MethodPost, "/v1/tasks/pull",
		map[string]any{"node_id": "node-1"}, nil)
	must.Eq(t, http.StatusUnauthorized, rec.Code)

	// Wrong secret.
	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/pull",
		map[string]any{"node_id": "node-1"},
		map[string]string{"X-EdgeMesh-Secret": "wrong"})
	must.Eq(t, http.StatusUnauthorized, rec.Code)

	// Correct secret passes through to the handler.
	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/pull",
		map[string]any{"node_id": "node-1"},
		map[string]string{"X-EdgeMesh-Secret": "s3cret"})
	must.Eq(t, http.StatusOK, rec.Code)

	// Non-task routes are not gated.
	rec = doJSON(t, router, http.MethodGet, "/v1/nodes", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
}

func TestAPI_executionMetrics(t *testing.T) {
	_, router := testServer(t, "")
	registerNode(t, router, "node-1")
	heartbeatNode(t, router, "node-1", 20.0)

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", map[string]any{
		"task_type":  "EMBEDDINGS",
		"task_count": 1,
	}, nil)
	must.Eq(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/pull",
		map[string]any{"node_id": "node-1"}, nil)
	taskID := decodeBody(t, rec)["task"].(map[string]any)["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+taskID+"/result", map[string]any{
		"node_id":     "node-1",
		"success":     true,
		"duration_ms": 250,
	}, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/metrics/execution", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)
	metrics := decodeBody(t, rec)
	must.Eq(t, 1.0, metrics["total_results"])
	must.Eq(t, 1.0, metrics["success_results"])
	must.Eq(t, 250.0, metrics["avg_duration_ms"])
	must.Eq(t, 1.0, metrics["node_reliability"].(map[string]any)["node-1"])
}

func TestAPI_embedBurst(t *testing.T) {
	_, router := testServer(t, "")
	registerNode(t, router, "node-1")
	heartbeatNode(t, router, "node-1", 10.0)

	rec := doJSON(t, router, http.MethodPost,
		"/v1/demo/jobs/create-embed-burst?count=3&tasks_per_job=2", nil, nil)
	must.Eq(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	must.Eq(t, 3.0, payload["created_count"])
	must.Eq(t, 3.0, payload["assigned_count"])
	must.Eq(t, 3.0, payload["running_count"])
	jobs := payload["jobs"].([]any)
	must.Len(t, 3, jobs)
	first := jobs[0].(map[string]any)
	must.Eq(t, "node-1", first["assigned_node_id"])
	must.Eq(t, 2.0, first["total_tasks"])

	rec = doJSON(t, router, http.MethodPost,
		"/v1/demo/jobs/create-embed-burst?count=0", nil, nil)
	must.Eq(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPI_streamJobsSSE(t *testing.T) {
	coord, router := testServer(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/jobs", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for coord.JobEvents.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	coord.PublishJobUpdate(&structs.Job{
		ID:        "job-stream",
		Status:    structs.JobStatusRunning,
		UpdatedAt: time.Now().UTC(),
	})

	// Give the handler a beat to encode the event, then disconnect.
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	must.StrContains(t, body, "event:job_update")
	must.StrContains(t, body, "job-stream")
	must.Eq(t, 0, coord.JobEvents.SubscriberCount())
}

func TestAPI_streamNodesSSE(t *testing.T) {
	coord, router := testServer(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/nodes", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for coord.NodeEvents.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	coord.PublishNodeUpdate(&structs.Node{
		Identity:  structs.NodeIdentity{NodeID: "node-stream"},
		Status:    structs.NodeStatusOnline,
		UpdatedAt: time.Now().UTC(),
	})

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	must.StrContains(t, body, "event:node_update")
	must.StrContains(t, body, "node-stream")
	must.Eq(t, 0, coord.NodeEvents.SubscriberCount())
}
