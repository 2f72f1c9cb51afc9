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

	"github.com/lugh-dev/lugh/internal/common/errors"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/isolation"
	"github.com/lugh-dev/lugh/internal/orchestrator"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/registry"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakePool struct {
	submitted []coordinator.SubmitRequest
	submitID  string
	submitErr error
	stopCalls []string
	stopErr   error
	status    *coordinator.Status
	statusErr error
}

func (f *fakePool) Submit(ctx context.Context, req coordinator.SubmitRequest) (string, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.submitID == "" {
		return "task-1", nil
	}
	return f.submitID, nil
}

func (f *fakePool) Stop(ctx context.Context, taskID string) error {
	f.stopCalls = append(f.stopCalls, taskID)
	return f.stopErr
}

func (f *fakePool) Status(ctx context.Context) (*coordinator.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.status == nil {
		return &coordinator.Status{}, nil
	}
	return f.status, nil
}

type fakeTasks struct {
	tasks  map[string]*queue.Task
	chunks map[string][]*queue.ResultChunk
}

func (f *fakeTasks) GetTask(ctx context.Context, taskID string) (*queue.Task, error) {
	if task, ok := f.tasks[taskID]; ok {
		return task, nil
	}
	return nil, queue.ErrTaskNotFound
}

func (f *fakeTasks) GetResults(ctx context.Context, taskID string) ([]*queue.ResultChunk, error) {
	return f.chunks[taskID], nil
}

type fakeAgents struct {
	agents []*registry.Agent
	err    error
}

func (f *fakeAgents) List(ctx context.Context) ([]*registry.Agent, error) {
	return f.agents, f.err
}

type fakeCodebases struct {
	codebases []*conversation.Codebase
}

func (f *fakeCodebases) ListCodebases(ctx context.Context) ([]*conversation.Codebase, error) {
	return f.codebases, nil
}

func (f *fakeCodebases) GetCodebase(ctx context.Context, id string) (*conversation.Codebase, error) {
	for _, cb := range f.codebases {
		if cb.ID == id {
			return cb, nil
		}
	}
	return nil, conversation.ErrCodebaseNotFound
}

type fakeIsolation struct {
	envs           []*isolation.Env
	lastCodebaseID string
	listedAll      bool
	mergedCalls    []isolation.Codebase
	staleCalls     []isolation.Codebase
	report         *isolation.CleanupReport
}

func (f *fakeIsolation) ListActive(ctx context.Context, codebaseID string) ([]*isolation.Env, error) {
	f.lastCodebaseID = codebaseID
	return f.envs, nil
}

func (f *fakeIsolation) ListAllActive(ctx context.Context) ([]*isolation.Env, error) {
	f.listedAll = true
	return f.envs, nil
}

func (f *fakeIsolation) CleanupMerged(ctx context.Context, codebase isolation.Codebase) (*isolation.CleanupReport, error) {
	f.mergedCalls = append(f.mergedCalls, codebase)
	return f.cleanupReport(), nil
}

func (f *fakeIsolation) CleanupStale(ctx context.Context, codebase isolation.Codebase) (*isolation.CleanupReport, error) {
	f.staleCalls = append(f.staleCalls, codebase)
	return f.cleanupReport(), nil
}

func (f *fakeIsolation) cleanupReport() *isolation.CleanupReport {
	if f.report == nil {
		return &isolation.CleanupReport{}
	}
	return f.report
}

type fakeApprovals struct {
	byConversation map[string][]*orchestrator.Approval
	recent         []*orchestrator.Approval
}

func (f *fakeApprovals) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*orchestrator.Approval, error) {
	return f.byConversation[conversationID], nil
}

func (f *fakeApprovals) ListRecent(ctx context.Context, limit int) ([]*orchestrator.Approval, error) {
	return f.recent, nil
}

type fakeTemplates struct {
	templates map[string]*orchestrator.Template
	putErr    error
}

func (f *fakeTemplates) List(ctx context.Context) ([]*orchestrator.Template, error) {
	out := make([]*orchestrator.Template, 0, len(f.templates))
	for _, tmpl := range f.templates {
		out = append(out, tmpl)
	}
	return out, nil
}

func (f *fakeTemplates) Put(ctx context.Context, name, description, body string) (*orchestrator.Template, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	tmpl := &orchestrator.Template{Name: name, Description: description, Body: body}
	if f.templates == nil {
		f.templates = make(map[string]*orchestrator.Template)
	}
	f.templates[name] = tmpl
	return tmpl, nil
}

func (f *fakeTemplates) Delete(ctx context.Context, name string) error {
	if _, ok := f.templates[name]; !ok {
		return orchestrator.ErrTemplateNotFound
	}
	delete(f.templates, name)
	return nil
}

type testAPI struct {
	router    *gin.Engine
	pool      *fakePool
	tasks     *fakeTasks
	agents    *fakeAgents
	codebases *fakeCodebases
	isolation *fakeIsolation
	approvals *fakeApprovals
	templates *fakeTemplates
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	api := &testAPI{
		pool:      &fakePool{},
		tasks:     &fakeTasks{tasks: map[string]*queue.Task{}, chunks: map[string][]*queue.ResultChunk{}},
		agents:    &fakeAgents{},
		codebases: &fakeCodebases{},
		isolation: &fakeIsolation{},
		approvals: &fakeApprovals{byConversation: map[string][]*orchestrator.Approval{}},
		templates: &fakeTemplates{templates: map[string]*orchestrator.Template{}},
	}

	router := gin.New()
	Register(router, Deps{
		Pool:      api.pool,
		Tasks:     api.tasks,
		Agents:    api.agents,
		Codebases: api.codebases,
		Isolation: api.isolation,
		Approvals: api.approvals,
		Templates: api.templates,
	}, newTestLogger(t))
	api.router = router
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	a.router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodGet, "/api/v1/health", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" || body["service"] != "lugh" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestSubmitTask(t *testing.T) {
	api := newTestAPI(t)
	api.pool.submitID = "task-42"

	resp := api.do(t, http.MethodPost, "/api/v1/tasks", httpSubmitTaskRequest{
		ConversationID: "conv-1",
		TaskType:       "agent",
		Priority:       2,
		Prompt:         "fix the build",
		Cwd:            "/work/repo",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body submitTaskResponse
	decodeBody(t, resp, &body)
	if body.TaskID != "task-42" {
		t.Fatalf("expected task-42, got %q", body.TaskID)
	}

	if len(api.pool.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(api.pool.submitted))
	}
	req := api.pool.submitted[0]
	if req.ConversationID != "conv-1" || req.TaskType != "agent" || req.Priority != 2 {
		t.Fatalf("submission fields not forwarded: %+v", req)
	}
	if req.Payload.Prompt != "fix the build" || req.Payload.Cwd != "/work/repo" {
		t.Fatalf("payload not forwarded: %+v", req.Payload)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/api/v1/tasks", httpSubmitTaskRequest{TaskType: "agent"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without prompt or description, got %d", resp.Code)
	}
	if len(api.pool.submitted) != 0 {
		t.Fatal("expected no submission on validation failure")
	}
}

func TestSubmitTaskPoolNotReady(t *testing.T) {
	api := newTestAPI(t)
	api.pool.submitErr = coordinator.ErrNotInitialized

	resp := api.do(t, http.MethodPost, "/api/v1/tasks", httpSubmitTaskRequest{Prompt: "hi"})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before pool init, got %d", resp.Code)
	}
}

func TestGetTask(t *testing.T) {
	api := newTestAPI(t)
	api.tasks.tasks["task-1"] = &queue.Task{ID: "task-1", TaskType: "agent", Status: queue.StatusRunning}

	resp := api.do(t, http.MethodGet, "/api/v1/tasks/task-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var task queue.Task
	decodeBody(t, resp, &task)
	if task.ID != "task-1" || task.Status != queue.StatusRunning {
		t.Fatalf("unexpected task: %+v", task)
	}

	resp = api.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", resp.Code)
	}
}

func TestGetTaskResults(t *testing.T) {
	api := newTestAPI(t)
	api.tasks.tasks["task-1"] = &queue.Task{ID: "task-1"}
	api.tasks.chunks["task-1"] = []*queue.ResultChunk{
		{TaskID: "task-1", ChunkType: queue.ChunkText, Content: "working..."},
		{TaskID: "task-1", ChunkType: queue.ChunkComplete, Content: "done"},
	}

	resp := api.do(t, http.MethodGet, "/api/v1/tasks/task-1/results", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body listTaskResultsResponse
	decodeBody(t, resp, &body)
	if body.Total != 2 || len(body.Results) != 2 {
		t.Fatalf("expected 2 results, got %+v", body)
	}
	if body.Results[0].Content != "working..." {
		t.Fatalf("results out of order: %+v", body.Results)
	}

	if resp := api.do(t, http.MethodGet, "/api/v1/tasks/missing/results", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", resp.Code)
	}

	// Known task with no output lists empty, not null.
	api.tasks.tasks["task-2"] = &queue.Task{ID: "task-2"}
	resp = api.do(t, http.MethodGet, "/api/v1/tasks/task-2/results", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for task without results, got %d", resp.Code)
	}
	decodeBody(t, resp, &body)
	if body.Results == nil || body.Total != 0 {
		t.Fatalf("expected empty results, got %+v", body)
	}
}

func TestStopTask(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/api/v1/tasks/task-9/stop", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body successResponse
	decodeBody(t, resp, &body)
	if !body.Success {
		t.Fatal("expected success response")
	}
	if len(api.pool.stopCalls) != 1 || api.pool.stopCalls[0] != "task-9" {
		t.Fatalf("stop not forwarded: %v", api.pool.stopCalls)
	}
}

func TestPoolStatus(t *testing.T) {
	api := newTestAPI(t)
	api.pool.status = &coordinator.Status{
		Agents: coordinator.AgentCounts{Total: 3, Idle: 2, Busy: 1},
		Tasks:  queue.Stats{Queued: 4, Running: 1},
	}

	resp := api.do(t, http.MethodGet, "/api/v1/pool/status", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var status coordinator.Status
	decodeBody(t, resp, &status)
	if status.Agents.Total != 3 || status.Tasks.Queued != 4 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestListAgents(t *testing.T) {
	api := newTestAPI(t)
	api.agents.agents = []*registry.Agent{
		{ID: "agent-1", Status: registry.StatusIdle, LastHeartbeat: time.Now()},
		{ID: "agent-2", Status: registry.StatusBusy, CurrentTaskID: "task-1"},
	}

	resp := api.do(t, http.MethodGet, "/api/v1/agents", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body listAgentsResponse
	decodeBody(t, resp, &body)
	if body.Total != 2 || len(body.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %+v", body)
	}
}

func TestListIsolationEnvs(t *testing.T) {
	api := newTestAPI(t)
	api.isolation.envs = []*isolation.Env{{ID: "env-1", Branch: "lugh/issue-7"}}

	resp := api.do(t, http.MethodGet, "/api/v1/isolation/envs?codebase_id=cb-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if api.isolation.lastCodebaseID != "cb-1" {
		t.Fatalf("expected codebase-scoped list, got %q", api.isolation.lastCodebaseID)
	}
	var body listEnvsResponse
	decodeBody(t, resp, &body)
	if body.Total != 1 || body.Envs[0].Branch != "lugh/issue-7" {
		t.Fatalf("unexpected envs: %+v", body)
	}

	resp = api.do(t, http.MethodGet, "/api/v1/isolation/envs", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !api.isolation.listedAll {
		t.Fatal("expected unscoped request to list all environments")
	}
}

func TestCleanupValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/api/v1/isolation/cleanup", httpCleanupRequest{Family: "everything", CodebaseID: "cb-1"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown family, got %d", resp.Code)
	}

	resp = api.do(t, http.MethodPost, "/api/v1/isolation/cleanup", httpCleanupRequest{Family: "merged"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without codebase_id, got %d", resp.Code)
	}

	resp = api.do(t, http.MethodPost, "/api/v1/isolation/cleanup", httpCleanupRequest{Family: "merged", CodebaseID: "missing"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown codebase, got %d", resp.Code)
	}
}

func TestCleanupMergedFamily(t *testing.T) {
	api := newTestAPI(t)
	api.codebases.codebases = []*conversation.Codebase{
		{ID: "cb-1", Name: "alice/utils", Path: "/repos/alice/utils"},
	}
	api.isolation.report = &isolation.CleanupReport{
		Removed: []string{"lugh/issue-3"},
		Skipped: []isolation.SkippedEnv{{Branch: "lugh/issue-9", Reason: "uncommitted changes"}},
	}

	resp := api.do(t, http.MethodPost, "/api/v1/isolation/cleanup", httpCleanupRequest{Family: "merged", CodebaseID: "cb-1"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	if len(api.isolation.mergedCalls) != 1 || len(api.isolation.staleCalls) != 0 {
		t.Fatalf("expected one merged cleanup, got merged=%d stale=%d", len(api.isolation.mergedCalls), len(api.isolation.staleCalls))
	}
	if api.isolation.mergedCalls[0].Path != "/repos/alice/utils" {
		t.Fatalf("codebase not mapped: %+v", api.isolation.mergedCalls[0])
	}

	var body cleanupResponse
	decodeBody(t, resp, &body)
	if body.Family != "merged" || len(body.Removed) != 1 || body.Removed[0] != "lugh/issue-3" {
		t.Fatalf("unexpected report: %+v", body)
	}
	if len(body.Skipped) != 1 || body.Skipped[0].Reason != "uncommitted changes" {
		t.Fatalf("skipped entries not mapped: %+v", body.Skipped)
	}
}

func TestListApprovals(t *testing.T) {
	api := newTestAPI(t)
	api.approvals.byConversation["conv-1"] = []*orchestrator.Approval{
		{ID: "ap-1", ConversationID: "conv-1", ToolName: "Bash", RiskLevel: orchestrator.RiskHigh},
	}
	api.approvals.recent = []*orchestrator.Approval{
		{ID: "ap-1"}, {ID: "ap-2"},
	}

	resp := api.do(t, http.MethodGet, "/api/v1/approvals?conversation_id=conv-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body listApprovalsResponse
	decodeBody(t, resp, &body)
	if body.Total != 1 || body.Approvals[0].ToolName != "Bash" {
		t.Fatalf("unexpected approvals: %+v", body)
	}

	resp = api.do(t, http.MethodGet, "/api/v1/approvals", nil)
	decodeBody(t, resp, &body)
	if body.Total != 2 {
		t.Fatalf("expected recent approvals without filter, got %+v", body)
	}
}

func TestTemplateLifecycle(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, http.MethodPost, "/api/v1/templates", httpPutTemplateRequest{
		Name: "Deploy Checklist",
		Body: "Run the release steps for $1.",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid name, got %d", resp.Code)
	}

	resp = api.do(t, http.MethodPost, "/api/v1/templates", httpPutTemplateRequest{
		Name:        "deploy",
		Description: "release steps",
		Body:        "Run the release steps for $1.",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var tmpl orchestrator.Template
	decodeBody(t, resp, &tmpl)
	if tmpl.Name != "deploy" {
		t.Fatalf("unexpected template: %+v", tmpl)
	}

	resp = api.do(t, http.MethodGet, "/api/v1/templates", nil)
	var list listTemplatesResponse
	decodeBody(t, resp, &list)
	if list.Total != 1 {
		t.Fatalf("expected one template, got %+v", list)
	}

	resp = api.do(t, http.MethodDelete, "/api/v1/templates/deploy", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = api.do(t, http.MethodDelete, "/api/v1/templates/deploy", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted template, got %d", resp.Code)
	}
}

func TestAppErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	api.templates.putErr = errors.Conflict("template is locked")

	resp := api.do(t, http.MethodPost, "/api/v1/templates", httpPutTemplateRequest{Name: "deploy", Body: "x"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 from AppError, got %d", resp.Code)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["code"] != errors.ErrCodeConflict {
		t.Fatalf("expected conflict code, got %v", body)
	}
}
