package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/monitor"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

type fakeTrigger struct {
	reasons []string
	delays  []time.Duration
	err     error
}

func (f *fakeTrigger) Request(_ context.Context, reason string, delay time.Duration) (bool, error) {
	f.reasons = append(f.reasons, reason)
	f.delays = append(f.delays, delay)
	return f.err == nil, f.err
}

type fakeSweeper struct{}

func (fakeSweeper) Sweep(context.Context) (*monitor.SweepReport, error) {
	return &monitor.SweepReport{ID: "sweep-1", Created: 2}, nil
}

type apiFixture struct {
	store   *stores.SQLiteStore
	trigger *fakeTrigger
	handler http.Handler
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	trigger := &fakeTrigger{}
	srv := NewServer(DefaultConfig(), store, lifecycle.NewGateway(store, nil), nil,
		WithDiagnoseTrigger(trigger), WithSweepRunner(fakeSweeper{}))
	return &apiFixture{store: store, trigger: trigger, handler: srv.Handler()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type apiError struct {
	Error struct {
		Code       string         `json:"code"`
		Message    string         `json:"message"`
		Evaluation map[string]any `json:"evaluation"`
	} `json:"error"`
}

func (f *apiFixture) create(t *testing.T, name string) *workorder.WorkOrder {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/work-orders", map[string]any{
		"name":                name,
		"objective":           "ship " + name,
		"acceptance_criteria": []string{"tests pass"},
		"actor":               "intake",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wo := decodeBody[workorder.WorkOrder](t, rec)
	return &wo
}

func TestHealth(t *testing.T) {
	f := setupAPI(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]any](t, rec)["status"])
}

func TestCreateAndGetWorkOrder(t *testing.T) {
	f := setupAPI(t)
	wo := f.create(t, "checkout")
	assert.Equal(t, workorder.StatusDraft, wo.Status)
	require.Len(t, wo.AcceptanceCriteria, 1)

	rec := f.do(t, http.MethodGet, "/v1/work-orders/"+wo.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wo.Slug, decodeBody[workorder.WorkOrder](t, rec).Slug)

	rec = f.do(t, http.MethodGet, "/v1/work-orders/"+wo.Slug, nil)
	require.Equal(t, http.StatusOK, rec.Code, "slugs resolve too")
	assert.Equal(t, wo.ID, decodeBody[workorder.WorkOrder](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/v1/work-orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, workorder.ErrCodeNotFound, decodeBody[apiError](t, rec).Error.Code)
}

func TestCreateWorkOrderValidation(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodPost, "/v1/work-orders", map[string]any{"name": "no objective", "actor": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, workorder.ErrCodeValidation, decodeBody[apiError](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/v1/work-orders", map[string]any{"name": "x", "objective": "y", "actor": "z", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestTransitions(t *testing.T) {
	f := setupAPI(t)
	wo := f.create(t, "checkout")
	path := "/v1/work-orders/" + wo.ID + "/transitions"

	rec := f.do(t, http.MethodPost, path, map[string]any{"event": "submit", "actor": "intake"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[lifecycle.TransitionResult](t, rec)
	assert.Equal(t, workorder.StatusDraft, result.PreviousStatus)
	assert.Equal(t, workorder.StatusReady, result.NewStatus)

	rec = f.do(t, http.MethodPost, path, map[string]any{"event": "complete", "actor": "agent-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[apiError](t, rec)
	assert.Equal(t, workorder.ErrCodeInvalidTransition, body.Error.Code)
	assert.Equal(t, "ready", body.Error.Evaluation["current_status"])

	rec = f.do(t, http.MethodPost, path, map[string]any{"event": "explode", "actor": "agent-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/work-orders/missing/transitions", map[string]any{"event": "submit", "actor": "a"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/work-orders/"+wo.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody[map[string][]workorder.AuditEntry](t, rec)["audit"]
	assert.Len(t, audit, 2, "creation and one transition")
}

func TestExecutionLog(t *testing.T) {
	f := setupAPI(t)
	wo := f.create(t, "indexer")
	path := "/v1/work-orders/" + wo.ID + "/execution-log"

	rec := f.do(t, http.MethodPost, path, map[string]any{
		"phase":     "tool_call",
		"tool_name": "read_file",
		"success":   true,
		"detail":    "read README",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, path, map[string]any{"phase": "failed", "success": false, "detail": "boom"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, path, map[string]any{"success": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "phase is required")

	rec = f.do(t, http.MethodGet, path+"?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[map[string][]workorder.ExecutionLogEntry](t, rec)["execution_log"]
	require.Len(t, entries, 2)
	assert.Equal(t, "failed", entries[0].Phase, "newest first")
	assert.Equal(t, []string{"read_file"}, entries[1].ToolNames)

	rec = f.do(t, http.MethodGet, path+"?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQAFinding(t *testing.T) {
	f := setupAPI(t)
	wo := f.create(t, "billing")

	rec := f.do(t, http.MethodPost, "/v1/work-orders/"+wo.ID+"/qa-findings", map[string]any{
		"category":    "regression",
		"description": "invoice totals off by one cent",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	findings, err := f.store.ListOpenQAFindings(context.Background(), wo.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "regression", findings[0].Category)
}

func TestListAndChildren(t *testing.T) {
	f := setupAPI(t)
	parent := f.create(t, "epic")
	rec := f.do(t, http.MethodPost, "/v1/work-orders", map[string]any{
		"name": "child", "objective": "part", "parent_id": parent.ID, "actor": "intake",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/work-orders/"+parent.ID+"/children", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string][]workorder.WorkOrder](t, rec)["children"], 1)

	rec = f.do(t, http.MethodGet, "/v1/work-orders?status=draft", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string][]workorder.WorkOrder](t, rec)["work_orders"], 2)

	rec = f.do(t, http.MethodGet, "/v1/work-orders?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/triage?type=stuck", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/triage?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiagnoseAndSweep(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodPost, "/v1/diagnose", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["queued"])

	rec = f.do(t, http.MethodPost, "/v1/diagnose", map[string]any{"reason": "operator", "delay": "30s"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"manual", "operator"}, f.trigger.reasons)
	assert.Equal(t, 30*time.Second, f.trigger.delays[1])

	rec = f.do(t, http.MethodPost, "/v1/diagnose", map[string]any{"delay": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.trigger.err = errors.New("queue unavailable")
	rec = f.do(t, http.MethodPost, "/v1/diagnose", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/sweeps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sweep-1", decodeBody[monitor.SweepReport](t, rec).ID)
}

func TestRunAndShutdown(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "run.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	srv := NewServer(cfg, store, lifecycle.NewGateway(store, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
