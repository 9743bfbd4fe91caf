package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"metald/pkg/secrets"
	"metald/services/workflow"
)

func newTestServer(t *testing.T) (*httptest.Server, *workflow.Manager) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	monitor := workflow.NewMonitor(256, logger)
	t.Cleanup(monitor.Close)

	manager, err := workflow.NewManager(monitor, nil, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	err = manager.RegisterPipeline(workflow.Pipeline{
		Name: "provision",
		Steps: func(c *workflow.Context) ([]workflow.Step, error) {
			return []workflow.Step{{Name: "noop", Run: func(ctx context.Context, c *workflow.Context) error {
				return nil
			}}}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterPipeline() error = %v", err)
	}

	store := secrets.Static(map[string]secrets.Credential{
		"default": {Username: "admin", Password: "hunter2"},
	})

	a, err := New(manager, store, nil, nil, logger, Config{MaxBatchParallel: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	routes, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}

	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)
	return srv, manager
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeWorkflow(t *testing.T, resp *http.Response) workflow.StatusView {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Workflow workflow.StatusView `json:"workflow"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body.Workflow
}

func TestCreateWorkflowEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/workflows", map[string]any{
		"pipeline":    "provision",
		"server_id":   uuid.New(),
		"device_type": "generic",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	view := decodeWorkflow(t, resp)
	if view.Status != workflow.StatusPending {
		t.Fatalf("workflow status = %s, want PENDING", view.Status)
	}
	if view.ID == uuid.Nil {
		t.Fatal("workflow id missing")
	}
}

func TestCreateWorkflowValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name    string
		payload map[string]any
		want    int
	}{
		{
			name:    "unknown pipeline",
			payload: map[string]any{"pipeline": "nope", "server_id": uuid.New(), "device_type": "generic"},
			want:    http.StatusNotFound,
		},
		{
			name:    "missing server id",
			payload: map[string]any{"pipeline": "provision", "device_type": "generic"},
			want:    http.StatusBadRequest,
		},
		{
			name:    "missing device type",
			payload: map[string]any{"pipeline": "provision", "server_id": uuid.New()},
			want:    http.StatusBadRequest,
		},
		{
			name:    "unknown field rejected",
			payload: map[string]any{"pipeline": "provision", "server_id": uuid.New(), "device_type": "generic", "bogus": true},
			want:    http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/workflows", tt.payload)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStartAndStatusEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/workflows", map[string]any{
		"pipeline":    "provision",
		"server_id":   uuid.New(),
		"device_type": "generic",
	})
	created := decodeWorkflow(t, resp)

	resp = postJSON(t, fmt.Sprintf("%s/v1/workflows/%s/start", srv.URL, created.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// A second start is a state conflict.
	resp = postJSON(t, fmt.Sprintf("%s/v1/workflows/%s/start", srv.URL, created.ID), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		sr, err := http.Get(fmt.Sprintf("%s/v1/workflows/%s", srv.URL, created.ID))
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		view := decodeWorkflow(t, sr)
		if view.Status == workflow.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow stuck in %s", view.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusUnknownWorkflow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/v1/workflows/%s", srv.URL, uuid.New()))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListWorkflowsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	serverID := uuid.New()
	for _, id := range []uuid.UUID{serverID, uuid.New()} {
		resp := postJSON(t, srv.URL+"/v1/workflows", map[string]any{
			"pipeline":    "provision",
			"server_id":   id,
			"device_type": "generic",
		})
		resp.Body.Close()
	}

	tests := []struct {
		name  string
		query string
		want  int
		code  int
	}{
		{name: "all", query: "", want: 2, code: http.StatusOK},
		{name: "by server", query: "?server_id=" + serverID.String(), want: 1, code: http.StatusOK},
		{name: "by status", query: "?status=pending", want: 2, code: http.StatusOK},
		{name: "no match", query: "?status=FAILED", want: 0, code: http.StatusOK},
		{name: "bad status", query: "?status=resting", code: http.StatusBadRequest},
		{name: "bad server id", query: "?server_id=xyz", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/v1/workflows" + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				Count int `json:"count"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Count != tt.want {
				t.Fatalf("count = %d, want %d", body.Count, tt.want)
			}
		})
	}
}

func TestStartBatchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/workflows/batch", map[string]any{
		"pipeline":     "provision",
		"max_parallel": 2,
		"servers": []map[string]any{
			{"server_id": uuid.New(), "device_type": "generic"},
			{"server_id": uuid.New(), "device_type": "generic"},
			{"server_id": uuid.New(), "device_type": "generic"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body struct {
		WorkflowIDs []uuid.UUID `json:"workflow_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.WorkflowIDs) != 3 {
		t.Fatalf("workflow ids = %d, want 3", len(body.WorkflowIDs))
	}
}

func TestStartBatchValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{
			name:    "no servers",
			payload: map[string]any{"pipeline": "provision", "max_parallel": 2, "servers": []map[string]any{}},
		},
		{
			name: "parallelism above limit",
			payload: map[string]any{"pipeline": "provision", "max_parallel": 1000, "servers": []map[string]any{
				{"server_id": uuid.New(), "device_type": "generic"},
			}},
		},
		{
			name: "server missing device type",
			payload: map[string]any{"pipeline": "provision", "max_parallel": 2, "servers": []map[string]any{
				{"server_id": uuid.New()},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/workflows/batch", tt.payload)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestEventsUnknownWorkflow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/v1/workflows/%s/events", srv.URL, uuid.New()))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryWithoutDatabase(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/v1/servers/%s/history", srv.URL, uuid.New()))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
