// Package ctl is the client library behind metalctl, talking to the
// metald HTTP API.
package ctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"metald/services/workflow"
)

// Server identifies one target in a create or batch request.
type Server struct {
	ServerID   uuid.UUID `json:"server_id"`
	DeviceType string    `json:"device_type"`
	TargetIP   string    `json:"target_ip,omitempty"`
}

// Client talks to one metald instance.
type Client struct {
	base string
	hc   *http.Client
}

// New validates the base URL and returns a ready client.
func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("metald API base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("metald API base URL must include a scheme: %q", baseURL)
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Create registers a workflow, optionally starting it immediately.
func (c *Client) Create(ctx context.Context, pipeline string, server Server, start bool) (workflow.StatusView, error) {
	payload := map[string]any{
		"pipeline":    pipeline,
		"server_id":   server.ServerID,
		"device_type": server.DeviceType,
		"start":       start,
	}
	if server.TargetIP != "" {
		payload["target_ip"] = server.TargetIP
	}

	var resp struct {
		Workflow workflow.StatusView `json:"workflow"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/workflows", payload, &resp)
	return resp.Workflow, err
}

// Start begins execution of a pending workflow.
func (c *Client) Start(ctx context.Context, id uuid.UUID) (workflow.StatusView, error) {
	var resp struct {
		Workflow workflow.StatusView `json:"workflow"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/start", id), nil, &resp)
	return resp.Workflow, err
}

// Cancel requests cancellation of a workflow.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (workflow.StatusView, error) {
	var resp struct {
		Workflow workflow.StatusView `json:"workflow"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/cancel", id), nil, &resp)
	return resp.Workflow, err
}

// Status fetches the current snapshot of a workflow.
func (c *Client) Status(ctx context.Context, id uuid.UUID) (workflow.StatusView, error) {
	var resp struct {
		Workflow workflow.StatusView `json:"workflow"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/workflows/%s", id), nil, &resp)
	return resp.Workflow, err
}

// List fetches workflows, optionally filtered by status and server ID.
func (c *Client) List(ctx context.Context, status string, serverID uuid.UUID) ([]workflow.StatusView, error) {
	path := "/v1/workflows"
	params := make([]string, 0, 2)
	if status != "" {
		params = append(params, "status="+status)
	}
	if serverID != uuid.Nil {
		params = append(params, "server_id="+serverID.String())
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var resp struct {
		Workflows []workflow.StatusView `json:"workflows"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Workflows, err
}

// StartBatch creates and starts one workflow per server with bounded
// parallelism.
func (c *Client) StartBatch(ctx context.Context, pipeline string, servers []Server, maxParallel int) ([]uuid.UUID, error) {
	payload := map[string]any{
		"pipeline":     pipeline,
		"max_parallel": maxParallel,
		"servers":      servers,
	}
	var resp struct {
		WorkflowIDs []uuid.UUID `json:"workflow_ids"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/workflows/batch", payload, &resp)
	return resp.WorkflowIDs, err
}

// Watch streams progress events for one workflow, invoking fn per event
// until the stream ends or ctx is cancelled.
func (c *Client) Watch(ctx context.Context, id uuid.UUID, fn func(workflow.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/workflows/%s/events", c.base, id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; the default timeout would sever it.
	hc := &http.Client{}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return fmt.Errorf("metald API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev workflow.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("metald API returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("metald API returned %d", resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal(body, dest)
}
