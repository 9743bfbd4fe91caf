// Package commission wraps the MaaS-like inventory/commissioning API the
// orchestrator drives. Only the interface is part of the core; the HTTP
// implementation here is the default boundary adapter.
package commission

import (
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
)

// ErrNotYetAssigned is returned by IP while the commissioning system has
// not handed the server an address yet.
var ErrNotYetAssigned = errors.New("ip address not yet assigned")

// Result is the outcome of a commissioning request.
type Result struct {
	SystemID string         `json:"system_id"`
	Status   string         `json:"status"`
	Facts    map[string]any `json:"facts,omitempty"`
}

// Client is the commissioning/inventory source consumed by pipelines.
type Client interface {
	Commission(ctx context.Context, serverID uuid.UUID) (Result, error)
	IP(ctx context.Context, serverID uuid.UUID) (string, error)
}

// HTTPClient talks to the commissioning API over HTTP with token auth.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPClient validates the endpoint and returns a ready client.
func NewHTTPClient(baseURL, token string) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("commissioning base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("commissioning base URL must include a scheme: %q", baseURL)
	}
	return &HTTPClient{
		base:   baseURL,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Commission asks the inventory system to power-cycle and inventory the
// server.
func (c *HTTPClient) Commission(ctx context.Context, serverID uuid.UUID) (Result, error) {
	url := fmt.Sprintf("%s/v1/servers/%s/commission", c.base, serverID)
	body, err := c.do(ctx, http.MethodPost, url, map[string]any{})
	if err != nil {
		return Result{}, err
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, fmt.Errorf("decode commission response: %w", err)
	}
	return res, nil
}

// IP fetches the address the commissioning system assigned to the server.
func (c *HTTPClient) IP(ctx context.Context, serverID uuid.UUID) (string, error) {
	url := fmt.Sprintf("%s/v1/servers/%s/address", c.base, serverID)
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusConflict) {
			return "", ErrNotYetAssigned
		}
		return "", err
	}

	var res struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode address response: %w", err)
	}
	if res.IP == "" {
		return "", ErrNotYetAssigned
	}
	return res.IP, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("commissioning API returned %d: %s", e.code, e.body)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
