package hardware

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"metald/pkg/secrets"
	"metald/services/decision"
)

const redfishBiosSettingsPath = "/redfish/v1/Systems/Self/Bios/Settings"

// RedfishClient applies settings through the Redfish BIOS attribute
// resource. BMCs almost universally ship self-signed certificates, so
// verification is skipped on this management-network-only client.
type RedfishClient struct {
	cred secrets.Credential
	hc   *http.Client
}

// NewRedfishClient builds a client bound to one target's credentials.
func NewRedfishClient(cred secrets.Credential) *RedfishClient {
	return &RedfishClient{
		cred: cred,
		hc: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// ProbeCapabilities checks whether the service root answers.
func (c *RedfishClient) ProbeCapabilities(ctx context.Context, target string) (decision.Capabilities, error) {
	body, err := c.do(ctx, http.MethodGet, target, "/redfish/v1/", nil)
	if err != nil {
		return decision.Capabilities{}, err
	}

	var root struct {
		Vendor string `json:"Vendor"`
	}
	_ = json.Unmarshal(body, &root)

	return decision.Capabilities{Redfish: true, Vendor: root.Vendor}, nil
}

// ApplySetting patches one BIOS attribute into the pending settings
// resource.
func (c *RedfishClient) ApplySetting(ctx context.Context, target string, setting decision.Setting) error {
	payload := map[string]any{
		"Attributes": map[string]any{setting.Name: setting.Value},
	}
	_, err := c.do(ctx, http.MethodPatch, target, redfishBiosSettingsPath, payload)
	return err
}

func (c *RedfishClient) do(ctx context.Context, method, target, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("https://%s%s", target, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cred.Username, c.cred.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("redfish %s %s returned %d", method, path, resp.StatusCode)
	}
	return body, nil
}
