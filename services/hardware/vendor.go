package hardware

import (
	"context"
	"fmt"
	"strings"

	"metald/services/decision"
	"metald/services/remote"
)

// vendorTools maps a probed vendor name to its configuration CLI.
var vendorTools = map[string]string{
	"dell":       "racadm",
	"hpe":        "conrep",
	"lenovo":     "onecli",
	"supermicro": "sum",
}

// ToolFor returns the configuration CLI for a vendor name, false when the
// vendor has no known tool.
func ToolFor(vendor string) (string, bool) {
	tool, ok := vendorTools[strings.ToLower(strings.TrimSpace(vendor))]
	return tool, ok
}

// VendorToolClient shells out to a vendor configuration CLI through a
// remote runner. The tool name comes from the device template or the
// capability probe.
type VendorToolClient struct {
	runner remote.Runner
	tool   string
	vendor string
}

// NewVendorToolClient builds a client for one vendor tool.
func NewVendorToolClient(runner remote.Runner, vendor, tool string) (*VendorToolClient, error) {
	if tool == "" {
		return nil, fmt.Errorf("no vendor tool configured for %q", vendor)
	}
	return &VendorToolClient{runner: runner, tool: tool, vendor: vendor}, nil
}

// ProbeCapabilities checks the tool is present and talking to the device.
func (c *VendorToolClient) ProbeCapabilities(ctx context.Context, target string) (decision.Capabilities, error) {
	res, err := c.runner.Exec(ctx, target, fmt.Sprintf("%s version", c.tool))
	if err != nil {
		return decision.Capabilities{}, err
	}
	if res.ExitCode != 0 {
		return decision.Capabilities{}, fmt.Errorf("%s not usable on %s (exit %d)", c.tool, target, res.ExitCode)
	}
	return decision.Capabilities{VendorTool: true, Vendor: c.vendor}, nil
}

// ApplySetting invokes the tool's set command for one attribute.
func (c *VendorToolClient) ApplySetting(ctx context.Context, target string, setting decision.Setting) error {
	command := fmt.Sprintf("%s set %s %s", c.tool, setting.Name, setting.Value)
	res, err := c.runner.Exec(ctx, target, command)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d applying %s: %s", c.tool, res.ExitCode, setting.Name, strings.TrimSpace(res.Stderr))
	}
	return nil
}
