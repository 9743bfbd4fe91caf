package hardware

import (
	"context"
	"fmt"
	"strings"

	"metald/pkg/secrets"
	"metald/services/decision"
	"metald/services/remote"
)

// IPMIClient drives ipmitool through a remote runner. IPMI is the
// universal fallback surface, but it can only express a narrow set of
// settings; everything else reports an unsupported error so the fallback
// chain moves on or records a hard failure.
type IPMIClient struct {
	runner remote.Runner
	cred   secrets.Credential
}

// NewIPMIClient builds a client bound to one target's credentials.
func NewIPMIClient(runner remote.Runner, cred secrets.Credential) *IPMIClient {
	return &IPMIClient{runner: runner, cred: cred}
}

// ProbeCapabilities checks whether the BMC answers basic IPMI commands.
func (c *IPMIClient) ProbeCapabilities(ctx context.Context, target string) (decision.Capabilities, error) {
	res, err := c.run(ctx, target, "mc info")
	if err != nil {
		return decision.Capabilities{}, err
	}
	if res.ExitCode != 0 {
		return decision.Capabilities{}, fmt.Errorf("ipmitool mc info exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return decision.Capabilities{IPMI: true}, nil
}

// ApplySetting maps the setting onto an ipmitool command where one exists.
func (c *IPMIClient) ApplySetting(ctx context.Context, target string, setting decision.Setting) error {
	command, err := ipmiCommandFor(setting)
	if err != nil {
		return err
	}
	res, err := c.run(ctx, target, command)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ipmitool exited %d applying %s: %s", res.ExitCode, setting.Name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (c *IPMIClient) run(ctx context.Context, target, command string) (remote.Result, error) {
	full := fmt.Sprintf("ipmitool -I lanplus -H %s -U %s -P %s %s", target, c.cred.Username, c.cred.Password, command)
	return c.runner.Exec(ctx, target, full)
}

func ipmiCommandFor(setting decision.Setting) (string, error) {
	switch setting.Name {
	case "boot_mode":
		opts := "options=persistent"
		if strings.EqualFold(setting.Value, "uefi") {
			opts = "options=persistent,efiboot"
		}
		return fmt.Sprintf("chassis bootdev disk %s", opts), nil
	case "boot_order":
		return fmt.Sprintf("chassis bootdev %s options=persistent", strings.ToLower(setting.Value)), nil
	case "power_restore_policy":
		return fmt.Sprintf("chassis policy %s", strings.ToLower(setting.Value)), nil
	case "sol_enabled":
		return fmt.Sprintf("sol set enabled %s", strings.ToLower(setting.Value)), nil
	}
	return "", fmt.Errorf("setting %s has no IPMI mapping", setting.Name)
}
