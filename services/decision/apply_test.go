package decision

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// scriptedApplier fails for the setting names listed in fail, succeeding
// otherwise, and records every attempt it sees.
type scriptedApplier struct {
	method   Method
	fail     map[string]bool
	attempts []string
}

func (a *scriptedApplier) Apply(ctx context.Context, target string, s Setting) error {
	a.attempts = append(a.attempts, s.Name)
	if a.fail[s.Name] {
		return fmt.Errorf("%s rejected %s", a.method, s.Name)
	}
	return nil
}

func TestApplyWalksFallbackChain(t *testing.T) {
	redfish := &scriptedApplier{method: MethodRedfish, fail: map[string]bool{"boot_mode": true}}
	ipmi := &scriptedApplier{method: MethodIPMI}
	appliers := map[Method]Applier{MethodRedfish: redfish, MethodIPMI: ipmi}

	plan := Plan{
		Batches: []MethodBatch{
			{Method: MethodRedfish, Settings: []Setting{
				{Name: "boot_mode", Value: "uefi"},
				{Name: "secure_boot", Value: "enabled"},
			}},
		},
		Fallbacks: map[string][]Method{
			"boot_mode":   {MethodIPMI},
			"secure_boot": {MethodIPMI},
		},
	}

	var lines []string
	err := Apply(context.Background(), appliers, "10.0.0.5", plan, func(s string) { lines = append(lines, s) })
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if got := len(redfish.attempts); got != 2 {
		t.Fatalf("redfish attempts = %d, want 2", got)
	}
	// Only the failed setting moves down its chain.
	if len(ipmi.attempts) != 1 || ipmi.attempts[0] != "boot_mode" {
		t.Fatalf("ipmi attempts = %v, want [boot_mode]", ipmi.attempts)
	}
	if len(lines) == 0 {
		t.Fatal("expected progress lines")
	}
}

func TestApplyAggregatesHardFailures(t *testing.T) {
	redfish := &scriptedApplier{method: MethodRedfish, fail: map[string]bool{"boot_mode": true}}
	ipmi := &scriptedApplier{method: MethodIPMI, fail: map[string]bool{"boot_mode": true}}
	appliers := map[Method]Applier{MethodRedfish: redfish, MethodIPMI: ipmi}

	plan := Plan{
		Batches: []MethodBatch{
			{Method: MethodRedfish, Settings: []Setting{{Name: "boot_mode", Value: "uefi"}}},
		},
		Fallbacks: map[string][]Method{"boot_mode": {MethodIPMI}},
	}

	err := Apply(context.Background(), appliers, "10.0.0.5", plan, nil)
	var applyErr *ApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("Apply() error = %v, want *ApplyError", err)
	}
	if len(applyErr.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(applyErr.Failures))
	}
	f := applyErr.Failures[0]
	if f.Setting != "boot_mode" || len(f.Attempts) != 2 {
		t.Fatalf("failure = %+v", f)
	}
	if f.Attempts[0].Method != MethodRedfish || f.Attempts[1].Method != MethodIPMI {
		t.Fatalf("attempt methods = %v, %v", f.Attempts[0].Method, f.Attempts[1].Method)
	}
}

func TestApplyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	applier := &scriptedApplier{method: MethodRedfish}
	plan := Plan{
		Batches:   []MethodBatch{{Method: MethodRedfish, Settings: []Setting{{Name: "boot_mode", Value: "uefi"}}}},
		Fallbacks: map[string][]Method{"boot_mode": nil},
	}

	err := Apply(ctx, map[Method]Applier{MethodRedfish: applier}, "10.0.0.5", plan, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Apply() error = %v, want context.Canceled", err)
	}
	if len(applier.attempts) != 0 {
		t.Fatalf("attempts = %v, want none after cancel", applier.attempts)
	}
}

func TestApplyMissingApplier(t *testing.T) {
	plan := Plan{
		Batches:   []MethodBatch{{Method: MethodVendorTool, Settings: []Setting{{Name: "fan_profile", Value: "quiet"}}}},
		Fallbacks: map[string][]Method{"fan_profile": nil},
	}
	err := Apply(context.Background(), map[Method]Applier{}, "10.0.0.5", plan, nil)
	if err == nil {
		t.Fatal("Apply() expected error for missing applier")
	}
}
