package hardware

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"metald/services/decision"
)

type fakeClient struct {
	caps     decision.Capabilities
	probeErr error
	applied  []string
	applyErr error
}

func (f *fakeClient) ProbeCapabilities(ctx context.Context, target string) (decision.Capabilities, error) {
	if f.probeErr != nil {
		return decision.Capabilities{}, f.probeErr
	}
	return f.caps, nil
}

func (f *fakeClient) ApplySetting(ctx context.Context, target string, s decision.Setting) error {
	f.applied = append(f.applied, s.Name)
	return f.applyErr
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestRegistryProbeMergesSurfaces(t *testing.T) {
	reg, err := NewRegistry(map[decision.Method]Client{
		decision.MethodRedfish: &fakeClient{caps: decision.Capabilities{Redfish: true, Vendor: "dell"}},
		decision.MethodIPMI:    &fakeClient{caps: decision.Capabilities{IPMI: true}},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	caps, err := reg.Probe(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !caps.Redfish || !caps.IPMI || caps.VendorTool {
		t.Fatalf("caps = %+v", caps)
	}
	if caps.Vendor != "dell" {
		t.Fatalf("vendor = %q, want dell", caps.Vendor)
	}
}

func TestRegistryProbeFailureMeansAbsent(t *testing.T) {
	reg, err := NewRegistry(map[decision.Method]Client{
		decision.MethodRedfish: &fakeClient{probeErr: errors.New("connection refused")},
		decision.MethodIPMI:    &fakeClient{caps: decision.Capabilities{IPMI: true}},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	caps, err := reg.Probe(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if caps.Redfish || !caps.IPMI {
		t.Fatalf("caps = %+v", caps)
	}
}

func TestRegistryProbeAllUnreachable(t *testing.T) {
	reg, err := NewRegistry(map[decision.Method]Client{
		decision.MethodRedfish: &fakeClient{probeErr: errors.New("refused")},
		decision.MethodIPMI:    &fakeClient{probeErr: errors.New("refused")},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if _, err := reg.Probe(context.Background(), "10.0.0.5"); err == nil {
		t.Fatal("Probe() expected error when no surface answers")
	}
}

func TestRegistryValidation(t *testing.T) {
	if _, err := NewRegistry(nil, testLogger()); err == nil {
		t.Fatal("NewRegistry() accepted empty client map")
	}
	if _, err := NewRegistry(map[decision.Method]Client{"telnet": &fakeClient{}}, testLogger()); err == nil {
		t.Fatal("NewRegistry() accepted unknown method")
	}
}

func TestAppliersAdaptClients(t *testing.T) {
	fc := &fakeClient{}
	reg, err := NewRegistry(map[decision.Method]Client{decision.MethodIPMI: fc}, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	appliers := reg.Appliers()
	applier, ok := appliers[decision.MethodIPMI]
	if !ok {
		t.Fatal("ipmi applier missing")
	}
	if err := applier.Apply(context.Background(), "10.0.0.5", decision.Setting{Name: "boot_mode", Value: "uefi"}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(fc.applied) != 1 || fc.applied[0] != "boot_mode" {
		t.Fatalf("applied = %v", fc.applied)
	}
}

func TestIPMICommandMapping(t *testing.T) {
	tests := []struct {
		name    string
		setting decision.Setting
		want    string
		wantErr bool
	}{
		{
			name:    "uefi boot mode",
			setting: decision.Setting{Name: "boot_mode", Value: "UEFI"},
			want:    "chassis bootdev disk options=persistent,efiboot",
		},
		{
			name:    "legacy boot mode",
			setting: decision.Setting{Name: "boot_mode", Value: "legacy"},
			want:    "chassis bootdev disk options=persistent",
		},
		{
			name:    "boot order",
			setting: decision.Setting{Name: "boot_order", Value: "PXE"},
			want:    "chassis bootdev pxe options=persistent",
		},
		{
			name:    "power restore policy",
			setting: decision.Setting{Name: "power_restore_policy", Value: "always-on"},
			want:    "chassis policy always-on",
		},
		{
			name:    "unmapped setting",
			setting: decision.Setting{Name: "numa_mode", Value: "flat"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ipmiCommandFor(tt.setting)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ipmiCommandFor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("command = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolFor(t *testing.T) {
	if tool, ok := ToolFor(" Dell "); !ok || tool != "racadm" {
		t.Fatalf("ToolFor(dell) = %q, %v", tool, ok)
	}
	if _, ok := ToolFor("acme"); ok {
		t.Fatal("ToolFor(acme) resolved unexpectedly")
	}
}
