package provision

import (
	"testing"
	"time"

	"metald/services/decision"
)

const sampleTemplates = `
device_types:
  dell-r650:
    vendor: dell
    settings:
      boot_mode:
        value: uefi
        preferred_method: redfish
      fan_profile:
        value: quiet
        candidate_methods: [vendor_tool]
        latency:
          vendor_tool: 45s
      sol_enabled:
        value: "true"
    firmware:
      - component: BMC
        version: "7.10"
        key: firmware/dell/bmc-7.10.bin
        sha256: abc123
  generic:
    vendor: unknown
    settings:
      boot_order:
        value: pxe
`

func TestParseTemplates(t *testing.T) {
	set, err := ParseTemplates([]byte(sampleTemplates))
	if err != nil {
		t.Fatalf("ParseTemplates() error = %v", err)
	}

	tmpl, ok := set.For("dell-r650")
	if !ok {
		t.Fatal("dell-r650 template missing")
	}
	if tmpl.Vendor != "dell" {
		t.Fatalf("vendor = %q, want dell", tmpl.Vendor)
	}
	if len(tmpl.Firmware) != 1 || tmpl.Firmware[0].Component != "BMC" {
		t.Fatalf("firmware = %+v", tmpl.Firmware)
	}

	fan, ok := tmpl.Settings["fan_profile"]
	if !ok {
		t.Fatal("fan_profile setting missing")
	}
	if got := time.Duration(fan.Latency[decision.MethodVendorTool]); got != 45*time.Second {
		t.Fatalf("latency = %s, want 45s", got)
	}

	if _, ok := set.For("hpe-dl380"); ok {
		t.Fatal("unknown device type resolved")
	}
}

func TestParseTemplatesValidation(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "empty document",
			input: `device_types: {}`,
		},
		{
			name: "setting without value",
			input: `
device_types:
  x:
    settings:
      boot_mode: {}
`,
		},
		{
			name: "unknown preferred method",
			input: `
device_types:
  x:
    settings:
      boot_mode:
        value: uefi
        preferred_method: telnet
`,
		},
		{
			name: "unknown candidate method",
			input: `
device_types:
  x:
    settings:
      boot_mode:
        value: uefi
        candidate_methods: [ssh]
`,
		},
		{
			name: "firmware without key",
			input: `
device_types:
  x:
    settings:
      boot_mode:
        value: uefi
    firmware:
      - component: BIOS
        version: "1.2"
`,
		},
		{
			name: "bad duration",
			input: `
device_types:
  x:
    settings:
      boot_mode:
        value: uefi
        latency:
          redfish: fast
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTemplates([]byte(tt.input)); err == nil {
				t.Fatal("ParseTemplates() expected error")
			}
		})
	}
}

func TestDecisionSettingsDeterministic(t *testing.T) {
	set, err := ParseTemplates([]byte(sampleTemplates))
	if err != nil {
		t.Fatalf("ParseTemplates() error = %v", err)
	}
	tmpl, _ := set.For("dell-r650")

	first := tmpl.DecisionSettings()
	if len(first) != 3 {
		t.Fatalf("settings = %d, want 3", len(first))
	}
	// Sorted by name regardless of map iteration order.
	want := []string{"boot_mode", "fan_profile", "sol_enabled"}
	for i := 0; i < 10; i++ {
		got := tmpl.DecisionSettings()
		for j, s := range got {
			if s.Name != want[j] {
				t.Fatalf("settings order = %v", names(got))
			}
		}
	}

	bootMode := first[0]
	if bootMode.PreferredMethod != decision.MethodRedfish || bootMode.Value != "uefi" {
		t.Fatalf("boot_mode = %+v", bootMode)
	}
}

func names(settings []decision.Setting) []string {
	out := make([]string, len(settings))
	for i, s := range settings {
		out[i] = s.Name
	}
	return out
}
