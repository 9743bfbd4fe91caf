package decision

import "time"

// Method identifies one way of applying a hardware configuration setting.
type Method string

const (
	MethodRedfish    Method = "redfish"
	MethodVendorTool Method = "vendor_tool"
	MethodIPMI       Method = "ipmi"
)

// Methods lists every known method in canonical order.
func Methods() []Method {
	return []Method{MethodRedfish, MethodVendorTool, MethodIPMI}
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodRedfish, MethodVendorTool, MethodIPMI:
		return true
	}
	return false
}

// Capabilities describes the management surfaces a probed device exposes.
// The planner only ever reasons over these flags, never over concrete
// vendor client types.
type Capabilities struct {
	Redfish    bool   `json:"redfish"`
	VendorTool bool   `json:"vendor_tool"`
	IPMI       bool   `json:"ipmi"`
	Vendor     string `json:"vendor,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Supports reports whether the device can be reached through m.
func (c Capabilities) Supports(m Method) bool {
	switch m {
	case MethodRedfish:
		return c.Redfish
	case MethodVendorTool:
		return c.VendorTool
	case MethodIPMI:
		return c.IPMI
	}
	return false
}

// Setting is one BIOS/firmware/IPMI knob together with the metadata the
// planner needs to pick an application method for it.
type Setting struct {
	Name string
	// Value is the desired value, serialized the way the applying client
	// expects it.
	Value string
	// CandidateMethods restricts which methods may be considered. Empty
	// means every capability-supported method is a candidate.
	CandidateMethods []Method
	// PreferredMethod comes from the device template; it wins outright
	// when the device supports it.
	PreferredMethod Method
	// Latency holds per-method duration estimates used for ranking.
	// Methods without an entry fall back to built-in defaults.
	Latency map[Method]time.Duration
}

// MethodBatch groups settings that share a first-choice method so session
// setup cost is paid once per batch instead of once per setting.
type MethodBatch struct {
	Method   Method
	Settings []Setting
}

// Plan is the ordered application strategy produced for a set of settings.
// Batches are attempted in order; Fallbacks names, per setting, the methods
// left to try when the batch method fails for that specific setting.
type Plan struct {
	Batches   []MethodBatch
	Fallbacks map[string][]Method
}

// SettingFor returns the planned setting by name, searching every batch.
func (p Plan) SettingFor(name string) (Setting, Method, bool) {
	for _, b := range p.Batches {
		for _, s := range b.Settings {
			if s.Name == name {
				return s, b.Method, true
			}
		}
	}
	return Setting{}, "", false
}
