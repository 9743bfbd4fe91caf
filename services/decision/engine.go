package decision

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Default latency estimates applied when a setting carries none. They bias
// ranking toward Redfish when it is supported and keep IPMI as the slow
// universal fallback.
var defaultLatency = map[Method]time.Duration{
	MethodRedfish:    2 * time.Second,
	MethodVendorTool: 30 * time.Second,
	MethodIPMI:       15 * time.Second,
}

// Reliability penalties added to the latency score. Lower is better.
// Redfish is the most predictable surface when the capability probe saw it,
// vendor tools sit in the middle, raw IPMI writes are the least reliable.
var reliabilityPenalty = map[Method]time.Duration{
	MethodRedfish:    0,
	MethodVendorTool: 5 * time.Second,
	MethodIPMI:       20 * time.Second,
}

// redfishNamePattern matches setting names that follow common Redfish BIOS
// attribute naming, used to place unknown settings on Redfish first.
var redfishNamePattern = regexp.MustCompile(`(?i)^(boot_?mode|boot_?order|secure_?boot|pxe|sriov|tpm|uefi|bios_|redfish_)`)

// NoMethodError is returned from Plan when a setting cannot be applied by
// any method the device supports. Callers treat it as a configuration
// failure, not a transient one.
type NoMethodError struct {
	Setting string
}

func (e *NoMethodError) Error() string {
	return fmt.Sprintf("no supported configuration method for setting %q", e.Setting)
}

// Engine turns device capabilities plus desired settings into an execution
// plan. It holds no state and performs no I/O, so one instance can be shared
// freely and plans are deterministic for identical inputs.
type Engine struct{}

// NewEngine returns a ready planner.
func NewEngine() *Engine {
	return &Engine{}
}

// Plan computes the method chain for every setting, groups settings by first
// choice into ordered batches, and records the remaining chain of each
// setting as its fallback path.
func (e *Engine) Plan(caps Capabilities, settings []Setting) (Plan, error) {
	plan := Plan{Fallbacks: make(map[string][]Method, len(settings))}

	chains := make(map[string][]Method, len(settings))
	for _, s := range settings {
		chain, err := e.methodChain(caps, s)
		if err != nil {
			return Plan{}, err
		}
		chains[s.Name] = chain
		plan.Fallbacks[s.Name] = chain[1:]
	}

	// Group by first-choice method, preserving the caller's setting order
	// inside each batch.
	grouped := make(map[Method][]Setting)
	for _, s := range settings {
		first := chains[s.Name][0]
		grouped[first] = append(grouped[first], s)
	}

	batches := make([]MethodBatch, 0, len(grouped))
	for _, m := range Methods() {
		if members, ok := grouped[m]; ok {
			batches = append(batches, MethodBatch{Method: m, Settings: members})
		}
	}

	// Fast batches run first. The score of a batch is the cheapest latency
	// estimate among its members for the batch method; the canonical method
	// order above already broke grouping-map nondeterminism, the stable sort
	// keeps it that way on ties.
	sort.SliceStable(batches, func(i, j int) bool {
		return batchScore(batches[i]) < batchScore(batches[j])
	})

	plan.Batches = batches
	return plan, nil
}

// methodChain returns the full ordered method list for one setting: the
// first entry is the batch method, the rest are fallbacks.
func (e *Engine) methodChain(caps Capabilities, s Setting) ([]Method, error) {
	candidates := s.CandidateMethods
	if len(candidates) == 0 {
		candidates = Methods()
	}

	supported := make([]Method, 0, len(candidates))
	for _, m := range candidates {
		if m.Valid() && caps.Supports(m) {
			supported = append(supported, m)
		}
	}
	// IPMI is the universal last resort even when the caller's candidate
	// list omitted it.
	if caps.Supports(MethodIPMI) && !containsMethod(supported, MethodIPMI) {
		supported = append(supported, MethodIPMI)
	}
	if len(supported) == 0 {
		return nil, &NoMethodError{Setting: s.Name}
	}

	if s.PreferredMethod != "" && caps.Supports(s.PreferredMethod) && containsMethod(supported, s.PreferredMethod) {
		return promoteMethod(e.rank(s, supported), s.PreferredMethod), nil
	}

	ranked := e.rank(s, supported)
	if s.PreferredMethod == "" && len(s.CandidateMethods) == 0 && len(s.Latency) == 0 {
		// Nothing known about this setting: fall back to the naming
		// heuristic before the latency ranking.
		if h, ok := e.heuristicFirst(caps, s); ok {
			ranked = promoteMethod(ranked, h)
		}
	}
	return ranked, nil
}

// rank orders supported methods by estimated latency plus the reliability
// penalty. Stable sort on the canonical method order keeps the result
// deterministic.
func (e *Engine) rank(s Setting, supported []Method) []Method {
	ranked := make([]Method, len(supported))
	copy(ranked, supported)
	sort.SliceStable(ranked, func(i, j int) bool {
		return e.score(s, ranked[i]) < e.score(s, ranked[j])
	})
	return ranked
}

func (e *Engine) score(s Setting, m Method) time.Duration {
	latency, ok := s.Latency[m]
	if !ok {
		latency = defaultLatency[m]
	}
	return latency + reliabilityPenalty[m]
}

// heuristicFirst picks a first method for settings with no template entry:
// Redfish-looking names go to Redfish, everything else to the vendor tool.
func (e *Engine) heuristicFirst(caps Capabilities, s Setting) (Method, bool) {
	if caps.Redfish && redfishNamePattern.MatchString(s.Name) {
		return MethodRedfish, true
	}
	if caps.VendorTool {
		return MethodVendorTool, true
	}
	return "", false
}

func promoteMethod(chain []Method, m Method) []Method {
	out := make([]Method, 0, len(chain))
	out = append(out, m)
	for _, c := range chain {
		if c != m {
			out = append(out, c)
		}
	}
	return out
}

func containsMethod(methods []Method, m Method) bool {
	for _, c := range methods {
		if c == m {
			return true
		}
	}
	return false
}

func batchScore(b MethodBatch) time.Duration {
	e := Engine{}
	best := time.Duration(1<<63 - 1)
	for _, s := range b.Settings {
		if score := e.score(s, b.Method); score < best {
			best = score
		}
	}
	return best
}
