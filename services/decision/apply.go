package decision

import (
	"context"
	"fmt"
	"strings"
)

// Applier applies one setting to one target through a single concrete
// method. Implementations live behind the hardware client boundary.
type Applier interface {
	Apply(ctx context.Context, target string, setting Setting) error
}

// MethodError records one failed application attempt for a setting.
type MethodError struct {
	Method Method
	Err    error
}

// SettingFailure is a setting that exhausted its whole fallback chain.
type SettingFailure struct {
	Setting  string
	Attempts []MethodError
}

// ApplyError aggregates every hard setting failure from a plan execution.
type ApplyError struct {
	Failures []SettingFailure
}

func (e *ApplyError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Setting)
	}
	return fmt.Sprintf("settings failed on every method: %s", strings.Join(names, ", "))
}

// Apply executes a plan: batches in order, every setting in a batch through
// the batch method, and individual failures walked down their fallback
// chains. It succeeds only when every setting succeeded through some
// method. The report callback receives a human-readable line per attempt.
func Apply(ctx context.Context, appliers map[Method]Applier, target string, plan Plan, report func(string)) error {
	if report == nil {
		report = func(string) {}
	}

	type pending struct {
		setting  Setting
		rest     []Method
		attempts []MethodError
	}
	var retries []pending

	for _, batch := range plan.Batches {
		applier, ok := appliers[batch.Method]
		if !ok {
			return fmt.Errorf("no applier registered for method %s", batch.Method)
		}
		for _, s := range batch.Settings {
			if err := ctx.Err(); err != nil {
				return err
			}
			report(fmt.Sprintf("applying %s via %s", s.Name, batch.Method))
			err := applier.Apply(ctx, target, s)
			if err == nil {
				continue
			}
			report(fmt.Sprintf("%s failed via %s: %v", s.Name, batch.Method, err))
			retries = append(retries, pending{
				setting:  s,
				rest:     plan.Fallbacks[s.Name],
				attempts: []MethodError{{Method: batch.Method, Err: err}},
			})
		}
	}

	var failures []SettingFailure
	for _, p := range retries {
		recovered := false
		for _, m := range p.rest {
			if err := ctx.Err(); err != nil {
				return err
			}
			applier, ok := appliers[m]
			if !ok {
				p.attempts = append(p.attempts, MethodError{Method: m, Err: fmt.Errorf("no applier registered")})
				continue
			}
			report(fmt.Sprintf("retrying %s via fallback %s", p.setting.Name, m))
			err := applier.Apply(ctx, target, p.setting)
			if err == nil {
				recovered = true
				break
			}
			report(fmt.Sprintf("%s failed via %s: %v", p.setting.Name, m, err))
			p.attempts = append(p.attempts, MethodError{Method: m, Err: err})
		}
		if !recovered {
			failures = append(failures, SettingFailure{Setting: p.setting.Name, Attempts: p.attempts})
		}
	}

	if len(failures) > 0 {
		return &ApplyError{Failures: failures}
	}
	return nil
}
