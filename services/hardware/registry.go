// Package hardware holds the method-tagged client boundary between the
// workflow core and concrete device protocols. The decision engine only
// ever sees capability flags; everything protocol-shaped stays behind the
// Client interface.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"log"

	"metald/services/decision"
)

// Client is one management surface (Redfish, vendor tool, IPMI) for a
// device. Probe failures mean "surface absent", not "workflow failed".
type Client interface {
	ProbeCapabilities(ctx context.Context, target string) (decision.Capabilities, error)
	ApplySetting(ctx context.Context, target string, setting decision.Setting) error
}

// Registry resolves clients by method for one workflow. It is built per
// workflow because clients carry that target's credentials.
type Registry struct {
	clients map[decision.Method]Client
	logger  *log.Logger
}

// NewRegistry wires clients by method.
func NewRegistry(clients map[decision.Method]Client, logger *log.Logger) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one hardware client is required")
	}
	for m := range clients {
		if !m.Valid() {
			return nil, fmt.Errorf("unknown method %q", m)
		}
	}
	if logger == nil {
		logger = log.Default()
	}
	copied := make(map[decision.Method]Client, len(clients))
	for m, c := range clients {
		copied[m] = c
	}
	return &Registry{clients: copied, logger: logger}, nil
}

// Client returns the client registered for m.
func (r *Registry) Client(m decision.Method) (Client, bool) {
	c, ok := r.clients[m]
	return c, ok
}

// Appliers adapts the registry for plan execution.
func (r *Registry) Appliers() map[decision.Method]decision.Applier {
	out := make(map[decision.Method]decision.Applier, len(r.clients))
	for m, c := range r.clients {
		out[m] = applierAdapter{method: m, client: c}
	}
	return out
}

type applierAdapter struct {
	method decision.Method
	client Client
}

func (a applierAdapter) Apply(ctx context.Context, target string, setting decision.Setting) error {
	err := a.client.ApplySetting(ctx, target, setting)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	settingsApplied.WithLabelValues(string(a.method), outcome).Inc()
	return err
}

// Probe merges the capability reports of every registered client. A
// surface whose probe fails is marked unsupported and logged; only having
// zero reachable surfaces is an error.
func (r *Registry) Probe(ctx context.Context, target string) (decision.Capabilities, error) {
	var caps decision.Capabilities
	reachable := 0

	for _, m := range decision.Methods() {
		client, ok := r.clients[m]
		if !ok {
			continue
		}
		probed, err := client.ProbeCapabilities(ctx, target)
		if err != nil {
			r.logger.Printf("INFO: %s probe failed for %s: %v", m, target, err)
			continue
		}
		reachable++
		caps.Redfish = caps.Redfish || probed.Redfish
		caps.VendorTool = caps.VendorTool || probed.VendorTool
		caps.IPMI = caps.IPMI || probed.IPMI
		if caps.Vendor == "" {
			caps.Vendor = probed.Vendor
		}
		if caps.Model == "" {
			caps.Model = probed.Model
		}
	}

	if reachable == 0 {
		return decision.Capabilities{}, fmt.Errorf("no management surface reachable on %s", target)
	}
	return caps, nil
}
