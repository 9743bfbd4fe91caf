// Package provision defines metald's built-in pipelines: the full
// provision flow plus the configure-bios and update-firmware subsets.
// Steps reach collaborators through the Deps captured at registration and
// pass intermediate results forward through the workflow context's shared
// state, under the keys documented below.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"metald/services/commission"
	"metald/services/decision"
	"metald/services/hardware"
	"metald/services/remote"
	"metald/services/workflow"
)

// Shared-state keys written and read by the steps in this package.
const (
	// KeyBMCAddr is the management address discovered during
	// commissioning; every hardware step targets it.
	KeyBMCAddr = "bmc_addr"
	// KeyCapabilities holds the merged decision.Capabilities from the
	// discovery probe.
	KeyCapabilities = "capabilities"
	// KeyCommissionFacts holds the fact map returned by commissioning.
	KeyCommissionFacts = "commission_facts"
)

const addressPollInterval = 5 * time.Second

// Deps bundles the collaborators the pipelines need. Firmware may be nil
// when no artifact store is configured; the firmware step then skips.
type Deps struct {
	Commission commission.Client
	Runner     remote.Runner
	Engine     *decision.Engine
	Templates  *TemplateSet
	Firmware   *FirmwareStore
	Logger     *log.Logger
}

func (d *Deps) validate() error {
	if d.Commission == nil {
		return errors.New("commissioning client is required")
	}
	if d.Runner == nil {
		return errors.New("remote runner is required")
	}
	if d.Engine == nil {
		return errors.New("decision engine is required")
	}
	if d.Templates == nil {
		return errors.New("device templates are required")
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	return nil
}

// Register adds the provision, configure-bios and update-firmware
// pipelines to the manager.
func Register(m *workflow.Manager, deps *Deps) error {
	if deps == nil {
		return errors.New("deps are required")
	}
	if err := deps.validate(); err != nil {
		return err
	}

	pipelines := []workflow.Pipeline{
		{Name: "provision", Steps: deps.provisionSteps},
		{Name: "configure-bios", Steps: deps.configureBIOSSteps},
		{Name: "update-firmware", Steps: deps.updateFirmwareSteps},
	}
	for _, p := range pipelines {
		if err := m.RegisterPipeline(p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deps) provisionSteps(c *workflow.Context) ([]workflow.Step, error) {
	tmpl, err := d.templateFor(c)
	if err != nil {
		return nil, err
	}
	return []workflow.Step{
		d.commissionStep(),
		d.awaitAddressStep(),
		d.discoverStep(tmpl),
		d.applySettingsStep(tmpl),
		d.firmwareStep(tmpl),
		d.verifyStep(tmpl),
	}, nil
}

func (d *Deps) configureBIOSSteps(c *workflow.Context) ([]workflow.Step, error) {
	tmpl, err := d.templateFor(c)
	if err != nil {
		return nil, err
	}
	return []workflow.Step{
		d.discoverStep(tmpl),
		d.applySettingsStep(tmpl),
		d.verifyStep(tmpl),
	}, nil
}

func (d *Deps) updateFirmwareSteps(c *workflow.Context) ([]workflow.Step, error) {
	tmpl, err := d.templateFor(c)
	if err != nil {
		return nil, err
	}
	return []workflow.Step{
		d.discoverStep(tmpl),
		d.firmwareStep(tmpl),
		d.verifyStep(tmpl),
	}, nil
}

func (d *Deps) templateFor(c *workflow.Context) (DeviceTemplate, error) {
	tmpl, ok := d.Templates.For(c.DeviceType)
	if !ok {
		return DeviceTemplate{}, fmt.Errorf("no device template for type %q", c.DeviceType)
	}
	return tmpl, nil
}

// registryFor builds the per-workflow hardware client registry carrying
// this target's credentials.
func (d *Deps) registryFor(c *workflow.Context, tmpl DeviceTemplate) (*hardware.Registry, error) {
	clients := map[decision.Method]hardware.Client{
		decision.MethodRedfish: hardware.NewRedfishClient(c.Credentials),
		decision.MethodIPMI:    hardware.NewIPMIClient(d.Runner, c.Credentials),
	}
	if tool, ok := hardware.ToolFor(tmpl.Vendor); ok {
		vt, err := hardware.NewVendorToolClient(d.Runner, tmpl.Vendor, tool)
		if err != nil {
			return nil, err
		}
		clients[decision.MethodVendorTool] = vt
	}
	return hardware.NewRegistry(clients, d.Logger)
}

func (d *Deps) commissionStep() workflow.Step {
	return workflow.Step{
		Name:       "commission",
		Timeout:    10 * time.Minute,
		MaxRetries: 2,
		Backoff:    5 * time.Second,
		Run: func(ctx context.Context, c *workflow.Context) error {
			c.ReportSubTask("requesting commissioning")
			res, err := d.Commission.Commission(ctx, c.ServerID)
			if err != nil {
				return workflow.WrapError(workflow.KindConnection, "verify the commissioning API endpoint and token", err)
			}
			c.ReportSubTask(fmt.Sprintf("commissioning accepted (system %s, status %s)", res.SystemID, res.Status))
			if res.Facts != nil {
				c.Set(KeyCommissionFacts, res.Facts)
			}
			return nil
		},
	}
}

func (d *Deps) awaitAddressStep() workflow.Step {
	return workflow.Step{
		Name:       "await-address",
		Timeout:    15 * time.Minute,
		MaxRetries: 1,
		Backoff:    10 * time.Second,
		Run: func(ctx context.Context, c *workflow.Context) error {
			c.ReportSubTask("waiting for management address assignment")
			ticker := time.NewTicker(addressPollInterval)
			defer ticker.Stop()
			for {
				ip, err := d.Commission.IP(ctx, c.ServerID)
				switch {
				case err == nil:
					c.Set(KeyBMCAddr, ip)
					c.ReportSubTask(fmt.Sprintf("management address assigned: %s", ip))
					return nil
				case errors.Is(err, commission.ErrNotYetAssigned):
					// keep polling
				default:
					return workflow.WrapError(workflow.KindConnection, "verify the commissioning API endpoint and token", err)
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		},
	}
}

func (d *Deps) discoverStep(tmpl DeviceTemplate) workflow.Step {
	return workflow.Step{
		Name:       "discover-hardware",
		Timeout:    2 * time.Minute,
		MaxRetries: 2,
		Backoff:    3 * time.Second,
		Run: func(ctx context.Context, c *workflow.Context) error {
			target, err := d.targetFor(c)
			if err != nil {
				return err
			}

			reg, err := d.registryFor(c, tmpl)
			if err != nil {
				return workflow.WrapError(workflow.KindConfiguration, "check the device template vendor entry", err)
			}

			c.ReportSubTask(fmt.Sprintf("probing management surfaces on %s", target))
			caps, err := reg.Probe(ctx, target)
			if err != nil {
				return workflow.WrapError(workflow.KindConnection, "verify BMC reachability and credentials", err)
			}
			c.Set(KeyCapabilities, caps)
			c.ReportSubTask(fmt.Sprintf("capabilities: redfish=%t vendor_tool=%t ipmi=%t", caps.Redfish, caps.VendorTool, caps.IPMI))

			// Inventory collection is desirable but not load-bearing.
			if res, err := d.Runner.Exec(ctx, target, "dmidecode -t system"); err == nil && res.ExitCode == 0 {
				c.ReportSubTask("collected system inventory")
			} else {
				d.Logger.Printf("INFO: inventory collection skipped for %s", c.ServerID)
			}
			return nil
		},
	}
}

func (d *Deps) applySettingsStep(tmpl DeviceTemplate) workflow.Step {
	return workflow.Step{
		Name:       "apply-bios-settings",
		Timeout:    10 * time.Minute,
		MaxRetries: 1,
		Backoff:    10 * time.Second,
		Run: func(ctx context.Context, c *workflow.Context) error {
			target, err := d.targetFor(c)
			if err != nil {
				return err
			}
			caps, err := capabilitiesFrom(c)
			if err != nil {
				return err
			}

			settings := tmpl.DecisionSettings()
			if len(settings) == 0 {
				c.ReportSubTask("no settings defined for this device type")
				return nil
			}

			plan, err := d.Engine.Plan(caps, settings)
			if err != nil {
				return workflow.WrapError(workflow.KindConfiguration, "check the device template and setting values", err)
			}

			reg, err := d.registryFor(c, tmpl)
			if err != nil {
				return workflow.WrapError(workflow.KindConfiguration, "check the device template vendor entry", err)
			}

			c.ReportSubTask(fmt.Sprintf("applying %d settings in %d batches", len(settings), len(plan.Batches)))
			if err := decision.Apply(ctx, reg.Appliers(), target, plan, c.ReportSubTask); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var applyErr *decision.ApplyError
				if errors.As(err, &applyErr) {
					return workflow.WrapError(workflow.KindHardware, "inspect the device's management controller", err)
				}
				return workflow.WrapError(workflow.KindConfiguration, "check the device template and setting values", err)
			}
			c.ReportProgress(100)
			return nil
		},
	}
}

func (d *Deps) firmwareStep(tmpl DeviceTemplate) workflow.Step {
	return workflow.Step{
		Name:       "update-firmware",
		Timeout:    30 * time.Minute,
		MaxRetries: 1,
		Backoff:    30 * time.Second,
		BackoffCap: 2 * time.Minute,
		Run: func(ctx context.Context, c *workflow.Context) error {
			if len(tmpl.Firmware) == 0 || d.Firmware == nil {
				c.ReportSubTask("no firmware updates defined")
				return nil
			}
			target, err := d.targetFor(c)
			if err != nil {
				return err
			}
			reg, err := d.registryFor(c, tmpl)
			if err != nil {
				return workflow.WrapError(workflow.KindConfiguration, "check the device template vendor entry", err)
			}
			flasher, ok := reg.Flasher()
			if !ok {
				return workflow.ConfigurationErrorf("no registered client can flash firmware for %q", c.DeviceType)
			}

			for i, fw := range tmpl.Firmware {
				c.ReportSubTask(fmt.Sprintf("resolving firmware %s %s", fw.Component, fw.Version))
				image, err := d.Firmware.Resolve(ctx, fw)
				if err != nil {
					return workflow.WrapError(workflow.KindConfiguration, "verify the firmware artifact and its checksum", err)
				}

				c.ReportSubTask(fmt.Sprintf("flashing %s %s (%d bytes)", image.Component, image.Version, image.Size))
				if err := flasher.FlashFirmware(ctx, target, image.URI, image.Component); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return workflow.WrapError(workflow.KindHardware, "inspect the device's management controller", err)
				}
				c.ReportProgress((i + 1) * 100 / len(tmpl.Firmware))
			}
			return nil
		},
	}
}

func (d *Deps) verifyStep(tmpl DeviceTemplate) workflow.Step {
	return workflow.Step{
		Name:       "verify",
		Timeout:    2 * time.Minute,
		MaxRetries: 2,
		Backoff:    5 * time.Second,
		Run: func(ctx context.Context, c *workflow.Context) error {
			target, err := d.targetFor(c)
			if err != nil {
				return err
			}
			reg, err := d.registryFor(c, tmpl)
			if err != nil {
				return workflow.WrapError(workflow.KindConfiguration, "check the device template vendor entry", err)
			}

			c.ReportSubTask("verifying management surfaces after configuration")
			if _, err := reg.Probe(ctx, target); err != nil {
				return workflow.WrapError(workflow.KindHardware, "device did not come back after configuration", err)
			}
			c.ReportProgress(100)
			return nil
		},
	}
}

// targetFor resolves the management address: the context's fixed target
// IP when provided, otherwise the address discovered by await-address.
func (d *Deps) targetFor(c *workflow.Context) (string, error) {
	if c.TargetIP != "" {
		return c.TargetIP, nil
	}
	if addr, ok := c.String(KeyBMCAddr); ok && addr != "" {
		return addr, nil
	}
	return "", workflow.ConfigurationErrorf("no management address known for server %s", c.ServerID)
}

func capabilitiesFrom(c *workflow.Context) (decision.Capabilities, error) {
	v, ok := c.Value(KeyCapabilities)
	if !ok {
		return decision.Capabilities{}, workflow.ConfigurationErrorf("capabilities missing from shared state; discover-hardware must run first")
	}
	caps, ok := v.(decision.Capabilities)
	if !ok {
		return decision.Capabilities{}, workflow.ConfigurationErrorf("capabilities entry has unexpected type %T", v)
	}
	return caps, nil
}
