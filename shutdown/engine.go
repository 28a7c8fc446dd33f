// Package shutdown implements the forward shutdown/migration engine (C7):
// for each host in plan order, stop (and optionally migrate) its VMs, then
// power the host off via BMC, recording an event after every successful
// mutation. Grounded structurally on the reference corpus's failover
// engine (injected dependencies, a single public Run entrypoint, never
// raising across it) and semantically on the original migration_plan.py
// shutdown() algorithm.
package shutdown

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/upstra/orchestrator/bmc"
	"github.com/upstra/orchestrator/eventlog"
	"github.com/upstra/orchestrator/models"
	"github.com/upstra/orchestrator/vcenter"
)

// BMCDialer constructs a BMC client for the given credentials. A function
// type rather than a concrete dependency so tests can substitute a fake
// without standing up TLS servers for every case.
type BMCDialer func(creds models.BMCCredentials) BMCClient

// BMCClient is the subset of bmc.Client the engines use.
type BMCClient interface {
	GetPowerState() (bmc.PowerState, error)
	Start() error
	Stop() error
}

func defaultDialer(creds models.BMCCredentials) BMCClient {
	return bmc.New(creds.Address, creds.User, creds.Password)
}

// VCenterClient is the subset of vcenter.Client the engines drive. An
// interface rather than the concrete type so tests can substitute a fake
// in place of a live controller connection.
type VCenterClient interface {
	Connect(ctx context.Context) error
	Close() error
	GetHost(ctx context.Context, managedID string) (*vcenter.Host, error)
	GetVM(ctx context.Context, managedID string) (*vcenter.VM, error)
	VMStop(ctx context.Context, vm *vcenter.VM) error
	VMStart(ctx context.Context, vm *vcenter.VM) error
	VMMigrate(ctx context.Context, vm *vcenter.VM, targetHost *vcenter.Host) error
}

// Engine executes one forward shutdown plan.
type Engine struct {
	vc     VCenterClient
	log    *eventlog.Log
	dialer BMCDialer
}

// New builds an Engine. vc must not yet be connected; the engine owns its
// connection for the lifetime of Run and closes it on every exit path.
func New(vc VCenterClient, l *eventlog.Log, dialer BMCDialer) *Engine {
	if dialer == nil {
		dialer = defaultDialer
	}
	return &Engine{vc: vc, log: l, dialer: dialer}
}

// Run executes plan. It never returns an error for remote/API failures,
// nor for invalid controller credentials — both become MIGRATION_ERROR
// events and the run ends cleanly (kind 3 of the error taxonomy: an
// authentication failure stops the run, but is not a process-fatal
// condition). Run returns a non-nil error only for durability failures
// (event log append failed), which are process-fatal per the taxonomy.
func (e *Engine) Run(ctx context.Context, plan *models.Plan) error {
	runID, err := e.log.BeginRun(ctx)
	if err != nil {
		return fmt.Errorf("shutdown: failed to begin run: %w", err)
	}

	if err := e.vc.Connect(ctx); err != nil {
		title, message := "Controller unreachable", err.Error()
		if ce, ok := err.(*vcenter.ClientError); ok && ce.Kind == vcenter.ErrInvalidCredentials {
			title, message = "Invalid credentials", "controller username or password is incorrect"
		}
		if appendErr := e.log.Append(ctx, runID, forward(models.MigrationErrorEvent(title, message))); appendErr != nil {
			return fmt.Errorf("shutdown: durability failure recording controller connect failure: %w", appendErr)
		}
		return e.finish(ctx, runID)
	}
	defer e.vc.Close()

	for _, hostPlan := range plan.Hosts {
		if err := e.runHost(ctx, runID, hostPlan); err != nil {
			return err
		}
	}

	return e.finish(ctx, runID)
}

func (e *Engine) finish(ctx context.Context, runID string) error {
	if err := e.log.MarkStatus(ctx, runID, models.StatusEndMigration); err != nil {
		return fmt.Errorf("shutdown: durability failure recording END_MIGRATION: %w", err)
	}
	return nil
}

func forward(event models.Event) models.Event {
	event.Phase = models.PhaseForward
	return event
}

// runHost executes steps 1-4 of the per-host algorithm for one HostPlan.
func (e *Engine) runHost(ctx context.Context, runID string, hp models.HostPlan) error {
	logger := log.WithField("host", hp.Host.ManagedID)

	host, err := e.vc.GetHost(ctx, hp.Host.ManagedID)
	if err != nil {
		logger.WithError(err).Warn("host not found, skipping")
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("Server not found",
			fmt.Sprintf("host %s (%s) not found", hp.Host.DisplayName, hp.Host.ManagedID)))
	}
	if host.PowerState == vcenter.PoweredOff {
		logger.Warn("host already off, skipping")
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("Server off",
			fmt.Sprintf("host %s (%s) is already off", hp.Host.DisplayName, hp.Host.ManagedID)))
	}

	destination := e.resolveDestination(ctx, hp)

	for _, vmID := range hp.VMOrder {
		if err := e.runVM(ctx, runID, hp.Host.ManagedID, vmID, destination, hp.Destination); err != nil {
			return err
		}
	}

	return e.stopHost(ctx, runID, hp.Host)
}

// resolveDestination implements get_distant_host: look up the declared
// destination, try a BMC power-on if it is off, and treat any failure as
// "no destination" rather than fatal — the engine falls back to pure
// shutdown for this host's VMs.
func (e *Engine) resolveDestination(ctx context.Context, hp models.HostPlan) *vcenter.Host {
	if hp.Destination == nil {
		return nil
	}

	dest, err := e.vc.GetHost(ctx, hp.Destination.ManagedID)
	if err != nil {
		log.WithField("destination", hp.Destination.ManagedID).WithError(err).Warn("destination host not found")
		return nil
	}

	if dest.PowerState == vcenter.PoweredOff {
		client := e.dialer(hp.Destination.BMC)
		if _, err := client.GetPowerState(); err != nil {
			log.WithField("destination", hp.Destination.ManagedID).WithError(err).Warn("destination BMC unreachable")
			return nil
		}
		if err := client.Start(); err != nil {
			log.WithField("destination", hp.Destination.ManagedID).WithError(err).Warn("destination won't power on")
			return nil
		}
	}

	return dest
}

// runVM implements step 3 for one VM: stop, then optionally migrate and
// start on the destination.
func (e *Engine) runVM(ctx context.Context, runID, hostID, vmID string, destination *vcenter.Host, destDescriptor *models.HostDescriptor) error {
	vm, err := e.vc.GetVM(ctx, vmID)
	if err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't stop", err.Error()))
	}

	alreadyOff := vm.PowerState == vcenter.PoweredOff
	if err := e.vc.VMStop(ctx, vm); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't stop", err.Error()))
	}
	vm.PowerState = vcenter.PoweredOff
	if !alreadyOff {
		if err := e.appendOrFail(ctx, runID, models.VMStopped(vmID, hostID)); err != nil {
			return err
		}
	}

	if destination == nil {
		return nil
	}

	if err := e.vc.VMMigrate(ctx, vm, destination); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't migrate", err.Error()))
	}
	if err := e.appendOrFail(ctx, runID, models.VMMigrated(vmID, hostID)); err != nil {
		return err
	}

	if err := e.vc.VMStart(ctx, vm); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't start", err.Error()))
	}
	return e.appendOrFail(ctx, runID, models.VMStarted(vmID, destDescriptor.ManagedID))
}

// stopHost implements step 4: power the host off via BMC.
func (e *Engine) stopHost(ctx context.Context, runID string, host models.HostDescriptor) error {
	client := e.dialer(host.BMC)
	if _, err := client.GetPowerState(); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("Server won't stop", err.Error()))
	}
	if err := client.Stop(); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("Server won't stop", err.Error()))
	}
	return e.appendOrFail(ctx, runID, models.ServerStopped(host.ManagedID, host.BMC))
}

// appendOrFail appends event as a forward-phase event, promoting an
// append failure to the fatal durability error the caller must propagate.
func (e *Engine) appendOrFail(ctx context.Context, runID string, event models.Event) error {
	if err := e.log.Append(ctx, runID, forward(event)); err != nil {
		return fmt.Errorf("shutdown: durability failure appending %s: %w", event.Kind, err)
	}
	return nil
}
