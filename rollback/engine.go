// Package rollback implements the rollback engine (C8): reads a run's
// forward-phase events in reverse insertion order and applies each one's
// inverse, restoring hosts and VMs to their pre-shutdown state. Grounded
// structurally on the same injected-engine shape as shutdown.Engine and
// semantically on the original restart_plan.py replay loop.
package rollback

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/upstra/orchestrator/bmc"
	"github.com/upstra/orchestrator/eventlog"
	"github.com/upstra/orchestrator/models"
	"github.com/upstra/orchestrator/vcenter"
)

// BMCDialer constructs a BMC client for the given credentials.
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

// VCenterClient is the subset of vcenter.Client the engines drive.
type VCenterClient interface {
	Connect(ctx context.Context) error
	Close() error
	GetHost(ctx context.Context, managedID string) (*vcenter.Host, error)
	GetVM(ctx context.Context, managedID string) (*vcenter.VM, error)
	VMStop(ctx context.Context, vm *vcenter.VM) error
	VMStart(ctx context.Context, vm *vcenter.VM) error
	VMMigrate(ctx context.Context, vm *vcenter.VM, targetHost *vcenter.Host) error
}

// sleeper is overridden in tests so the waiting discipline does not
// actually block for restart_grace_seconds between polls.
type sleeper func(ctx context.Context, d time.Duration)

func realSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Engine executes the rollback replay of one run.
type Engine struct {
	vc     VCenterClient
	log    *eventlog.Log
	dialer BMCDialer
	sleep  sleeper
}

// New builds an Engine. vc must not yet be connected.
func New(vc VCenterClient, l *eventlog.Log, dialer BMCDialer) *Engine {
	if dialer == nil {
		dialer = defaultDialer
	}
	return &Engine{vc: vc, log: l, dialer: dialer, sleep: realSleep}
}

// Run replays runID's forward events in reverse, applying each one's
// inverse, then writes END_ROLLBACK and deletes the run pointer. grace
// supplies the poll interval for the waiting discipline. Like
// shutdown.Engine, remote failures become rollback-phase MIGRATION_ERROR
// events rather than aborting the run; only event-log failures (writing
// the status markers, reading the events, appending an event) and a
// failed controller connection are fatal.
func (e *Engine) Run(ctx context.Context, runID string, grace models.GracePeriod) error {
	if err := e.log.MarkStatus(ctx, runID, models.StatusStartRollback); err != nil {
		return fmt.Errorf("rollback: durability failure starting run: %w", err)
	}

	if err := e.vc.Connect(ctx); err != nil {
		return fmt.Errorf("rollback: failed to connect to controller: %w", err)
	}
	defer e.vc.Close()

	events, err := e.log.ReadForRollback(ctx, runID)
	if err != nil {
		return fmt.Errorf("rollback: failed to read event log: %w", err)
	}

	for _, stored := range events {
		if err := e.invert(ctx, runID, stored.Event, grace); err != nil {
			return err
		}
	}

	if err := e.log.EndRun(ctx, runID); err != nil {
		return fmt.Errorf("rollback: durability failure ending run: %w", err)
	}

	log.WithField("run_id", runID).Info("rollback complete")
	return nil
}

// invert applies the inverse of one forward event, per the dispatch table
// in 4.3: VM_STOPPED -> start, VM_MIGRATED -> migrate back, VM_STARTED ->
// stop, SERVER_STOPPED -> BMC power-on, MIGRATION_ERROR -> skip.
func (e *Engine) invert(ctx context.Context, runID string, event models.Event, grace models.GracePeriod) error {
	switch event.Kind {
	case models.EventVMStopped:
		return e.invertVMStopped(ctx, runID, event, grace)
	case models.EventVMMigrated:
		return e.invertVMMigrated(ctx, runID, event, grace)
	case models.EventVMStarted:
		return e.invertVMStarted(ctx, runID, event)
	case models.EventServerStopped:
		return e.invertServerStopped(ctx, runID, event)
	case models.EventMigrationError:
		return nil
	default:
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("Unknown event", string(event.Kind)))
	}
}

func (e *Engine) invertVMStopped(ctx context.Context, runID string, event models.Event, grace models.GracePeriod) error {
	if err := e.awaitHostConnected(ctx, event.HostID, grace); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't start", err.Error()))
	}

	vm, err := e.vc.GetVM(ctx, event.VMID)
	if err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't start", err.Error()))
	}
	if err := e.vc.VMStart(ctx, vm); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't start", err.Error()))
	}
	return e.appendOrFail(ctx, runID, models.VMStarted(event.VMID, event.HostID))
}

func (e *Engine) invertVMMigrated(ctx context.Context, runID string, event models.Event, grace models.GracePeriod) error {
	if err := e.awaitHostConnected(ctx, event.OriginHostID, grace); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't migrate", err.Error()))
	}

	origin, err := e.vc.GetHost(ctx, event.OriginHostID)
	if err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't migrate", err.Error()))
	}
	vm, err := e.vc.GetVM(ctx, event.VMID)
	if err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't migrate", err.Error()))
	}
	departingHostID := vm.HostRef.Value
	if err := e.vc.VMMigrate(ctx, vm, origin); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't migrate", err.Error()))
	}
	return e.appendOrFail(ctx, runID, models.VMMigrated(event.VMID, departingHostID))
}

func (e *Engine) invertVMStarted(ctx context.Context, runID string, event models.Event) error {
	vm, err := e.vc.GetVM(ctx, event.VMID)
	if err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't stop", err.Error()))
	}
	if err := e.vc.VMStop(ctx, vm); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("VM won't stop", err.Error()))
	}
	return e.appendOrFail(ctx, runID, models.VMStopped(event.VMID, event.HostID))
}

func (e *Engine) invertServerStopped(ctx context.Context, runID string, event models.Event) error {
	if event.BMC == nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("Server won't start", "no bmc credentials recorded for this event"))
	}

	client := e.dialer(*event.BMC)
	if _, err := client.GetPowerState(); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("Server won't start", err.Error()))
	}
	if err := client.Start(); err != nil {
		return e.appendOrFail(ctx, runID, models.MigrationErrorEvent("Server won't start", err.Error()))
	}
	return e.appendOrFail(ctx, runID, models.ServerStarted(event.HostID))
}

// awaitHostConnected polls the controller until host's connection state is
// connected, sleeping grace.RestartGrace() between attempts. Unbounded by
// design, per the waiting discipline: only ctx cancellation ends the wait
// early.
func (e *Engine) awaitHostConnected(ctx context.Context, hostID string, grace models.GracePeriod) error {
	for {
		host, err := e.vc.GetHost(ctx, hostID)
		if err == nil && host.ConnectionOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.sleep(ctx, grace.RestartGrace())
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (e *Engine) appendOrFail(ctx context.Context, runID string, event models.Event) error {
	event.Phase = models.PhaseRollback
	if event.Kind == models.EventMigrationError {
		event.Phase = models.PhaseError
	}
	if err := e.log.Append(ctx, runID, event); err != nil {
		return fmt.Errorf("rollback: durability failure appending %s: %w", event.Kind, err)
	}
	return nil
}
