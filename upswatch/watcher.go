// Package upswatch describes the external UPS watcher (C9). Per the
// system boundary, the watcher itself lives outside the core: it polls
// the UPS for power state, writes the POWER_FAILURE status marker, waits
// the configured shutdown grace period, then invokes the shutdown engine
// out-of-process; on ON_LINE it invokes the rollback engine the same way.
// This package carries only the contract the core and the watcher agree
// on — the UPS state vocabulary and the two invocation points — not a
// production daemon.
package upswatch

import "context"

// PowerState is the UPS's reported state.
type PowerState string

const (
	PowerFailure PowerState = "POWER_FAILURE"
	OnLine       PowerState = "ON_LINE"
)

// Reader is the minimal UPS status interface a watcher polls. A real
// implementation talks NUT, SNMP, or a vendor SDK; the core never
// depends on one directly.
type Reader interface {
	PowerState(ctx context.Context) (PowerState, error)
}

// Trigger is what the watcher invokes once it has decided to act: the
// shutdown engine on POWER_FAILURE, the rollback engine on ON_LINE. Both
// shutdown.Engine.Run and rollback.Engine.Run satisfy this by taking
// their own (plan/runID, ...) arguments bound via a closure at wiring
// time — the watcher only needs to know "call this, it does not throw
// across its boundary."
type Trigger func(ctx context.Context) error
