// Package metrics describes the external metric poller (C6). Per the
// system boundary, this component lives outside the core: it reads
// controller inventory on a fixed interval and writes to a read-only
// cache for UI consumption, and must never mutate plan or event state.
// The core only needs to agree on the interface such a poller consumes
// (vcenter.Client's read-only discovery calls) and the shape of what it
// produces; this package carries that contract, not a production poller.
package metrics

import (
	"context"
	"time"

	"github.com/upstra/orchestrator/vcenter"
)

// Inventory is the read-only subset of a Client the poller may call. It
// intentionally excludes every power/migrate mutation: the poller's
// contract forbids touching plan or event state.
type Inventory interface {
	ListAllHosts(ctx context.Context) ([]vcenter.Host, error)
	ListAllVMs(ctx context.Context) ([]vcenter.VM, error)
}

// Snapshot is one poll cycle's result, cached for UI consumption.
type Snapshot struct {
	TakenAt time.Time
	Hosts   []vcenter.Host
	VMs     []vcenter.VM
}

// Cache is the read side a consumer (e.g. a UI backend) queries. A real
// poller deployment backs this with whatever store it prefers; the core
// does not depend on a concrete implementation.
type Cache interface {
	Latest() (Snapshot, bool)
}
