package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstra/orchestrator/vcenter"
)

type fakeInventory struct {
	hosts []vcenter.Host
	vms   []vcenter.VM
}

func (f *fakeInventory) ListAllHosts(ctx context.Context) ([]vcenter.Host, error) { return f.hosts, nil }
func (f *fakeInventory) ListAllVMs(ctx context.Context) ([]vcenter.VM, error)     { return f.vms, nil }

func TestMemoryPollerPopulatesSnapshotOnStart(t *testing.T) {
	inv := &fakeInventory{hosts: []vcenter.Host{{ManagedID: "host-1"}}}
	p := NewMemoryPoller(inv, 10*time.Millisecond)

	_, ok := p.Latest()
	assert.False(t, ok)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool {
		_, ok := p.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	snap, ok := p.Latest()
	require.True(t, ok)
	assert.Len(t, snap.Hosts, 1)
}

func TestMemoryPollerStartTwiceFails(t *testing.T) {
	p := NewMemoryPoller(&fakeInventory{}, time.Minute)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Error(t, p.Start(context.Background()))
}

func TestMemoryPollerContextCancellationAllowsRestart(t *testing.T) {
	p := NewMemoryPoller(&fakeInventory{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()

	// The background loop exits on its own via ctx.Done(), with no Stop()
	// call in between; running must still clear so Start can be called
	// again rather than wedge on errAlreadyRunning forever.
	require.Eventually(t, func() bool {
		return p.Start(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)
	p.Stop()
}
