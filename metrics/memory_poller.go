package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MemoryPoller is a minimal reference poller: it satisfies the C6
// contract (read-only, interval-driven, never touching plan/event state)
// against an in-process cache. Grounded on the reference corpus's
// CloudStack async-job poller: a start/stop-guarded goroutine driven by a
// ticker, torn down via a stop channel and WaitGroup.
type MemoryPoller struct {
	inventory Inventory
	interval  time.Duration

	mu        sync.RWMutex
	latest    Snapshot
	have      bool
	running   bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewMemoryPoller builds a poller against inventory, polling every
// interval (defaulting to 60s, the spec's default metric-poll cadence).
func NewMemoryPoller(inventory Inventory, interval time.Duration) *MemoryPoller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &MemoryPoller{inventory: inventory, interval: interval}
}

// Start begins polling in the background. Safe to call once; a second
// call before Stop returns an error.
func (p *MemoryPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errAlreadyRunning
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop signals the poll loop to exit and waits for it to finish.
func (p *MemoryPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *MemoryPoller) loop(ctx context.Context) {
	defer p.wg.Done()
	// loop() owns clearing running, not just Stop(): ctx can end the loop
	// (caller's context cancelled) without a Stop() call ever happening,
	// and a stale running=true would wedge every future Start().
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *MemoryPoller) pollOnce(ctx context.Context) {
	hosts, err := p.inventory.ListAllHosts(ctx)
	if err != nil {
		log.WithError(err).Warn("metric poll: failed to list hosts")
		return
	}
	vms, err := p.inventory.ListAllVMs(ctx)
	if err != nil {
		log.WithError(err).Warn("metric poll: failed to list vms")
		return
	}

	p.mu.Lock()
	p.latest = Snapshot{TakenAt: time.Now(), Hosts: hosts, VMs: vms}
	p.have = true
	p.mu.Unlock()
}

// Latest returns the most recent snapshot, if any poll has completed.
func (p *MemoryPoller) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.have
}

var errAlreadyRunning = errors.New("metrics: poller is already running")
