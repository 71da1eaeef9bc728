package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/anicoll/moen-integration/internal/pkg/config"
	"github.com/anicoll/moen-integration/internal/pkg/model"
)

type statusClient interface {
	GetStatus(ctx context.Context, deviceID string) (model.StateUpdate, time.Time, error)
}

type catalog interface {
	Devices() []model.Device
}

type stateStore interface {
	Apply(deviceID string, upd model.StateUpdate, source model.Source, at time.Time)
	MarkUnavailable(deviceID string)
}

// Poller refreshes every known device on a fixed interval. Devices are
// polled concurrently with bounded parallelism; a slow or failing device
// never delays the others. After the configured number of consecutive
// failures a device is marked unavailable until a poll succeeds again.
type Poller struct {
	cfg     *config.CloudConfig
	rest    statusClient
	catalog catalog
	store   stateStore
	logger  *zap.Logger
	sem     *semaphore.Weighted

	mu       sync.Mutex
	failures map[string]int
	inflight map[string]bool
}

func New(cfg *config.CloudConfig, rest statusClient, catalog catalog, store stateStore) *Poller {
	parallelism := cfg.PollParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Poller{
		cfg:      cfg,
		rest:     rest,
		catalog:  catalog,
		store:    store,
		logger:   zap.L(),
		sem:      semaphore.NewWeighted(int64(parallelism)),
		failures: map[string]int{},
		inflight: map[string]bool{},
	}
}

// Run polls until the context is cancelled. An immediate first pass runs
// before the ticker takes over.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	p.pollAll(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			wg.Wait() // let in-flight polls finish or time out
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx, &wg)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context, wg *sync.WaitGroup) {
	for _, device := range p.catalog.Devices() {
		// a device still busy from the previous tick is skipped, not queued
		if !p.begin(device.ID) {
			continue
		}
		wg.Add(1)
		go func(device model.Device) {
			defer wg.Done()
			defer p.end(device.ID)
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer p.sem.Release(1)
			p.pollOne(ctx, device)
		}(device)
	}
}

func (p *Poller) pollOne(ctx context.Context, device model.Device) {
	upd, at, err := p.rest.GetStatus(ctx, device.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		failures := p.recordFailure(device.ID)
		p.logger.Warn("poll failed",
			zap.String("device_id", device.ID),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		if failures >= p.cfg.FailureThreshold {
			p.store.MarkUnavailable(device.ID)
		}
		return
	}
	p.clearFailures(device.ID)
	p.store.Apply(device.ID, upd, model.SourcePoll, at)
}

func (p *Poller) begin(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[deviceID] {
		return false
	}
	p.inflight[deviceID] = true
	return true
}

func (p *Poller) end(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, deviceID)
}

func (p *Poller) recordFailure(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[deviceID]++
	return p.failures[deviceID]
}

func (p *Poller) clearFailures(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, deviceID)
}
