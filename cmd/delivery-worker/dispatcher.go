package main

import (
	"context"
	"sync"
	"time"

	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/metrics"
	"github.com/smsgw/sms-gateway/internal/models"
)

// DispatcherStore is the persistence subset the dispatch loop needs
type DispatcherStore interface {
	ClaimPending(ctx context.Context, limit int) ([]models.Message, error)
	ClaimDueRetries(ctx context.Context, limit int) ([]models.Message, error)
	CountPending(ctx context.Context) (int64, error)
	ListProviders(ctx context.Context) ([]models.Provider, error)
}

// Dispatcher periodically claims work and fans it out to send workers
type Dispatcher struct {
	store     DispatcherStore
	failover  *Failover
	interval  time.Duration
	batchSize int
	workers   int
	logger    *logger.Logger
}

// NewDispatcher creates the dispatch loop
func NewDispatcher(store DispatcherStore, failover *Failover, interval time.Duration,
	batchSize, workers int, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		failover:  failover,
		interval:  interval,
		batchSize: batchSize,
		workers:   workers,
		logger:    log,
	}
}

// Run claims and delivers messages until ctx is done. A failed cycle
// logs and waits for the next tick.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		"interval", d.interval, "batch_size", d.batchSize, "workers", d.workers)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// runCycle claims one batch of fresh and retry-due messages and
// delivers them concurrently
func (d *Dispatcher) runCycle(ctx context.Context) {
	registry, err := d.loadRegistry(ctx)
	if err != nil {
		d.logger.Error("failed to load provider registry", "error", err.Error())
		return
	}

	var batch []models.Message

	pending, err := d.store.ClaimPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("failed to claim pending messages", "error", err.Error())
	} else {
		batch = append(batch, pending...)
	}

	retries, err := d.store.ClaimDueRetries(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("failed to claim due retries", "error", err.Error())
	} else {
		batch = append(batch, retries...)
	}

	if backlog, err := d.store.CountPending(ctx); err == nil {
		metrics.PendingMessages.Set(float64(backlog))
	}

	if len(batch) == 0 {
		return
	}
	d.logger.Info("dispatching batch", "fresh", len(pending), "retries", len(retries))

	jobs := make(chan models.Message)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				d.failover.Deliver(ctx, msg, registry)
			}
		}()
	}

	for _, msg := range batch {
		jobs <- msg
	}
	close(jobs)
	wg.Wait()
}

// loadRegistry snapshots the provider table for this cycle so every
// message in the batch sees the same registry
func (d *Dispatcher) loadRegistry(ctx context.Context) (map[string]models.Provider, error) {
	providers, err := d.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}

	registry := make(map[string]models.Provider, len(providers))
	for _, p := range providers {
		registry[p.Name] = p
	}
	return registry, nil
}
