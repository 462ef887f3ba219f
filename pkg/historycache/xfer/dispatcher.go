// Package xfer drains the process-global pending-transfer ready list
// (spec.md §4.6, §5) with a bounded pool of goroutines, adapted from the
// teacher's friggdb/pool.Pool worker-queue pattern: a fixed goroutine
// count reads jobs off a buffered channel, with queue depth and current
// occupancy exported as Prometheus gauges.
package xfer

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tempodb-dds/historycache/pkg/historycache"
)

var (
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "historycache",
		Name:      "xfer_queue_length",
		Help:      "Current number of pending transfers queued for redelivery.",
	})
	metricQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "historycache",
		Name:      "xfer_queue_max",
		Help:      "Configured maximum queue depth for the pending-transfer dispatcher.",
	})
	metricQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "historycache",
		Name:      "xfer_queue_dropped_total",
		Help:      "Pending transfers dropped because the dispatcher queue was full.",
	})
)

// Config sizes a Dispatcher, mirroring friggdb/pool.Config's
// MaxWorkers/QueueDepth pair.
type Config struct {
	Workers    int
	QueueDepth int
}

// Dispatcher is the xfer.Dispatcher referenced by SPEC_FULL.md's
// admission & eviction design note: a bounded worker pool that retries
// deliveries queued by historycache.RegisterTransferSink once a blocked
// reader cache frees capacity. The queue-depth admission check is a
// semaphore.Weighted rather than relying solely on channel capacity, so
// depth is enforced even though each in-flight item also occupies a
// worker goroutine; the worker group itself is an errgroup.Group so Stop
// can cancel outstanding workers and wait for them to drain.
type Dispatcher struct {
	queue chan *historycache.PendingTransfer
	size  atomic.Int32
	sem   *semaphore.Weighted

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewDispatcher starts cfg.Workers goroutines and registers itself as
// the process-wide transfer sink (historycache.RegisterTransferSink).
// Only the first Dispatcher created in a process takes effect, matching
// the single-installation contract RegisterTransferSink enforces.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	d := &Dispatcher{
		queue:  make(chan *historycache.PendingTransfer, cfg.QueueDepth),
		sem:    semaphore.NewWeighted(int64(cfg.QueueDepth)),
		cancel: cancel,
		group:  group,
	}
	metricQueueMax.Set(float64(cfg.QueueDepth))

	for i := 0; i < cfg.Workers; i++ {
		group.Go(func() error {
			d.worker(gctx)
			return nil
		})
	}
	historycache.RegisterTransferSink(d.enqueue)
	return d
}

// Stop cancels the worker context and waits for every in-flight
// Redeliver call to finish.
func (d *Dispatcher) Stop() {
	d.cancel()
	_ = d.group.Wait()
}

func (d *Dispatcher) enqueue(pt *historycache.PendingTransfer) {
	if !d.sem.TryAcquire(1) {
		metricQueueDropped.Inc()
		return
	}
	select {
	case d.queue <- pt:
		d.size.Inc()
	default:
		d.sem.Release(1)
		metricQueueDropped.Inc()
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case pt := <-d.queue:
			d.size.Dec()
			pt.Redeliver()
			d.sem.Release(1)
		case <-ctx.Done():
			return
		}
	}
}

// ReportQueueLength starts a background goroutine sampling the current
// queue occupancy into metricQueueLength every interval, stopping when
// stop is closed. Mirrors friggdb/pool.Pool.reportQueueLength.
func (d *Dispatcher) ReportQueueLength(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metricQueueLength.Set(float64(d.size.Load()))
			case <-stop:
				return
			}
		}
	}()
}
