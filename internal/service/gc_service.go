package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/metrics"
	"github.com/zonedb/zonedb/internal/replica"
	"github.com/zonedb/zonedb/internal/txn"
	"github.com/zonedb/zonedb/internal/util/workerpool"
)

// decisionRetention is how long applied 2PC decision records are kept
// before a sweep drops them. Long enough for any straggling participant
// retry to still find its outcome.
const decisionRetention = time.Hour

// GCService periodically reclaims row versions no active transaction can
// see, and prunes fully-acknowledged commit decisions. The sweep
// watermark comes from the coordinator: the timestamp below every active
// snapshot.
type GCService struct {
	replicas *replica.Service
	coord    *txn.Coordinator
	pool     *workerpool.Pool
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewGCService creates the garbage collector.
func NewGCService(replicas *replica.Service, coord *txn.Coordinator, workers int, interval time.Duration, logger *zap.Logger) *GCService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &GCService{
		replicas: replicas,
		coord:    coord,
		pool:     workerpool.New("gc", workers, 256, logger),
		interval: interval,
		logger:   logger,
	}
}

// Start launches the periodic sweep loop.
func (g *GCService) Start() {
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				g.Sweep(context.Background())
			}
		}
	}()
}

// Stop halts the sweep loop and the worker pool.
func (g *GCService) Stop() {
	if g.stop != nil {
		close(g.stop)
		<-g.done
	}
	g.pool.Stop()
}

// Sweep garbage collects every local partition at the current watermark
// and returns the number of versions reclaimed.
func (g *GCService) Sweep(ctx context.Context) int {
	watermark := g.coord.Watermark()
	stores := g.replicas.Stores()

	// A counter rather than a channel: RunAll returns early when a
	// submit fails, and tasks already queued still finish afterwards.
	var reclaimed atomic.Int64
	tasks := make([]workerpool.Task, 0, len(stores))
	for ref, st := range stores {
		ref, st := ref, st
		tasks = append(tasks, workerpool.Task{
			Name: "gc-sweep",
			Fn: func(context.Context) error {
				reclaimed.Add(int64(st.GC(watermark)))
				g.logger.Debug("swept partition",
					zap.String("zone", ref.Zone),
					zap.Uint32("partition", uint32(ref.Partition)))
				return nil
			},
		})
	}
	if err := g.pool.RunAll(ctx, tasks); err != nil {
		g.logger.Warn("gc sweep incomplete", zap.Error(err))
	}

	total := int(reclaimed.Load())
	if total > 0 {
		metrics.VersionsReclaimed.Add(float64(total))
		g.logger.Info("garbage collection sweep",
			zap.Uint64("watermark", watermark),
			zap.Int("versions_reclaimed", total))
	}

	pruned, err := g.coord.PruneDecisions(ctx, time.Now().Add(-decisionRetention))
	if err != nil {
		g.logger.Warn("decision log prune failed", zap.Error(err))
	} else if pruned > 0 {
		g.logger.Info("pruned applied decisions", zap.Int("records", pruned))
	}
	return total
}
