package replication

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

// MemoryPrimitive is a single-process replication primitive: proposals
// commit immediately and apply synchronously in proposal order. It backs
// tests and single-node deployments, and doubles as a fault-injection
// point: a partition can be marked unavailable to exercise the retry
// paths above it.
type MemoryPrimitive struct {
	node    model.NodeID
	applier Applier
	logger  *zap.Logger

	mu          sync.Mutex
	logs        map[model.PartitionRef][][]byte
	unavailable map[model.PartitionRef]bool
	listeners   []func(ref model.PartitionRef, leader model.NodeID)
}

// NewMemoryPrimitive creates a primitive where the local node leads every
// partition.
func NewMemoryPrimitive(node model.NodeID, applier Applier, logger *zap.Logger) *MemoryPrimitive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryPrimitive{
		node:        node,
		applier:     applier,
		logger:      logger,
		logs:        make(map[model.PartitionRef][][]byte),
		unavailable: make(map[model.PartitionRef]bool),
	}
}

func (p *MemoryPrimitive) Propose(ctx context.Context, ref model.PartitionRef, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.unavailable[ref] {
		p.mu.Unlock()
		return errors.Newf(errors.CodePartitionUnavailable, "partition %s/%d has no leader", ref.Zone, ref.Partition)
	}
	p.logs[ref] = append(p.logs[ref], data)
	p.mu.Unlock()

	return p.applier.Apply(ref, data)
}

func (p *MemoryPrimitive) CurrentLeader(ref model.PartitionRef) (model.NodeID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable[ref] {
		return "", false
	}
	return p.node, true
}

func (p *MemoryPrimitive) OnLeaderChange(fn func(ref model.PartitionRef, leader model.NodeID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// SetUnavailable toggles a partition's availability, simulating an
// in-flight leader election.
func (p *MemoryPrimitive) SetUnavailable(ref model.PartitionRef, down bool) {
	p.mu.Lock()
	listeners := append(p.listeners[:0:0], p.listeners...)
	p.unavailable[ref] = down
	p.mu.Unlock()

	if !down {
		for _, fn := range listeners {
			fn(ref, p.node)
		}
	}
}

// Log returns the raw committed log of a partition, for tests.
func (p *MemoryPrimitive) Log(ref model.PartitionRef) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.logs[ref]...)
}

func (p *MemoryPrimitive) Stop() {}
