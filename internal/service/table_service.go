// Package service holds the node's business logic: table-level row
// operations on top of the transaction coordinator, and the background
// version garbage collector.
package service

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/placement"
	"github.com/zonedb/zonedb/internal/schema"
	"github.com/zonedb/zonedb/internal/txn"
	"github.com/zonedb/zonedb/internal/zone"
)

// TableService executes row operations against tables: it resolves each
// (table, row key) to partitions and engine keys, fans replicated-table
// writes out to every partition of the zone, and drives the coordinator.
type TableService struct {
	catalog *schema.Catalog
	planner *placement.Planner
	zones   *zone.Registry
	coord   *txn.Coordinator
	logger  *zap.Logger
}

// NewTableService wires the table service.
func NewTableService(catalog *schema.Catalog, planner *placement.Planner, zones *zone.Registry, coord *txn.Coordinator, logger *zap.Logger) *TableService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableService{
		catalog: catalog,
		planner: planner,
		zones:   zones,
		coord:   coord,
		logger:  logger,
	}
}

// Coordinator exposes the underlying transaction coordinator for
// transaction lifecycle endpoints.
func (s *TableService) Coordinator() *txn.Coordinator { return s.coord }

// writeRefs resolves the partitions a write to (table, key) must touch:
// one for a partitioned table, every partition of the zone for a
// replicated table.
func (s *TableService) writeRefs(ctx context.Context, table string, key model.RowKey) ([]model.PartitionRef, []byte, error) {
	engineKey, err := s.planner.EngineKey(ctx, table, key)
	if err != nil {
		return nil, nil, err
	}
	td, err := s.catalog.Table(ctx, table)
	if err != nil {
		return nil, nil, err
	}

	if !td.Replicated {
		pl, err := s.planner.ResolvePlacement(ctx, table, key)
		if err != nil {
			return nil, nil, err
		}
		return []model.PartitionRef{pl.Ref()}, engineKey, nil
	}

	z, err := s.zones.GetZone(ctx, td.Zone)
	if err != nil {
		return nil, nil, err
	}
	refs := make([]model.PartitionRef, z.PartitionCount)
	for i := range refs {
		refs[i] = model.PartitionRef{Zone: z.Name, Partition: model.PartitionID(i)}
	}
	return refs, engineKey, nil
}

// readRef resolves the one partition a read of (table, key) goes to.
// Replicated tables hold every row on every partition, so the read is
// spread by key hash.
func (s *TableService) readRef(ctx context.Context, table string, key model.RowKey) (model.PartitionRef, []byte, error) {
	engineKey, err := s.planner.EngineKey(ctx, table, key)
	if err != nil {
		return model.PartitionRef{}, nil, err
	}
	td, err := s.catalog.Table(ctx, table)
	if err != nil {
		return model.PartitionRef{}, nil, err
	}

	if !td.Replicated {
		pl, err := s.planner.ResolvePlacement(ctx, table, key)
		if err != nil {
			return model.PartitionRef{}, nil, err
		}
		return pl.Ref(), engineKey, nil
	}

	z, err := s.zones.GetZone(ctx, td.Zone)
	if err != nil {
		return model.PartitionRef{}, nil, err
	}
	pid := model.PartitionID(xxhash.Sum64(engineKey) % uint64(z.PartitionCount))
	return model.PartitionRef{Zone: z.Name, Partition: pid}, engineKey, nil
}

// Put stages a row write in the transaction.
func (s *TableService) Put(ctx context.Context, t *txn.Txn, table string, key model.RowKey, value []byte) error {
	refs, engineKey, err := s.writeRefs(ctx, table, key)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := s.coord.Write(t, ref, engineKey, value); err != nil {
			return err
		}
	}
	return nil
}

// Delete stages a row tombstone in the transaction.
func (s *TableService) Delete(ctx context.Context, t *txn.Txn, table string, key model.RowKey) error {
	refs, engineKey, err := s.writeRefs(ctx, table, key)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := s.coord.Delete(t, ref, engineKey); err != nil {
			return err
		}
	}
	return nil
}

// Get reads a row at the transaction's snapshot. A missing row is a nil
// result, not an error.
func (s *TableService) Get(ctx context.Context, t *txn.Txn, table string, key model.RowKey) (*model.Row, error) {
	ref, engineKey, err := s.readRef(ctx, table, key)
	if err != nil {
		return nil, err
	}
	return s.coord.Read(ctx, t, ref, engineKey)
}

// RunInTransaction executes fn inside a fresh transaction, committing on
// success and aborting on any error.
func (s *TableService) RunInTransaction(ctx context.Context, fn func(t *txn.Txn) error) error {
	t, err := s.coord.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		if abortErr := s.coord.Abort(ctx, t); abortErr != nil {
			s.logger.Warn("abort after failed transaction body",
				zap.String("txn", t.ID), zap.Error(abortErr))
		}
		return err
	}
	return s.coord.Commit(ctx, t)
}
