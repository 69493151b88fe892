// Package placement resolves which partition owns a row.
package placement

import (
	"context"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/partition"
	"github.com/zonedb/zonedb/internal/schema"
	"github.com/zonedb/zonedb/internal/zone"
)

// Planner maps (table, row key) to the owning zone and partition. The
// distribution key is hashed with the colocation root's zone partition
// count, so rows of colocated tables with equal colocation values land on
// identical partitions.
type Planner struct {
	catalog *schema.Catalog
	zones   *zone.Registry
	logger  *zap.Logger
}

// NewPlanner creates a placement planner.
func NewPlanner(catalog *schema.Catalog, zones *zone.Registry, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{catalog: catalog, zones: zones, logger: logger}
}

// Placement is a resolved row location.
type Placement struct {
	Zone      string
	Partition model.PartitionID
}

// Ref returns the placement as a partition reference.
func (p Placement) Ref() model.PartitionRef {
	return model.PartitionRef{Zone: p.Zone, Partition: p.Partition}
}

// ResolvePlacement returns the partition owning the row identified by key.
// Colocation constraints were validated at DDL time; this path only
// extracts the distribution columns and hashes.
func (p *Planner) ResolvePlacement(ctx context.Context, tableName string, key model.RowKey) (Placement, error) {
	td, err := p.catalog.Table(ctx, tableName)
	if err != nil {
		return Placement{}, err
	}
	if td.Replicated {
		return Placement{}, errors.Newf(errors.CodeInvalidKey,
			"table %q is replicated and has no single placement", tableName)
	}

	distKey, err := partition.EncodeDistributionKey(schema.DistributionColumns(td), key)
	if err != nil {
		return Placement{}, err
	}

	// Colocated tables share their root's zone, so the partition count is
	// the root zone's. Same-zone is enforced at DDL time; resolving the
	// root here keeps the dependency explicit.
	root, err := p.catalog.ColocationRoot(ctx, tableName)
	if err != nil {
		return Placement{}, err
	}
	z, err := p.zones.GetZone(ctx, root.Zone)
	if err != nil {
		return Placement{}, err
	}

	pid, err := partition.PartitionOf(z.PartitionCount, distKey)
	if err != nil {
		return Placement{}, err
	}
	return Placement{Zone: z.Name, Partition: pid}, nil
}

// EngineKey builds the partition-local sort key for a row: the full
// primary key, length-prefix encoded in declared order, prefixed by the
// table name so tables sharing a partition do not interleave.
func (p *Planner) EngineKey(ctx context.Context, tableName string, key model.RowKey) ([]byte, error) {
	td, err := p.catalog.Table(ctx, tableName)
	if err != nil {
		return nil, err
	}
	pk, err := partition.EncodeDistributionKey(td.PrimaryKey, key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(tableName)+1+len(pk))
	buf = append(buf, tableName...)
	buf = append(buf, 0x00)
	buf = append(buf, pk...)
	return buf, nil
}

// TableRange returns the half-open engine-key range [start, end) covering
// every row of the table within a partition.
func TableRange(tableName string) (start, end []byte) {
	start = append([]byte(tableName), 0x00)
	end = append([]byte(tableName), 0x01)
	return start, end
}
