// Package router plans and executes distributed queries and compute
// tasks. It decides whether a query can run colocated on each partition,
// lean on fully replicated reference tables, or needs a shuffle, and it
// pins every multi-partition read to one snapshot timestamp so results
// are never torn across concurrent commits.
package router

import (
	"context"
	"sort"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/clock"
	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/metrics"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/placement"
	"github.com/zonedb/zonedb/internal/schema"
	"github.com/zonedb/zonedb/internal/zone"
)

// Mode is how a planned query executes.
type Mode string

const (
	// ModeLocal runs the query independently on each target partition;
	// joined rows are guaranteed colocated.
	ModeLocal Mode = "local"
	// ModeBroadcast serves the query from any single node; every table
	// involved is fully replicated.
	ModeBroadcast Mode = "broadcast"
	// ModeShuffle fetches from each partition at one snapshot and joins
	// at the coordinating node.
	ModeShuffle Mode = "shuffle"
)

// Plan is a partition/node execution plan for a query. It carries no
// query results; executing the plan is the caller's (or this package's
// execution helpers') business.
type Plan struct {
	Mode             Mode                `json:"mode"`
	Tables           []string            `json:"tables"`
	Zone             string              `json:"zone,omitempty"`
	TargetPartitions []model.PartitionID `json:"target_partitions,omitempty"`
}

// Scanner is the partition read surface the router executes against.
// Satisfied by replica.Service.
type Scanner interface {
	Read(ctx context.Context, ref model.PartitionRef, key []byte, readTS uint64) (*model.Row, error)
	Scan(ctx context.Context, ref model.PartitionRef, start, end []byte, readTS uint64) ([]*model.Row, error)
}

// Router turns table sets into execution plans and runs them.
type Router struct {
	catalog  *schema.Catalog
	zones    *zone.Registry
	planner  *placement.Planner
	replicas Scanner
	clock    *clock.HLC
	logger   *zap.Logger
}

// New creates a router.
func New(catalog *schema.Catalog, zones *zone.Registry, planner *placement.Planner, replicas Scanner, hlc *clock.HLC, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		catalog:  catalog,
		zones:    zones,
		planner:  planner,
		replicas: replicas,
		clock:    hlc,
		logger:   logger,
	}
}

// PlanGet plans a single-row lookup: always local to the owning
// partition, or broadcast for a replicated table.
func (r *Router) PlanGet(ctx context.Context, table string, key model.RowKey) (*Plan, error) {
	td, err := r.catalog.Table(ctx, table)
	if err != nil {
		return nil, err
	}
	if td.Replicated {
		return &Plan{Mode: ModeBroadcast, Tables: []string{table}}, nil
	}
	pl, err := r.planner.ResolvePlacement(ctx, table, key)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Mode:             ModeLocal,
		Tables:           []string{table},
		Zone:             pl.Zone,
		TargetPartitions: []model.PartitionID{pl.Partition},
	}, nil
}

// PlanJoin plans a query joining the given tables on joinColumns. The
// join is colocation-safe, and thus local to each partition, only when
// every partitioned table transitively shares one colocation root and
// the join predicate covers the full colocation key; replicated tables
// never break locality because every node holds them whole. Anything
// else shuffles.
func (r *Router) PlanJoin(ctx context.Context, tables []string, joinColumns []string) (*Plan, error) {
	if len(tables) == 0 {
		return nil, errors.New(errors.CodeInvalidKey, "no tables to plan")
	}

	var partitioned []*model.TableDescriptor
	for _, name := range tables {
		td, err := r.catalog.Table(ctx, name)
		if err != nil {
			return nil, err
		}
		if !td.Replicated {
			partitioned = append(partitioned, td)
		}
	}

	plan := &Plan{Tables: append([]string(nil), tables...)}

	if len(partitioned) == 0 {
		plan.Mode = ModeBroadcast
		metrics.RouterQueries.WithLabelValues(string(ModeBroadcast)).Inc()
		return plan, nil
	}

	root, err := r.catalog.ColocationRoot(ctx, partitioned[0].Name)
	if err != nil {
		return nil, err
	}
	colocated := true
	for _, td := range partitioned[1:] {
		otherRoot, err := r.catalog.ColocationRoot(ctx, td.Name)
		if err != nil {
			return nil, err
		}
		if otherRoot.Name != root.Name {
			colocated = false
			break
		}
	}
	if colocated {
		// The predicate must name every colocation column. The chain
		// shares colocation key values but not necessarily names, so
		// any member's spelling of the key qualifies; a subset, or
		// unrelated columns of the same width, does not pin both sides
		// to one partition.
		covered := coversColumns(joinColumns, schema.DistributionColumns(root))
		for _, td := range partitioned {
			covered = covered || coversColumns(joinColumns, schema.DistributionColumns(td))
		}
		colocated = covered
	}

	z, err := r.zones.GetZone(ctx, root.Zone)
	if err != nil {
		return nil, err
	}
	plan.Zone = z.Name
	plan.TargetPartitions = allPartitions(z.PartitionCount)

	if colocated {
		plan.Mode = ModeLocal
	} else {
		plan.Mode = ModeShuffle
	}
	metrics.RouterQueries.WithLabelValues(string(plan.Mode)).Inc()
	return plan, nil
}

func coversColumns(joinColumns, distribution []string) bool {
	if len(joinColumns) != len(distribution) {
		return false
	}
	have := make(map[string]bool, len(joinColumns))
	for _, col := range joinColumns {
		have[col] = true
	}
	for _, col := range distribution {
		if !have[col] {
			return false
		}
	}
	return true
}

func allPartitions(count int) []model.PartitionID {
	out := make([]model.PartitionID, count)
	for i := range out {
		out[i] = model.PartitionID(i)
	}
	return out
}

// ScanTable fetches every row of a table across all its partitions at a
// single snapshot timestamp.
func (r *Router) ScanTable(ctx context.Context, table string) ([]*model.Row, error) {
	return r.ScanTableAt(ctx, table, r.clock.Now())
}

// ScanTableAt is ScanTable pinned to a caller-chosen snapshot, so
// several tables can be fetched at the same consistent point.
func (r *Router) ScanTableAt(ctx context.Context, table string, readTS uint64) ([]*model.Row, error) {
	td, err := r.catalog.Table(ctx, table)
	if err != nil {
		return nil, err
	}
	root, err := r.catalog.ColocationRoot(ctx, table)
	if err != nil {
		return nil, err
	}
	z, err := r.zones.GetZone(ctx, root.Zone)
	if err != nil {
		return nil, err
	}

	start, end := placement.TableRange(table)
	var rows []*model.Row
	for pid := 0; pid < z.PartitionCount; pid++ {
		ref := model.PartitionRef{Zone: z.Name, Partition: model.PartitionID(pid)}
		part, err := r.replicas.Scan(ctx, ref, start, end, readTS)
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
		if td.Replicated {
			// Every partition of a replicated table holds the full
			// copy; one is enough.
			break
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return string(rows[i].Key) < string(rows[j].Key)
	})
	return rows, nil
}

// KeyExtractor derives a row's join key from its value.
type KeyExtractor func(row *model.Row) ([]byte, error)

// JoinedRow pairs one left row with one matching right row.
type JoinedRow struct {
	Left  *model.Row
	Right *model.Row
}

// ShuffleJoin executes an equi-join between two non-colocated tables:
// both sides are fetched at one snapshot timestamp, hashed on the
// extracted join key at the coordinating node, and matched bucket by
// bucket. Output order follows the left table's key order.
func (r *Router) ShuffleJoin(ctx context.Context, leftTable, rightTable string, leftKey, rightKey KeyExtractor) ([]JoinedRow, error) {
	readTS := r.clock.Now()

	left, err := r.ScanTableAt(ctx, leftTable, readTS)
	if err != nil {
		return nil, err
	}
	right, err := r.ScanTableAt(ctx, rightTable, readTS)
	if err != nil {
		return nil, err
	}

	buckets := make(map[uint64][]*model.Row)
	for _, row := range right {
		k, err := rightKey(row)
		if err != nil {
			return nil, err
		}
		h := xxhash.Sum64(k)
		buckets[h] = append(buckets[h], row)
	}

	var out []JoinedRow
	for _, row := range left {
		k, err := leftKey(row)
		if err != nil {
			return nil, err
		}
		for _, match := range buckets[xxhash.Sum64(k)] {
			mk, err := rightKey(match)
			if err != nil {
				return nil, err
			}
			// Hash buckets can collide; compare the real keys.
			if string(mk) == string(k) {
				out = append(out, JoinedRow{Left: row, Right: match})
			}
		}
	}
	return out, nil
}

// ComputeTarget names where a compute task should run.
type ComputeTarget struct {
	Ref      model.PartitionRef `json:"ref"`
	Node     model.NodeID       `json:"node"`
	ReadOnly bool               `json:"read_only"`
}

// RouteCompute resolves the nodes a compute task must run on. A keyed
// task goes to the partition owning the key: the leader when the task
// writes, any replica when read-only. With no key the task broadcasts to
// one node per partition.
func (r *Router) RouteCompute(ctx context.Context, table string, key model.RowKey, readOnly bool) ([]ComputeTarget, error) {
	root, err := r.catalog.ColocationRoot(ctx, table)
	if err != nil {
		return nil, err
	}
	assignment, err := r.zones.GetAssignment(ctx, root.Zone)
	if err != nil {
		return nil, errors.Wrap(errors.CodePartitionUnavailable, "zone has no partition assignment", err)
	}

	pick := func(pid model.PartitionID) (model.NodeID, error) {
		nodes := assignment.Replicas(pid)
		if len(nodes) == 0 {
			return "", errors.Newf(errors.CodePartitionUnavailable,
				"partition %s/%d has no replicas", root.Zone, pid)
		}
		if readOnly {
			// Spread read-only tasks across replicas.
			return nodes[int(pid)%len(nodes)], nil
		}
		return nodes[0], nil
	}

	if key != nil {
		pl, err := r.planner.ResolvePlacement(ctx, table, key)
		if err != nil {
			return nil, err
		}
		node, err := pick(pl.Partition)
		if err != nil {
			return nil, err
		}
		return []ComputeTarget{{Ref: pl.Ref(), Node: node, ReadOnly: readOnly}}, nil
	}

	targets := make([]ComputeTarget, 0, len(assignment.Partitions))
	for pid := range assignment.Partitions {
		node, err := pick(pid)
		if err != nil {
			return nil, err
		}
		targets = append(targets, ComputeTarget{
			Ref:      model.PartitionRef{Zone: root.Zone, Partition: pid},
			Node:     node,
			ReadOnly: readOnly,
		})
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Ref.Partition < targets[j].Ref.Partition
	})
	return targets, nil
}
