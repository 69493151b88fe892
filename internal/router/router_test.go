package router

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedb/zonedb/internal/clock"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/placement"
	"github.com/zonedb/zonedb/internal/replica"
	"github.com/zonedb/zonedb/internal/replication"
	"github.com/zonedb/zonedb/internal/schema"
	"github.com/zonedb/zonedb/internal/store"
	"github.com/zonedb/zonedb/internal/txn"
	"github.com/zonedb/zonedb/internal/zone"
)

type fixture struct {
	zones    *zone.Registry
	catalog  *schema.Catalog
	planner  *placement.Planner
	replicas *replica.Service
	coord    *txn.Coordinator
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	meta := store.NewMemoryMetadataStore(nil)
	zones := zone.NewRegistry(meta, nil)
	catalog := schema.NewCatalog(meta, zones, nil)
	planner := placement.NewPlanner(catalog, zones, nil)

	hlc := clock.New(nil)
	late := &replication.LateBoundApplier{}
	prim := replication.NewMemoryPrimitive("node-1", late, nil)
	replicas := replica.NewService("node-1", prim, zones, nil, hlc, nil)
	late.Target = replicas
	coord := txn.NewCoordinator(replicas, store.NewMemoryDecisionLog(), hlc, txn.Options{}, nil)

	require.NoError(t, zones.CreateZone(ctx, model.Zone{Name: "main", PartitionCount: 4, ReplicationFactor: 1}))
	require.NoError(t, zones.CreateZone(ctx, model.Zone{Name: "edge", PartitionCount: 2, ReplicationFactor: 1}))

	require.NoError(t, catalog.CreateTable(ctx, model.TableDescriptor{
		Name: "customers", Zone: "main",
		PrimaryKey: []string{"id"}, ColocationKey: []string{"id"},
	}))
	require.NoError(t, catalog.CreateTable(ctx, model.TableDescriptor{
		Name: "orders", Zone: "main",
		PrimaryKey: []string{"customerId", "orderId"}, ColocationKey: []string{"customerId"},
		ColocatedWith: "customers",
	}))
	require.NoError(t, catalog.CreateTable(ctx, model.TableDescriptor{
		Name: "shipments", Zone: "edge",
		PrimaryKey: []string{"shipmentId"},
	}))
	require.NoError(t, catalog.CreateTable(ctx, model.TableDescriptor{
		Name: "regions", Zone: "main", PrimaryKey: []string{"code"}, Replicated: true,
	}))

	return &fixture{
		zones:    zones,
		catalog:  catalog,
		planner:  planner,
		replicas: replicas,
		coord:    coord,
		router:   New(catalog, zones, planner, replicas, hlc, nil),
	}
}

// writeRow commits one row through the transaction layer, fanning a
// replicated table's row to every partition of its zone.
func (f *fixture) writeRow(t *testing.T, table string, key model.RowKey, value []byte) {
	t.Helper()
	ctx := context.Background()

	tx, err := f.coord.Begin(ctx)
	require.NoError(t, err)

	engineKey, err := f.planner.EngineKey(ctx, table, key)
	require.NoError(t, err)

	td, err := f.catalog.Table(ctx, table)
	require.NoError(t, err)
	if td.Replicated {
		z, err := f.zones.GetZone(ctx, td.Zone)
		require.NoError(t, err)
		for pid := 0; pid < z.PartitionCount; pid++ {
			ref := model.PartitionRef{Zone: z.Name, Partition: model.PartitionID(pid)}
			require.NoError(t, f.coord.Write(tx, ref, engineKey, value))
		}
	} else {
		pl, err := f.planner.ResolvePlacement(ctx, table, key)
		require.NoError(t, err)
		require.NoError(t, f.coord.Write(tx, pl.Ref(), engineKey, value))
	}
	require.NoError(t, f.coord.Commit(ctx, tx))
}

func bs(s string) []byte { return []byte(s) }

func TestColocatedJoinPlansLocal(t *testing.T) {
	f := newFixture(t)

	plan, err := f.router.PlanJoin(context.Background(), []string{"customers", "orders"}, []string{"customerId"})
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, plan.Mode)
	assert.Equal(t, "main", plan.Zone)
	assert.Equal(t, []model.PartitionID{0, 1, 2, 3}, plan.TargetPartitions)
}

func TestJoinOffTheColocationKeyPlansShuffle(t *testing.T) {
	f := newFixture(t)

	// Same width as the colocation key, but the wrong column: matching
	// rows land on arbitrary partitions.
	plan, err := f.router.PlanJoin(context.Background(), []string{"customers", "orders"}, []string{"orderId"})
	require.NoError(t, err)
	assert.Equal(t, ModeShuffle, plan.Mode)
}

func TestNonColocatedJoinPlansShuffle(t *testing.T) {
	f := newFixture(t)

	plan, err := f.router.PlanJoin(context.Background(), []string{"orders", "shipments"}, []string{"orderId"})
	require.NoError(t, err)
	assert.Equal(t, ModeShuffle, plan.Mode)
}

func TestPartialColocationKeyJoinPlansShuffle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Colocated tables joined on less than the full colocation key
	// cannot be pinned to one partition.
	require.NoError(t, f.catalog.CreateTable(ctx, model.TableDescriptor{
		Name: "invoices", Zone: "main",
		PrimaryKey: []string{"customerId", "invoiceId"}, ColocationKey: []string{"customerId"},
		ColocatedWith: "customers",
	}))

	plan, err := f.router.PlanJoin(ctx, []string{"orders", "invoices"}, []string{})
	require.NoError(t, err)
	assert.Equal(t, ModeShuffle, plan.Mode)
}

func TestReplicatedTableNeverBreaksLocality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.router.PlanJoin(ctx, []string{"orders", "regions"}, []string{"customerId"})
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, plan.Mode)

	plan, err = f.router.PlanJoin(ctx, []string{"regions"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeBroadcast, plan.Mode)
}

func TestPlanGetTargetsOwningPartition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.router.PlanGet(ctx, "orders", model.RowKey{"customerId": bs("42"), "orderId": bs("7")})
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, plan.Mode)
	require.Len(t, plan.TargetPartitions, 1)

	// The owning partition is the same one the colocation root hashes to.
	pl, err := f.planner.ResolvePlacement(ctx, "customers", model.RowKey{"id": bs("42")})
	require.NoError(t, err)
	assert.Equal(t, pl.Partition, plan.TargetPartitions[0])
}

func TestScanTableMergesAllPartitions(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		f.writeRow(t, "customers", model.RowKey{"id": bs(fmt.Sprintf("c%d", i))}, bs(fmt.Sprintf("name%d", i)))
	}

	rows, err := f.router.ScanTable(context.Background(), "customers")
	require.NoError(t, err)
	assert.Len(t, rows, 10)
	assert.True(t, sort.SliceIsSorted(rows, func(i, j int) bool {
		return string(rows[i].Key) < string(rows[j].Key)
	}))
}

func TestScanReplicatedTableReadsOneCopy(t *testing.T) {
	f := newFixture(t)

	f.writeRow(t, "regions", model.RowKey{"code": bs("eu")}, bs("Europe"))
	f.writeRow(t, "regions", model.RowKey{"code": bs("us")}, bs("United States"))

	rows, err := f.router.ScanTable(context.Background(), "regions")
	require.NoError(t, err)
	assert.Len(t, rows, 2, "a replicated table must not return one row per partition")
}

func TestShuffleJoinMatchesReferenceJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// orders carry a shipment id in their value; shipments live in a
	// different zone, so the join must shuffle.
	orderShipments := map[string]string{
		"o1": "s1", "o2": "s2", "o3": "s1", "o4": "s9",
	}
	i := 0
	for order, shipment := range orderShipments {
		cust := fmt.Sprintf("c%d", i%3)
		f.writeRow(t, "orders",
			model.RowKey{"customerId": bs(cust), "orderId": bs(order)}, bs(shipment))
		i++
	}
	for _, s := range []string{"s1", "s2", "s3"} {
		f.writeRow(t, "shipments", model.RowKey{"shipmentId": bs(s)}, bs("depot-"+s))
	}

	joined, err := f.router.ShuffleJoin(ctx, "orders", "shipments",
		func(row *model.Row) ([]byte, error) { return row.Value, nil },
		func(row *model.Row) ([]byte, error) {
			// Shipment engine keys end with the length-prefixed id; the
			// value encodes it too ("depot-<id>").
			return row.Value[len("depot-"):], nil
		})
	require.NoError(t, err)

	// Reference join computed directly on the source maps.
	shipments := map[string]bool{"s1": true, "s2": true, "s3": true}
	want := map[string]int{}
	for _, shipment := range orderShipments {
		if shipments[shipment] {
			want[shipment]++
		}
	}
	got := map[string]int{}
	for _, jr := range joined {
		// The order's value is the shipment id it joined on; both sides
		// of the pair must agree.
		shipment := string(jr.Left.Value)
		assert.Equal(t, "depot-"+shipment, string(jr.Right.Value))
		got[shipment]++
	}
	assert.Equal(t, want, got)
}

func TestRouteComputeKeyedWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.zones.AssignPartitions(ctx, "main", []model.NodeID{"node-1", "node-2", "node-3"})
	require.NoError(t, err)

	targets, err := f.router.RouteCompute(ctx, "orders", model.RowKey{"customerId": bs("42")}, false)
	require.NoError(t, err)
	require.Len(t, targets, 1)

	// Writes go to the leader, the first replica in the assignment.
	assignment, err := f.zones.GetAssignment(ctx, "main")
	require.NoError(t, err)
	leader, ok := assignment.Leader(targets[0].Ref.Partition)
	require.True(t, ok)
	assert.Equal(t, leader, targets[0].Node)
}

func TestRouteComputeBroadcastsWithoutKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.zones.AssignPartitions(ctx, "main", []model.NodeID{"node-1", "node-2"})
	require.NoError(t, err)

	targets, err := f.router.RouteCompute(ctx, "orders", nil, true)
	require.NoError(t, err)
	assert.Len(t, targets, 4, "one target per partition")
	for _, target := range targets {
		assert.NotEmpty(t, target.Node)
		assert.True(t, target.ReadOnly)
	}
}
