package placement

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/schema"
	"github.com/zonedb/zonedb/internal/store"
	"github.com/zonedb/zonedb/internal/zone"
)

func newPlanner(t *testing.T) *Planner {
	t.Helper()
	ctx := context.Background()
	meta := store.NewMemoryMetadataStore(nil)
	zones := zone.NewRegistry(meta, zap.NewNop())
	catalog := schema.NewCatalog(meta, zones, zap.NewNop())

	require.NoError(t, zones.CreateZone(ctx, model.Zone{Name: "commerce", PartitionCount: 32, ReplicationFactor: 3}))

	require.NoError(t, catalog.CreateTable(ctx, model.TableDescriptor{
		Name:       "customers",
		Zone:       "commerce",
		PrimaryKey: []string{"id"},
	}))
	require.NoError(t, catalog.CreateTable(ctx, model.TableDescriptor{
		Name:          "orders",
		Zone:          "commerce",
		PrimaryKey:    []string{"customer_id", "order_id"},
		ColocationKey: []string{"customer_id"},
		ColocatedWith: "customers",
	}))
	require.NoError(t, catalog.CreateTable(ctx, model.TableDescriptor{
		Name:          "order_items",
		Zone:          "commerce",
		PrimaryKey:    []string{"customer_id", "order_id", "line"},
		ColocationKey: []string{"customer_id"},
		ColocatedWith: "orders",
	}))
	require.NoError(t, catalog.CreateTable(ctx, model.TableDescriptor{
		Name:       "countries",
		PrimaryKey: []string{"code"},
		Replicated: true,
	}))

	return NewPlanner(catalog, zones, zap.NewNop())
}

func TestColocationInvariant(t *testing.T) {
	p := newPlanner(t)
	ctx := context.Background()

	// For every customer, the customer row, its orders and its order items
	// must resolve to the same partition.
	for i := 0; i < 200; i++ {
		id := []byte(fmt.Sprintf("cust-%d", i))

		customer, err := p.ResolvePlacement(ctx, "customers", model.RowKey{"id": id})
		require.NoError(t, err)

		order, err := p.ResolvePlacement(ctx, "orders", model.RowKey{
			"customer_id": id,
			"order_id":    []byte(fmt.Sprintf("ord-%d", i*7)),
		})
		require.NoError(t, err)

		item, err := p.ResolvePlacement(ctx, "order_items", model.RowKey{
			"customer_id": id,
			"order_id":    []byte(fmt.Sprintf("ord-%d", i*7)),
			"line":        []byte("1"),
		})
		require.NoError(t, err)

		assert.Equal(t, customer, order, "customer %d", i)
		assert.Equal(t, customer, item, "customer %d", i)
	}
}

func TestResolvePlacementDeterministic(t *testing.T) {
	p := newPlanner(t)
	ctx := context.Background()
	key := model.RowKey{"id": []byte("cust-1")}

	a, err := p.ResolvePlacement(ctx, "customers", key)
	require.NoError(t, err)
	b, err := p.ResolvePlacement(ctx, "customers", key)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "commerce", a.Zone)
}

func TestResolvePlacementMissingColumn(t *testing.T) {
	p := newPlanner(t)

	_, err := p.ResolvePlacement(context.Background(), "orders", model.RowKey{"order_id": []byte("o1")})
	assert.True(t, errors.Is(err, errors.ErrInvalidKey))
}

func TestResolvePlacementUnknownTable(t *testing.T) {
	p := newPlanner(t)

	_, err := p.ResolvePlacement(context.Background(), "missing", model.RowKey{"id": []byte("1")})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestResolvePlacementReplicatedTable(t *testing.T) {
	p := newPlanner(t)

	_, err := p.ResolvePlacement(context.Background(), "countries", model.RowKey{"code": []byte("US")})
	assert.Error(t, err)
}

func TestEngineKeySeparatesTables(t *testing.T) {
	p := newPlanner(t)
	ctx := context.Background()

	a, err := p.EngineKey(ctx, "customers", model.RowKey{"id": []byte("1")})
	require.NoError(t, err)
	b, err := p.EngineKey(ctx, "orders", model.RowKey{
		"customer_id": []byte("1"),
		"order_id":    []byte("1"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
