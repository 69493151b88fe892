package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedb/zonedb/internal/client"
	"github.com/zonedb/zonedb/internal/clock"
	"github.com/zonedb/zonedb/internal/config"
	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/placement"
	"github.com/zonedb/zonedb/internal/replica"
	"github.com/zonedb/zonedb/internal/replication"
	"github.com/zonedb/zonedb/internal/router"
	"github.com/zonedb/zonedb/internal/schema"
	"github.com/zonedb/zonedb/internal/service"
	"github.com/zonedb/zonedb/internal/store"
	"github.com/zonedb/zonedb/internal/txn"
	"github.com/zonedb/zonedb/internal/zone"
)

func newTestServer(t *testing.T) *httptest.Server {
	ts, _ := newTestServerWithPrimitive(t)
	return ts
}

func newTestServerWithPrimitive(t *testing.T) (*httptest.Server, *replication.MemoryPrimitive) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Node.ID = "node-1"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

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
	tables := service.NewTableService(catalog, planner, zones, coord, nil)
	rt := router.New(catalog, zones, planner, replicas, hlc, nil)

	srv := New(cfg, Deps{
		Zones:    zones,
		Catalog:  catalog,
		Tables:   tables,
		Replicas: replicas,
		Router:   rt,
		Meta:     meta,
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, prim
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createSchema(t *testing.T, ts *httptest.Server) {
	resp := doJSON(t, ts, http.MethodPost, "/v1/zones",
		model.Zone{Name: "main", PartitionCount: 4, ReplicationFactor: 1}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodPost, "/v1/tables", model.TableDescriptor{
		Name: "customers", Zone: "main",
		PrimaryKey: []string{"id"}, ColocationKey: []string{"id"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodPost, "/v1/tables", model.TableDescriptor{
		Name: "orders", Zone: "main",
		PrimaryKey: []string{"customerId", "orderId"}, ColocationKey: []string{"customerId"},
		ColocatedWith: "customers",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestDDLAndRowLifecycle(t *testing.T) {
	ts := newTestServer(t)
	createSchema(t, ts)

	key := model.RowKey{"id": []byte("c1")}

	resp := doJSON(t, ts, http.MethodPut, "/v1/tables/customers/rows",
		map[string]any{"key": key, "value": []byte("Alice")}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got client.ReadResponse
	resp = doJSON(t, ts, http.MethodPost, "/v1/tables/customers/rows/get",
		map[string]any{"key": key}, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, got.Found)
	assert.Equal(t, []byte("Alice"), got.Row.Value)

	resp = doJSON(t, ts, http.MethodPost, "/v1/tables/customers/rows/delete",
		map[string]any{"key": key}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got = client.ReadResponse{}
	doJSON(t, ts, http.MethodPost, "/v1/tables/customers/rows/get",
		map[string]any{"key": key}, &got)
	assert.False(t, got.Found)
}

func TestExplicitTransactionSpansRequests(t *testing.T) {
	ts := newTestServer(t)
	createSchema(t, ts)

	var begin beginTxnResponse
	resp := doJSON(t, ts, http.MethodPost, "/v1/transactions", nil, &begin)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, begin.TxnID)

	key := model.RowKey{"id": []byte("c2")}
	resp = doJSON(t, ts, http.MethodPut, "/v1/tables/customers/rows",
		map[string]any{"txn_id": begin.TxnID, "key": key, "value": []byte("Bob")}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Not visible outside the transaction before commit.
	var outside client.ReadResponse
	doJSON(t, ts, http.MethodPost, "/v1/tables/customers/rows/get",
		map[string]any{"key": key}, &outside)
	assert.False(t, outside.Found)

	resp = doJSON(t, ts, http.MethodPost, "/v1/transactions/"+begin.TxnID+"/commit", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var after client.ReadResponse
	doJSON(t, ts, http.MethodPost, "/v1/tables/customers/rows/get",
		map[string]any{"key": key}, &after)
	assert.True(t, after.Found)
}

func TestAbortDiscardsWrites(t *testing.T) {
	ts := newTestServer(t)
	createSchema(t, ts)

	var begin beginTxnResponse
	doJSON(t, ts, http.MethodPost, "/v1/transactions", nil, &begin)

	key := model.RowKey{"id": []byte("c3")}
	doJSON(t, ts, http.MethodPut, "/v1/tables/customers/rows",
		map[string]any{"txn_id": begin.TxnID, "key": key, "value": []byte("gone")}, nil)

	resp := doJSON(t, ts, http.MethodPost, "/v1/transactions/"+begin.TxnID+"/abort", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got client.ReadResponse
	doJSON(t, ts, http.MethodPost, "/v1/tables/customers/rows/get",
		map[string]any{"key": key}, &got)
	assert.False(t, got.Found)
}

func TestQueryPlanEndpoint(t *testing.T) {
	ts := newTestServer(t)
	createSchema(t, ts)

	var plan router.Plan
	resp := doJSON(t, ts, http.MethodPost, "/v1/query/plan",
		map[string]any{"tables": []string{"customers", "orders"}, "join_columns": []string{"customerId"}}, &plan)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, router.ModeLocal, plan.Mode)
	assert.Len(t, plan.TargetPartitions, 4)
}

func TestScanEndpoint(t *testing.T) {
	ts := newTestServer(t)
	createSchema(t, ts)

	for i := 0; i < 5; i++ {
		doJSON(t, ts, http.MethodPut, "/v1/tables/customers/rows",
			map[string]any{
				"key":   model.RowKey{"id": []byte(fmt.Sprintf("c%d", i))},
				"value": []byte("v"),
			}, nil)
	}

	var scan client.ScanResponse
	resp := doJSON(t, ts, http.MethodGet, "/v1/tables/customers/scan", nil, &scan)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, scan.Rows, 5)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	createSchema(t, ts)

	// Unknown table.
	resp := doJSON(t, ts, http.MethodPost, "/v1/tables/ghost/rows/get",
		map[string]any{"key": model.RowKey{"id": []byte("x")}}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Duplicate zone.
	resp = doJSON(t, ts, http.MethodPost, "/v1/zones",
		model.Zone{Name: "main", PartitionCount: 4, ReplicationFactor: 1}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Dropping a zone with attached tables.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/zones/main", nil)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusConflict, raw.StatusCode)

	// Raft traffic on a non-raft node.
	resp = doJSON(t, ts, http.MethodPost, "/internal/raft/step",
		client.RaftMessage{Zone: "main", Partition: 0}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPeerSurfaceServesPartitionOps(t *testing.T) {
	ts := newTestServer(t)
	createSchema(t, ts)

	ref := "/internal/partitions/main/0"

	resp := doJSON(t, ts, http.MethodPost, ref+"/write",
		client.WriteRequest{TxnID: "txn-x", KV: model.KV{Key: []byte("k"), Value: []byte("v")}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var prep replica.PrepareResult
	resp = doJSON(t, ts, http.MethodPost, ref+"/prepare",
		client.PrepareRequest{TxnID: "txn-x", StartTS: 1}, &prep)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, model.VoteYes, prep.Vote)

	resp = doJSON(t, ts, http.MethodPost, ref+"/commit",
		client.DecisionRequest{TxnID: "txn-x", CommitTS: prep.Clock + 1}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var read client.ReadResponse
	resp = doJSON(t, ts, http.MethodPost, ref+"/read",
		client.ReadRequest{Key: []byte("k"), ReadTS: prep.Clock + 2}, &read)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, read.Found)
	assert.Equal(t, []byte("v"), read.Row.Value)
}

// staticBook points every node ID at one address.
type staticBook string

func (b staticBook) Lookup(model.NodeID) (string, bool) { return string(b), true }

func TestPeerClientRoundTrip(t *testing.T) {
	ts, prim := newTestServerWithPrimitive(t)
	createSchema(t, ts)

	addr := strings.TrimPrefix(ts.URL, "http://")
	peer := client.New(staticBook(addr), 5*time.Second, nil)
	ctx := context.Background()
	ref := model.PartitionRef{Zone: "main", Partition: 1}

	require.NoError(t, peer.ProposeWrite(ctx, "node-1", ref, "txn-rt",
		model.KV{Key: []byte("rk"), Value: []byte("rv")}))

	prep, err := peer.Prepare(ctx, "node-1", ref, "txn-rt", 1)
	require.NoError(t, err)
	require.Equal(t, model.VoteYes, prep.Vote)

	require.NoError(t, peer.Commit(ctx, "node-1", ref, "txn-rt", prep.Clock+1))

	row, err := peer.Read(ctx, "node-1", ref, []byte("rk"), prep.Clock+2)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("rv"), row.Value)

	rows, err := peer.Scan(ctx, "node-1", ref, nil, nil, prep.Clock+2)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// Typed errors survive the wire.
	down := model.PartitionRef{Zone: "main", Partition: 2}
	prim.SetUnavailable(down, true)
	err = peer.ProposeWrite(ctx, "node-1", down, "txn-rt2",
		model.KV{Key: []byte("x"), Value: []byte("y")})
	require.Error(t, err)
	assert.True(t, errors.Retryable(err))
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
