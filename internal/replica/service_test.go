package replica

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedb/zonedb/internal/clock"
	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/replication"
)

type staticAssignments struct {
	assignment *model.PartitionAssignment
}

func (s *staticAssignments) GetAssignment(_ context.Context, zone string) (*model.PartitionAssignment, error) {
	if s.assignment == nil || s.assignment.Zone != zone {
		return nil, errors.Newf(errors.CodeNotFound, "zone %q has no assignment", zone)
	}
	return s.assignment, nil
}

type peerCall struct {
	op   string
	node model.NodeID
	ref  model.PartitionRef
}

// recordingPeers records forwarded calls instead of performing them.
type recordingPeers struct {
	calls []peerCall
	row   *model.Row
}

func (p *recordingPeers) Read(_ context.Context, node model.NodeID, ref model.PartitionRef, _ []byte, _ uint64) (*model.Row, error) {
	p.calls = append(p.calls, peerCall{"read", node, ref})
	return p.row, nil
}

func (p *recordingPeers) Scan(_ context.Context, node model.NodeID, ref model.PartitionRef, _, _ []byte, _ uint64) ([]*model.Row, error) {
	p.calls = append(p.calls, peerCall{"scan", node, ref})
	return nil, nil
}

func (p *recordingPeers) ProposeWrite(_ context.Context, node model.NodeID, ref model.PartitionRef, _ string, _ model.KV) error {
	p.calls = append(p.calls, peerCall{"write", node, ref})
	return nil
}

func (p *recordingPeers) Prepare(_ context.Context, node model.NodeID, ref model.PartitionRef, _ string, _ uint64) (PrepareResult, error) {
	p.calls = append(p.calls, peerCall{"prepare", node, ref})
	return PrepareResult{Vote: model.VoteYes, Clock: 999 << 18}, nil
}

func (p *recordingPeers) Commit(_ context.Context, node model.NodeID, ref model.PartitionRef, _ string, _ uint64) error {
	p.calls = append(p.calls, peerCall{"commit", node, ref})
	return nil
}

func (p *recordingPeers) Abort(_ context.Context, node model.NodeID, ref model.PartitionRef, _ string) error {
	p.calls = append(p.calls, peerCall{"abort", node, ref})
	return nil
}

// remoteLeaderPrimitive reports a fixed remote node as leader for every
// partition and rejects proposals.
type remoteLeaderPrimitive struct {
	leader model.NodeID
}

func (p *remoteLeaderPrimitive) Propose(context.Context, model.PartitionRef, []byte) error {
	return errors.New(errors.CodeInternal, "not the leader")
}

func (p *remoteLeaderPrimitive) CurrentLeader(model.PartitionRef) (model.NodeID, bool) {
	return p.leader, true
}

func (p *remoteLeaderPrimitive) OnLeaderChange(func(model.PartitionRef, model.NodeID)) {}
func (p *remoteLeaderPrimitive) Stop()                                                 {}

func newLocalService(t *testing.T) (*Service, *replication.MemoryPrimitive) {
	t.Helper()
	late := &replication.LateBoundApplier{}
	prim := replication.NewMemoryPrimitive("node-1", late, nil)
	svc := NewService("node-1", prim, &staticAssignments{}, nil, clock.New(nil), nil)
	late.Target = svc
	return svc, prim
}

func TestWritePrepareCommitThroughLog(t *testing.T) {
	svc, prim := newLocalService(t)
	ctx := context.Background()
	ref := model.PartitionRef{Zone: "orders", Partition: 3}

	kv := model.KV{Key: []byte("k1"), Value: []byte("v1")}
	require.NoError(t, svc.ProposeWrite(ctx, ref, "txn-1", kv))

	res, err := svc.Prepare(ctx, ref, "txn-1", 10<<18)
	require.NoError(t, err)
	assert.Equal(t, model.VoteYes, res.Vote)
	assert.NotZero(t, res.Clock)

	require.NoError(t, svc.Commit(ctx, ref, "txn-1", 20<<18))

	row, err := svc.Read(ctx, ref, []byte("k1"), 21<<18)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, []byte("v1"), row.Value)

	// Every mutation went through the replicated log.
	assert.Len(t, prim.Log(ref), 3)
}

func TestCommitAdvancesParticipantClock(t *testing.T) {
	svc, _ := newLocalService(t)
	ctx := context.Background()
	ref := model.PartitionRef{Zone: "orders", Partition: 0}

	commitTS := (uint64(1) << 62) | 5
	require.NoError(t, svc.ProposeWrite(ctx, ref, "txn-7", model.KV{Key: []byte("a"), Value: []byte("b")}))
	res, err := svc.Prepare(ctx, ref, "txn-7", 1)
	require.NoError(t, err)
	require.Equal(t, model.VoteYes, res.Vote)
	require.NoError(t, svc.Commit(ctx, ref, "txn-7", commitTS))

	res2, err := svc.Prepare(ctx, ref, "txn-8", commitTS)
	require.NoError(t, err)
	assert.Greater(t, res2.Clock, commitTS, "clock must move past observed commit timestamps")
}

func TestAbortReleasesStagedWrites(t *testing.T) {
	svc, _ := newLocalService(t)
	ctx := context.Background()
	ref := model.PartitionRef{Zone: "orders", Partition: 1}

	require.NoError(t, svc.ProposeWrite(ctx, ref, "txn-2", model.KV{Key: []byte("k"), Value: []byte("v")}))
	require.NoError(t, svc.Abort(ctx, ref, "txn-2"))

	row, err := svc.Read(ctx, ref, []byte("k"), 100<<18)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestUnavailablePartitionSurfacesRetryableError(t *testing.T) {
	svc, prim := newLocalService(t)
	ctx := context.Background()
	ref := model.PartitionRef{Zone: "orders", Partition: 2}

	prim.SetUnavailable(ref, true)

	err := svc.ProposeWrite(ctx, ref, "txn-3", model.KV{Key: []byte("k"), Value: []byte("v")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPartitionUnavailable))
	assert.True(t, errors.Retryable(err))

	prim.SetUnavailable(ref, false)
	assert.NoError(t, svc.ProposeWrite(ctx, ref, "txn-3", model.KV{Key: []byte("k"), Value: []byte("v")}))
}

func TestForwardsToRemoteLeader(t *testing.T) {
	peers := &recordingPeers{row: &model.Row{Value: []byte("remote")}}
	hlc := clock.New(func() int64 { return 0 })
	svc := NewService("node-1", &remoteLeaderPrimitive{leader: "node-2"},
		&staticAssignments{}, peers, hlc, nil)
	ctx := context.Background()
	ref := model.PartitionRef{Zone: "orders", Partition: 0}

	row, err := svc.Read(ctx, ref, []byte("k"), 5<<18)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), row.Value)

	require.NoError(t, svc.ProposeWrite(ctx, ref, "t", model.KV{Key: []byte("k")}))
	res, err := svc.Prepare(ctx, ref, "t", 1)
	require.NoError(t, err)
	assert.Equal(t, model.VoteYes, res.Vote)
	require.NoError(t, svc.Commit(ctx, ref, "t", 2))
	require.NoError(t, svc.Abort(ctx, ref, "t"))

	var ops []string
	for _, c := range peers.calls {
		assert.Equal(t, model.NodeID("node-2"), c.node)
		ops = append(ops, c.op)
	}
	assert.Equal(t, []string{"read", "write", "prepare", "commit", "abort"}, ops)

	// Forwarded prepare replies advance the local clock past the
	// participant's reading.
	assert.Greater(t, hlc.Now(), uint64(999<<18))
}

func TestFallsBackToAssignmentLeader(t *testing.T) {
	peers := &recordingPeers{}
	assignment := &model.PartitionAssignment{
		Zone:       "orders",
		Version:    1,
		Partitions: map[model.PartitionID][]model.NodeID{0: {"node-9", "node-1"}},
	}
	// A primitive that knows nothing about the partition.
	late := &replication.LateBoundApplier{}
	prim := replication.NewMemoryPrimitive("node-1", late, nil)
	ref := model.PartitionRef{Zone: "orders", Partition: 0}
	prim.SetUnavailable(ref, true)

	svc := NewService("node-1", prim, &staticAssignments{assignment: assignment}, peers, clock.New(nil), nil)
	late.Target = svc

	_, err := svc.Read(context.Background(), ref, []byte("k"), 1)
	require.NoError(t, err)
	require.Len(t, peers.calls, 1)
	assert.Equal(t, model.NodeID("node-9"), peers.calls[0].node)
}

func TestNoLeaderAnywhereIsUnavailable(t *testing.T) {
	late := &replication.LateBoundApplier{}
	prim := replication.NewMemoryPrimitive("node-1", late, nil)
	ref := model.PartitionRef{Zone: "ghost", Partition: 0}
	prim.SetUnavailable(ref, true)

	svc := NewService("node-1", prim, &staticAssignments{}, nil, clock.New(nil), nil)
	late.Target = svc

	_, err := svc.Read(context.Background(), ref, []byte("k"), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPartitionUnavailable))
}
