// Package replica exposes partition operations to the transaction and
// routing layers. Each operation is routed to the partition's current
// leader: executed locally through the replication primitive when this
// node leads, forwarded to the leader otherwise. Mutations reach the
// partition store only through the replicated log, so every replica
// applies them in the same order.
package replica

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/clock"
	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/metrics"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/mvcc"
	"github.com/zonedb/zonedb/internal/replication"
)

// AssignmentSource resolves a zone's partition assignment. Satisfied by
// the zone registry.
type AssignmentSource interface {
	GetAssignment(ctx context.Context, zone string) (*model.PartitionAssignment, error)
}

// PrepareResult is a participant's phase-1 reply. Clock carries the
// participant's hybrid-logical-clock reading so the coordinator can pick
// a commit timestamp at or above every participant's clock.
type PrepareResult struct {
	Vote  model.Vote `json:"vote"`
	Clock uint64     `json:"clock"`
}

// PeerClient performs partition operations against a remote node.
type PeerClient interface {
	Read(ctx context.Context, node model.NodeID, ref model.PartitionRef, key []byte, readTS uint64) (*model.Row, error)
	Scan(ctx context.Context, node model.NodeID, ref model.PartitionRef, start, end []byte, readTS uint64) ([]*model.Row, error)
	ProposeWrite(ctx context.Context, node model.NodeID, ref model.PartitionRef, txnID string, kv model.KV) error
	Prepare(ctx context.Context, node model.NodeID, ref model.PartitionRef, txnID string, startTS uint64) (PrepareResult, error)
	Commit(ctx context.Context, node model.NodeID, ref model.PartitionRef, txnID string, commitTS uint64) error
	Abort(ctx context.Context, node model.NodeID, ref model.PartitionRef, txnID string) error
}

// Service hosts this node's partition stores and routes partition
// operations cluster-wide.
type Service struct {
	nodeID      model.NodeID
	primitive   replication.Primitive
	assignments AssignmentSource
	peers       PeerClient
	clock       *clock.HLC
	logger      *zap.Logger

	mu     sync.RWMutex
	stores map[model.PartitionRef]*mvcc.Store
}

// NewService creates the replica service for one node.
func NewService(
	nodeID model.NodeID,
	primitive replication.Primitive,
	assignments AssignmentSource,
	peers PeerClient,
	hlc *clock.HLC,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		nodeID:      nodeID,
		primitive:   primitive,
		assignments: assignments,
		peers:       peers,
		clock:       hlc,
		logger:      logger,
		stores:      make(map[model.PartitionRef]*mvcc.Store),
	}
}

// Store returns the local store for a partition, creating it on first
// use. Called by the applier path and by tests.
func (s *Service) Store(ref model.PartitionRef) *mvcc.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[ref]
	if !ok {
		st = mvcc.NewStore(s.logger)
		s.stores[ref] = st
	}
	return st
}

// Stores snapshots the local partition set, for GC sweeps.
func (s *Service) Stores() map[model.PartitionRef]*mvcc.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.PartitionRef]*mvcc.Store, len(s.stores))
	for ref, st := range s.stores {
		out[ref] = st
	}
	return out
}

// Apply implements replication.Applier: committed partition-log entries
// land here on every replica, in log order. All entry handlers are
// idempotent, so re-delivery after a leader change is harmless.
func (s *Service) Apply(ref model.PartitionRef, data []byte) error {
	entry, err := replication.DecodeEntry(data)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "undecodable partition log entry", err)
	}

	st := s.Store(ref)
	switch entry.Type {
	case replication.EntryWrite:
		for _, kv := range entry.Writes {
			if err := st.StageWrite(entry.TxnID, kv); err != nil {
				return err
			}
		}
		return nil
	case replication.EntryPrepare:
		_, err := st.Prepare(entry.TxnID, entry.StartTS)
		return err
	case replication.EntryCommit:
		s.clock.Update(entry.CommitTS)
		return st.Commit(entry.TxnID, entry.CommitTS)
	case replication.EntryAbort:
		return st.Abort(entry.TxnID)
	default:
		return errors.Newf(errors.CodeInternal, "unknown partition log entry type %d", entry.Type)
	}
}

// Read serves a snapshot read at readTS from the partition's leader. A
// key with no visible version yields a nil row and no error.
func (s *Service) Read(ctx context.Context, ref model.PartitionRef, key []byte, readTS uint64) (*model.Row, error) {
	leader, local, err := s.leaderFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	metrics.PartitionOps.WithLabelValues("read", locality(local)).Inc()
	if local {
		row, err := s.Store(ref).Get(key, readTS)
		if errors.Is(err, errors.ErrNotFound) {
			// Absence is an answer, not a failure.
			return nil, nil
		}
		return row, err
	}
	return s.peers.Read(ctx, leader, ref, key, readTS)
}

// Scan returns all rows of the partition visible at readTS.
func (s *Service) Scan(ctx context.Context, ref model.PartitionRef, start, end []byte, readTS uint64) ([]*model.Row, error) {
	leader, local, err := s.leaderFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	metrics.PartitionOps.WithLabelValues("scan", locality(local)).Inc()
	if local {
		return s.Store(ref).Scan(start, end, readTS), nil
	}
	return s.peers.Scan(ctx, leader, ref, start, end, readTS)
}

// ProposeWrite stages a transactional write on the partition.
func (s *Service) ProposeWrite(ctx context.Context, ref model.PartitionRef, txnID string, kv model.KV) error {
	leader, local, err := s.leaderFor(ctx, ref)
	if err != nil {
		return err
	}
	metrics.PartitionOps.WithLabelValues("write", locality(local)).Inc()
	if !local {
		return s.peers.ProposeWrite(ctx, leader, ref, txnID, kv)
	}
	return s.propose(ctx, ref, &replication.Entry{
		Type:   replication.EntryWrite,
		TxnID:  txnID,
		Writes: []model.KV{kv},
	})
}

// Prepare runs phase 1 on the partition and reports the vote together
// with the participant's clock.
func (s *Service) Prepare(ctx context.Context, ref model.PartitionRef, txnID string, startTS uint64) (PrepareResult, error) {
	leader, local, err := s.leaderFor(ctx, ref)
	if err != nil {
		return PrepareResult{}, err
	}
	metrics.PartitionOps.WithLabelValues("prepare", locality(local)).Inc()
	if !local {
		res, err := s.peers.Prepare(ctx, leader, ref, txnID, startTS)
		if err == nil {
			s.clock.Update(res.Clock)
		}
		return res, err
	}

	if err := s.propose(ctx, ref, &replication.Entry{
		Type:    replication.EntryPrepare,
		TxnID:   txnID,
		StartTS: startTS,
	}); err != nil {
		return PrepareResult{}, err
	}
	// The vote was decided when the entry applied; re-reading it is a
	// no-op by idempotency.
	vote, err := s.Store(ref).Prepare(txnID, startTS)
	if err != nil {
		return PrepareResult{}, err
	}
	return PrepareResult{Vote: vote, Clock: s.clock.Now()}, nil
}

// Commit applies the commit decision on the partition.
func (s *Service) Commit(ctx context.Context, ref model.PartitionRef, txnID string, commitTS uint64) error {
	leader, local, err := s.leaderFor(ctx, ref)
	if err != nil {
		return err
	}
	metrics.PartitionOps.WithLabelValues("commit", locality(local)).Inc()
	if !local {
		return s.peers.Commit(ctx, leader, ref, txnID, commitTS)
	}
	return s.propose(ctx, ref, &replication.Entry{
		Type:     replication.EntryCommit,
		TxnID:    txnID,
		CommitTS: commitTS,
	})
}

// Abort applies the abort decision on the partition.
func (s *Service) Abort(ctx context.Context, ref model.PartitionRef, txnID string) error {
	leader, local, err := s.leaderFor(ctx, ref)
	if err != nil {
		return err
	}
	metrics.PartitionOps.WithLabelValues("abort", locality(local)).Inc()
	if !local {
		return s.peers.Abort(ctx, leader, ref, txnID)
	}
	return s.propose(ctx, ref, &replication.Entry{
		Type:  replication.EntryAbort,
		TxnID: txnID,
	})
}

func (s *Service) propose(ctx context.Context, ref model.PartitionRef, entry *replication.Entry) error {
	data, err := entry.Encode()
	if err != nil {
		return err
	}
	return s.primitive.Propose(ctx, ref, data)
}

// leaderFor resolves the partition's leader. The replication primitive
// is authoritative for partitions this node replicates; the published
// assignment covers the rest.
func (s *Service) leaderFor(ctx context.Context, ref model.PartitionRef) (model.NodeID, bool, error) {
	if leader, ok := s.primitive.CurrentLeader(ref); ok {
		return leader, leader == s.nodeID, nil
	}

	assignment, err := s.assignments.GetAssignment(ctx, ref.Zone)
	if err != nil {
		return "", false, errors.Wrap(errors.CodePartitionUnavailable, "no assignment for partition", err)
	}
	leader, ok := assignment.Leader(ref.Partition)
	if !ok {
		return "", false, errors.Newf(errors.CodePartitionUnavailable,
			"partition %s/%d has no leader", ref.Zone, ref.Partition)
	}
	return leader, leader == s.nodeID, nil
}

func locality(local bool) string {
	if local {
		return "local"
	}
	return "forwarded"
}
