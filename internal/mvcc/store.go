// Package mvcc implements the per-partition versioned row store. Rows are
// kept as append-only version chains ordered by commit timestamp; readers
// at timestamp T see the newest committed version at or below T.
// Uncommitted writes are staged per transaction and become visible only
// after the partition has voted yes and the global decision is commit.
package mvcc

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

const btreeDegree = 32

type versionedRow struct {
	key     []byte
	ts      uint64
	txnID   string
	value   []byte
	deleted bool
}

// Versions sort by key ascending, then timestamp descending, so the first
// item at or after pivot (key, readTS) is the newest version visible at
// readTS.
func rowLess(a, b *versionedRow) bool {
	switch bytes.Compare(a.key, b.key) {
	case -1:
		return true
	case 1:
		return false
	default:
		return a.ts > b.ts
	}
}

type txnPhase int

const (
	phaseStaging txnPhase = iota
	phasePrepared
	phaseCommitted
	phaseAborted
)

// txnRecord tracks one transaction's footprint on this partition. It is
// retained after the transaction finishes so that a re-delivered prepare,
// commit or abort with the same txn id reproduces the recorded outcome
// instead of taking effect twice.
type txnRecord struct {
	phase    txnPhase
	startTS  uint64
	commitTS uint64
	vote     model.Vote
	writes   []model.KV
}

// Store is the row store for a single partition. All mutations arrive in
// replicated-log apply order; the mutex exists because reads bypass the
// log.
type Store struct {
	mu       sync.RWMutex
	versions *btree.BTreeG[*versionedRow]
	txns     map[string]*txnRecord
	locks    map[string]string // engine key -> preparing txn id
	logger   *zap.Logger
}

// NewStore creates an empty partition store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		versions: btree.NewG[*versionedRow](btreeDegree, rowLess),
		txns:     make(map[string]*txnRecord),
		locks:    make(map[string]string),
		logger:   logger,
	}
}

// Get returns the newest committed version of key visible at readTS.
// Readers never block on prepare locks: a version becomes visible when
// its Commit lands on this partition, not when the coordinator logs the
// decision, so a snapshot taken between the two still reads the prior
// value.
func (s *Store) Get(key []byte, readTS uint64) (*model.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.visibleLocked(key, readTS)
	if !ok || row.deleted {
		return nil, errors.Newf(errors.CodeNotFound, "key not found")
	}
	return &model.Row{
		Key:     append([]byte(nil), row.key...),
		Value:   append([]byte(nil), row.value...),
		Version: model.Version{Timestamp: row.ts, TxnID: row.txnID},
	}, nil
}

// Scan returns every row visible at readTS with start <= key < end.
// Nil bounds are open.
func (s *Store) Scan(start, end []byte, readTS uint64) []*model.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		out     []*model.Row
		lastKey []byte
	)
	emit := func(row *versionedRow) bool {
		if end != nil && bytes.Compare(row.key, end) >= 0 {
			return false
		}
		if lastKey != nil && bytes.Equal(row.key, lastKey) {
			return true // older version of an already emitted key
		}
		if row.ts > readTS {
			return true // newer than the snapshot; keep descending the chain
		}
		lastKey = append(lastKey[:0], row.key...)
		if !row.deleted {
			out = append(out, &model.Row{
				Key:     append([]byte(nil), row.key...),
				Value:   append([]byte(nil), row.value...),
				Version: model.Version{Timestamp: row.ts, TxnID: row.txnID},
			})
		}
		return true
	}

	if start == nil {
		s.versions.Ascend(emit)
	} else {
		s.versions.AscendGreaterOrEqual(&versionedRow{key: start, ts: ^uint64(0)}, emit)
	}
	return out
}

// StageWrite buffers one write of a transaction. No visibility, no
// conflict check; conflicts are decided at prepare.
func (s *Store) StageWrite(txnID string, kv model.KV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txns[txnID]
	if rec == nil {
		rec = &txnRecord{phase: phaseStaging}
		s.txns[txnID] = rec
	}
	switch rec.phase {
	case phaseStaging:
	case phasePrepared:
		return errors.Newf(errors.CodeTransactionFinished, "txn %s already prepared on this partition", txnID)
	default:
		return errors.Newf(errors.CodeTransactionFinished, "txn %s already finished on this partition", txnID)
	}
	rec.writes = append(rec.writes, model.KV{
		Key:     append([]byte(nil), kv.Key...),
		Value:   append([]byte(nil), kv.Value...),
		Deleted: kv.Deleted,
	})
	return nil
}

// Prepare runs the first-committer-wins check over the transaction's
// staged keys and records the vote. Idempotent: a re-delivered prepare
// returns the recorded vote.
func (s *Store) Prepare(txnID string, startTS uint64) (model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txns[txnID]
	if rec == nil {
		// Read-only participant: nothing staged, nothing to conflict.
		rec = &txnRecord{phase: phasePrepared, startTS: startTS, vote: model.VoteYes}
		s.txns[txnID] = rec
		return model.VoteYes, nil
	}
	switch rec.phase {
	case phasePrepared:
		return rec.vote, nil
	case phaseCommitted:
		return model.VoteYes, nil
	case phaseAborted:
		return model.VoteNo, nil
	}

	rec.startTS = startTS
	vote := model.VoteYes
	for _, kv := range rec.writes {
		// A committed version newer than our snapshot wins.
		if newest, ok := s.newestLocked(kv.Key); ok && newest.ts > startTS {
			vote = model.VoteNo
			break
		}
		// A concurrently preparing transaction holds the key; exactly one
		// of the two may commit, and it has the earlier claim.
		if holder, ok := s.locks[string(kv.Key)]; ok && holder != txnID {
			vote = model.VoteNo
			break
		}
	}

	rec.vote = vote
	if vote == model.VoteYes {
		rec.phase = phasePrepared
		for _, kv := range rec.writes {
			s.locks[string(kv.Key)] = txnID
		}
	} else {
		rec.phase = phaseAborted
		rec.writes = nil
	}
	return vote, nil
}

// Commit materializes the transaction's staged writes as committed
// versions at commitTS and releases its locks. Idempotent.
func (s *Store) Commit(txnID string, commitTS uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txns[txnID]
	if rec == nil {
		// Commit for a transaction this partition never saw: the decision
		// log replay can be wider than the actual footprint after an
		// assignment change. Record it so a later prepare cannot revive it.
		s.txns[txnID] = &txnRecord{phase: phaseCommitted, commitTS: commitTS}
		return nil
	}
	switch rec.phase {
	case phaseCommitted:
		return nil
	case phaseAborted:
		return errors.Newf(errors.CodeCoordinatorCrashRecovery,
			"commit for txn %s which was aborted on this partition", txnID)
	}

	for _, kv := range rec.writes {
		s.versions.ReplaceOrInsert(&versionedRow{
			key:     kv.Key,
			ts:      commitTS,
			txnID:   txnID,
			value:   kv.Value,
			deleted: kv.Deleted,
		})
		delete(s.locks, string(kv.Key))
	}
	rec.phase = phaseCommitted
	rec.commitTS = commitTS
	rec.writes = nil
	return nil
}

// Abort discards the transaction's staged writes and releases its locks
// so unrelated transactions are not blocked. Idempotent.
func (s *Store) Abort(txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.txns[txnID]
	if rec == nil {
		s.txns[txnID] = &txnRecord{phase: phaseAborted, vote: model.VoteNo}
		return nil
	}
	switch rec.phase {
	case phaseAborted:
		return nil
	case phaseCommitted:
		return errors.Newf(errors.CodeCoordinatorCrashRecovery,
			"abort for txn %s which was committed on this partition", txnID)
	}

	for _, kv := range rec.writes {
		if s.locks[string(kv.Key)] == txnID {
			delete(s.locks, string(kv.Key))
		}
	}
	rec.phase = phaseAborted
	rec.vote = model.VoteNo
	rec.writes = nil
	return nil
}

// GC removes versions no reader can observe anymore: for each key, every
// version older than the newest version at or below the watermark. The
// watermark is the oldest active transaction's start timestamp. Returns
// the number of versions removed.
func (s *Store) GC(watermark uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		doomed  []*versionedRow
		lastKey []byte
		kept    bool
	)
	s.versions.Ascend(func(row *versionedRow) bool {
		if lastKey == nil || !bytes.Equal(row.key, lastKey) {
			lastKey = append(lastKey[:0], row.key...)
			kept = false
		}
		if row.ts > watermark {
			return true
		}
		if !kept {
			kept = true
			// Newest version at or below the watermark: still visible,
			// unless it is a tombstone heading the whole chain.
			if row.deleted && s.newestTSLocked(row.key) == row.ts {
				doomed = append(doomed, row)
			}
			return true
		}
		doomed = append(doomed, row)
		return true
	})

	for _, row := range doomed {
		s.versions.Delete(row)
	}

	// Finished transaction records older than the watermark can no longer
	// be retried by any live coordinator.
	for id, rec := range s.txns {
		if rec.phase == phaseCommitted && rec.commitTS > 0 && rec.commitTS <= watermark {
			delete(s.txns, id)
		}
		if rec.phase == phaseAborted && rec.startTS > 0 && rec.startTS <= watermark {
			delete(s.txns, id)
		}
	}
	return len(doomed)
}

// Len returns the number of stored versions, for tests and metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions.Len()
}

func (s *Store) visibleLocked(key []byte, readTS uint64) (*versionedRow, bool) {
	var found *versionedRow
	s.versions.AscendGreaterOrEqual(&versionedRow{key: key, ts: readTS}, func(row *versionedRow) bool {
		if !bytes.Equal(row.key, key) {
			return false
		}
		found = row
		return false
	})
	return found, found != nil
}

func (s *Store) newestLocked(key []byte) (*versionedRow, bool) {
	return s.visibleLocked(key, ^uint64(0))
}

func (s *Store) newestTSLocked(key []byte) uint64 {
	if row, ok := s.newestLocked(key); ok {
		return row.ts
	}
	return 0
}
