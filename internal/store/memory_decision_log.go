package store

import (
	"context"
	"sync"
	"time"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

// MemoryDecisionLog implements DecisionLog in process memory.
type MemoryDecisionLog struct {
	mu      sync.RWMutex
	records map[string]*DecisionRecord
}

// NewMemoryDecisionLog creates an empty in-memory decision log.
func NewMemoryDecisionLog() *MemoryDecisionLog {
	return &MemoryDecisionLog{records: make(map[string]*DecisionRecord)}
}

func (l *MemoryDecisionLog) Record(ctx context.Context, rec *DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A decision is immutable once logged; re-recording the same outcome
	// is a no-op so a retried commit path stays idempotent.
	if existing, ok := l.records[rec.TxnID]; ok {
		if existing.Decision != rec.Decision {
			return errors.Newf(errors.CodeCoordinatorCrashRecovery,
				"conflicting decision for txn %s: logged %s, got %s", rec.TxnID, existing.Decision, rec.Decision)
		}
		return nil
	}

	cp := *rec
	cp.Participants = append([]model.PartitionRef(nil), rec.Participants...)
	if cp.LoggedAt.IsZero() {
		cp.LoggedAt = time.Now()
	}
	l.records[rec.TxnID] = &cp
	return nil
}

func (l *MemoryDecisionLog) Get(ctx context.Context, txnID string) (*DecisionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[txnID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "no decision for txn %s", txnID)
	}
	cp := *rec
	return &cp, nil
}

func (l *MemoryDecisionLog) Unapplied(ctx context.Context) ([]*DecisionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*DecisionRecord
	for _, rec := range l.records {
		if !rec.Applied {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *MemoryDecisionLog) MarkApplied(ctx context.Context, txnID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[txnID]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "no decision for txn %s", txnID)
	}
	rec.Applied = true
	return nil
}

func (l *MemoryDecisionLog) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for id, rec := range l.records {
		if rec.Applied && rec.LoggedAt.Before(olderThan) {
			delete(l.records, id)
			pruned++
		}
	}
	return pruned, nil
}

func (l *MemoryDecisionLog) Close() {}
