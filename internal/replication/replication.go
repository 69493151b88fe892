// Package replication abstracts the per-partition consensus primitive.
// The engine never talks to a consensus algorithm directly: it proposes
// opaque log entries for a partition and applies whatever the primitive
// commits, in commit order. Leader election is owned by the primitive.
package replication

import (
	"context"
	"encoding/json"

	"github.com/zonedb/zonedb/internal/model"
)

// EntryType discriminates partition log entries.
type EntryType int

const (
	EntryWrite EntryType = iota
	EntryPrepare
	EntryCommit
	EntryAbort
)

// Entry is one replicated partition-log record. Every entry carries the
// transaction id and a timestamp so re-delivered entries are idempotent
// and replayable.
type Entry struct {
	Type     EntryType   `json:"type"`
	TxnID    string      `json:"txn_id"`
	StartTS  uint64      `json:"start_ts,omitempty"`
	CommitTS uint64      `json:"commit_ts,omitempty"`
	Writes   []model.KV  `json:"writes,omitempty"`
}

// Encode serializes an entry for proposal.
func (e *Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry deserializes a committed log record.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Applier consumes committed log entries for a partition, in order. Apply
// must be idempotent: after a leader change the primitive may re-deliver
// a suffix of the log.
type Applier interface {
	Apply(ref model.PartitionRef, data []byte) error
}

// LateBoundApplier forwards Apply to a target assigned after
// construction. The primitive wants its applier at construction time
// while the replica layer wants its primitive, so one side binds late.
type LateBoundApplier struct {
	Target Applier
}

func (l *LateBoundApplier) Apply(ref model.PartitionRef, data []byte) error {
	return l.Target.Apply(ref, data)
}

// Primitive is the replication contract consumed by the replica layer.
type Primitive interface {
	// Propose appends an entry to the partition's log and returns once the
	// entry is committed and applied locally, or the context expires.
	Propose(ctx context.Context, ref model.PartitionRef, data []byte) error

	// CurrentLeader reports the partition's leader, if one is known.
	CurrentLeader(ref model.PartitionRef) (model.NodeID, bool)

	// OnLeaderChange registers a callback invoked on every leadership
	// change the primitive observes.
	OnLeaderChange(fn func(ref model.PartitionRef, leader model.NodeID))

	// Stop shuts the primitive down.
	Stop()
}
