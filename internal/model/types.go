package model

import "time"

// PartitionID identifies one partition within a zone's keyspace.
type PartitionID uint32

// NodeID identifies a node in the cluster.
type NodeID string

// PartitionRef names a single partition cluster-wide.
type PartitionRef struct {
	Zone      string      `json:"zone"`
	Partition PartitionID `json:"partition"`
}

// Zone is a named distribution policy shared by one or more tables.
// PartitionCount is immutable once the first table attaches to the zone.
type Zone struct {
	Name              string    `json:"name"`
	PartitionCount    int       `json:"partition_count"`
	ReplicationFactor int       `json:"replication_factor"`
	StorageProfile    string    `json:"storage_profile"`
	Attached          bool      `json:"attached"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableDescriptor is supplied by the schema layer at table-creation time.
// ColocationKey, when set, must be a subset of PrimaryKey so that partition
// placement is derivable from the key alone. ColocatedWith names the table
// whose partitioning this table must match; it must live in the same zone.
type TableDescriptor struct {
	Name          string   `json:"name"`
	Zone          string   `json:"zone"`
	PrimaryKey    []string `json:"primary_key"`
	ColocationKey []string `json:"colocation_key,omitempty"`
	ColocatedWith string   `json:"colocated_with,omitempty"`
	Replicated    bool     `json:"replicated,omitempty"`
	Indexes       []string `json:"indexes,omitempty"`
}

// RowKey maps key column names to their encoded values.
type RowKey map[string][]byte

// Version identifies one committed version of a row.
type Version struct {
	Timestamp uint64 `json:"timestamp"`
	TxnID     string `json:"txn_id"`
}

// Row is a single versioned row as stored by a partition.
type Row struct {
	Table   string  `json:"table,omitempty"`
	Key     []byte  `json:"key"`
	Value   []byte  `json:"value"`
	Deleted bool    `json:"deleted,omitempty"`
	Version Version `json:"version"`
}

// TxnState is the lifecycle state of a transaction.
// Committed and Aborted are terminal.
type TxnState int32

const (
	TxnActive TxnState = iota
	TxnPreparing
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnPreparing:
		return "preparing"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Vote is a participant's phase-1 answer in two-phase commit.
type Vote int

const (
	VoteNo Vote = iota
	VoteYes
)

// Decision is the coordinator's durably logged commit outcome.
type Decision int

const (
	DecisionAbort Decision = iota
	DecisionCommit
)

func (d Decision) String() string {
	if d == DecisionCommit {
		return "commit"
	}
	return "abort"
}

// PartitionAssignment maps every partition of a zone to its replica set.
// The first node in each replica list is the current leader. Version is
// bumped on every published change and guards compare-and-swap updates.
type PartitionAssignment struct {
	Zone       string                   `json:"zone"`
	Version    uint64                   `json:"version"`
	Partitions map[PartitionID][]NodeID `json:"partitions"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// Leader returns the current leader for a partition, if assigned.
func (a *PartitionAssignment) Leader(pid PartitionID) (NodeID, bool) {
	replicas, ok := a.Partitions[pid]
	if !ok || len(replicas) == 0 {
		return "", false
	}
	return replicas[0], true
}

// Replicas returns the full replica set for a partition.
func (a *PartitionAssignment) Replicas(pid PartitionID) []NodeID {
	return a.Partitions[pid]
}

// HoldsReplica reports whether node is in the replica set of pid.
func (a *PartitionAssignment) HoldsReplica(pid PartitionID, node NodeID) bool {
	for _, n := range a.Partitions[pid] {
		if n == node {
			return true
		}
	}
	return false
}

// KV is one buffered write inside a transaction.
type KV struct {
	Key     []byte `json:"key"`
	Value   []byte `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}
