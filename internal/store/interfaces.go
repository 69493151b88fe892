// Package store holds the durable metadata interfaces and their
// implementations. The in-memory variants back tests and single-node
// deployments; the Postgres variants back production clusters.
package store

import (
	"context"
	"time"

	"github.com/zonedb/zonedb/internal/model"
)

// MetadataStore persists zones, table descriptors and partition
// assignments. Assignment publication is guarded by compare-and-swap on
// the assignment version so that two nodes cannot apply conflicting
// reassignments.
type MetadataStore interface {
	// Zone operations
	CreateZone(ctx context.Context, zone *model.Zone) error
	GetZone(ctx context.Context, name string) (*model.Zone, error)
	ListZones(ctx context.Context) ([]*model.Zone, error)
	DeleteZone(ctx context.Context, name string) error
	SetZoneAttached(ctx context.Context, name string) error

	// Table operations
	PutTable(ctx context.Context, table *model.TableDescriptor) error
	GetTable(ctx context.Context, name string) (*model.TableDescriptor, error)
	ListTables(ctx context.Context) ([]*model.TableDescriptor, error)

	// Assignment operations
	GetAssignment(ctx context.Context, zone string) (*model.PartitionAssignment, error)
	PublishAssignment(ctx context.Context, assignment *model.PartitionAssignment, expectedVersion uint64) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// DecisionRecord is one durably logged two-phase-commit outcome. The
// decision is written before any phase-2 message is sent; Applied flips
// once every participant has acknowledged, after which the record is
// garbage collected.
type DecisionRecord struct {
	TxnID        string
	Decision     model.Decision
	CommitTS     uint64
	Participants []model.PartitionRef
	Applied      bool
	LoggedAt     time.Time
}

// DecisionLog is the coordinator's durable commit-decision log. A
// recovering coordinator replays every unapplied record to its
// participants, which is the standard 2PC recovery obligation.
type DecisionLog interface {
	Record(ctx context.Context, rec *DecisionRecord) error
	Get(ctx context.Context, txnID string) (*DecisionRecord, error)
	Unapplied(ctx context.Context) ([]*DecisionRecord, error)
	MarkApplied(ctx context.Context, txnID string) error
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close()
}
