// Package zone manages distribution zones and the assignment of their
// partitions to node replica sets.
package zone

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/store"
)

// Registry owns per-zone configuration and partition assignments. All
// durable state lives in the metadata store; the registry adds validation
// and the single-writer compare-and-swap protocol around assignment
// updates.
type Registry struct {
	meta   store.MetadataStore
	logger *zap.Logger
}

// NewRegistry creates a zone registry over the given metadata store.
func NewRegistry(meta store.MetadataStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{meta: meta, logger: logger}
}

// CreateZone validates and persists a new zone.
func (r *Registry) CreateZone(ctx context.Context, zone model.Zone) error {
	if zone.Name == "" {
		return errors.New(errors.CodeInvalidKey, "zone name must not be empty")
	}
	if zone.PartitionCount <= 0 {
		return errors.Newf(errors.CodeInvalidKey, "zone %q: partition count must be positive", zone.Name)
	}
	if zone.ReplicationFactor <= 0 {
		return errors.Newf(errors.CodeInvalidKey, "zone %q: replication factor must be positive", zone.Name)
	}
	if zone.StorageProfile == "" {
		zone.StorageProfile = "default"
	}

	if err := r.meta.CreateZone(ctx, &zone); err != nil {
		return err
	}

	r.logger.Info("zone created",
		zap.String("zone", zone.Name),
		zap.Int("partitions", zone.PartitionCount),
		zap.Int("replication_factor", zone.ReplicationFactor))
	return nil
}

// GetZone returns the zone configuration.
func (r *Registry) GetZone(ctx context.Context, name string) (*model.Zone, error) {
	return r.meta.GetZone(ctx, name)
}

// DropZone removes a zone. Fails while tables are still attached.
func (r *Registry) DropZone(ctx context.Context, name string) error {
	zone, err := r.meta.GetZone(ctx, name)
	if err != nil {
		return err
	}
	if zone.Attached {
		return errors.Newf(errors.CodeZoneAttached, "zone %q still has attached tables", name)
	}
	if err := r.meta.DeleteZone(ctx, name); err != nil {
		return err
	}
	r.logger.Info("zone dropped", zap.String("zone", name))
	return nil
}

// AttachTable freezes the zone's partition count. Called by the catalog
// when the first table binds to the zone; repartitioning after this point
// is out of scope.
func (r *Registry) AttachTable(ctx context.Context, name string) error {
	return r.meta.SetZoneAttached(ctx, name)
}

// AssignPartitions computes a fresh assignment of the zone's partitions
// over the given nodes and publishes it with compare-and-swap on the
// current assignment version. Invoked at zone creation and on every
// durable membership change reported by the replication layer.
func (r *Registry) AssignPartitions(ctx context.Context, zoneName string, nodes []model.NodeID) (*model.PartitionAssignment, error) {
	zone, err := r.meta.GetZone(ctx, zoneName)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.Newf(errors.CodePartitionUnavailable, "zone %q: no nodes to assign", zoneName)
	}

	rf := zone.ReplicationFactor
	if rf > len(nodes) {
		r.logger.Warn("fewer nodes than replication factor, degrading",
			zap.String("zone", zoneName),
			zap.Int("replication_factor", rf),
			zap.Int("nodes", len(nodes)))
		rf = len(nodes)
	}

	// Deterministic input order so every caller computes the same layout.
	ordered := append([]model.NodeID(nil), nodes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	assignment := &model.PartitionAssignment{
		Zone:       zoneName,
		Partitions: make(map[model.PartitionID][]model.NodeID, zone.PartitionCount),
	}
	for pid := 0; pid < zone.PartitionCount; pid++ {
		replicas := make([]model.NodeID, 0, rf)
		for i := 0; i < rf; i++ {
			replicas = append(replicas, ordered[(pid+i)%len(ordered)])
		}
		assignment.Partitions[model.PartitionID(pid)] = replicas
	}

	var expected uint64
	if current, err := r.meta.GetAssignment(ctx, zoneName); err == nil {
		expected = current.Version
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	if err := r.meta.PublishAssignment(ctx, assignment, expected); err != nil {
		return nil, err
	}

	published, err := r.meta.GetAssignment(ctx, zoneName)
	if err != nil {
		return nil, err
	}
	r.logger.Info("partition assignment published",
		zap.String("zone", zoneName),
		zap.Uint64("version", published.Version),
		zap.Int("nodes", len(ordered)))
	return published, nil
}

// GetAssignment returns the current assignment for a zone.
func (r *Registry) GetAssignment(ctx context.Context, zoneName string) (*model.PartitionAssignment, error) {
	return r.meta.GetAssignment(ctx, zoneName)
}

// ReassignAll recomputes assignments for every zone after a membership
// change. Zones whose CAS publish loses to a concurrent writer are skipped;
// the winning writer has already published an assignment for the new
// membership.
func (r *Registry) ReassignAll(ctx context.Context, nodes []model.NodeID) {
	zones, err := r.meta.ListZones(ctx)
	if err != nil {
		r.logger.Error("failed to list zones for reassignment", zap.Error(err))
		return
	}
	for _, zone := range zones {
		if _, err := r.AssignPartitions(ctx, zone.Name, nodes); err != nil {
			if errors.Is(err, errors.ErrAssignmentVersionClash) {
				r.logger.Debug("lost assignment race", zap.String("zone", zone.Name))
				continue
			}
			r.logger.Error("failed to reassign zone",
				zap.String("zone", zone.Name), zap.Error(err))
		}
	}
}
