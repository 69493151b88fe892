package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

// MemoryMetadataStore implements MetadataStore in process memory.
type MemoryMetadataStore struct {
	mu          sync.RWMutex
	zones       map[string]*model.Zone
	tables      map[string]*model.TableDescriptor
	assignments map[string]*model.PartitionAssignment
	logger      *zap.Logger
}

// NewMemoryMetadataStore creates an empty in-memory metadata store.
func NewMemoryMetadataStore(logger *zap.Logger) *MemoryMetadataStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryMetadataStore{
		zones:       make(map[string]*model.Zone),
		tables:      make(map[string]*model.TableDescriptor),
		assignments: make(map[string]*model.PartitionAssignment),
		logger:      logger,
	}
}

func (s *MemoryMetadataStore) CreateZone(ctx context.Context, zone *model.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[zone.Name]; ok {
		return errors.Newf(errors.CodeDuplicateZone, "zone %q already exists", zone.Name)
	}
	cp := *zone
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.zones[zone.Name] = &cp
	return nil
}

func (s *MemoryMetadataStore) GetZone(ctx context.Context, name string) (*model.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zone, ok := s.zones[name]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "zone %q not found", name)
	}
	cp := *zone
	return &cp, nil
}

func (s *MemoryMetadataStore) ListZones(ctx context.Context) ([]*model.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zones := make([]*model.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		cp := *z
		zones = append(zones, &cp)
	}
	return zones, nil
}

func (s *MemoryMetadataStore) DeleteZone(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[name]; !ok {
		return errors.Newf(errors.CodeNotFound, "zone %q not found", name)
	}
	delete(s.zones, name)
	delete(s.assignments, name)
	return nil
}

func (s *MemoryMetadataStore) SetZoneAttached(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zone, ok := s.zones[name]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "zone %q not found", name)
	}
	zone.Attached = true
	return nil
}

func (s *MemoryMetadataStore) PutTable(ctx context.Context, table *model.TableDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table.Name]; ok {
		return errors.Newf(errors.CodeDuplicateTable, "table %q already exists", table.Name)
	}
	cp := *table
	s.tables[table.Name] = &cp
	return nil
}

func (s *MemoryMetadataStore) GetTable(ctx context.Context, name string) (*model.TableDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.tables[name]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "table %q not found", name)
	}
	cp := *table
	return &cp, nil
}

func (s *MemoryMetadataStore) ListTables(ctx context.Context) ([]*model.TableDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tables := make([]*model.TableDescriptor, 0, len(s.tables))
	for _, t := range s.tables {
		cp := *t
		tables = append(tables, &cp)
	}
	return tables, nil
}

func (s *MemoryMetadataStore) GetAssignment(ctx context.Context, zone string) (*model.PartitionAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[zone]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "no assignment for zone %q", zone)
	}
	return copyAssignment(a), nil
}

func (s *MemoryMetadataStore) PublishAssignment(ctx context.Context, assignment *model.PartitionAssignment, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.assignments[assignment.Zone]
	if ok && current.Version != expectedVersion {
		return errors.Newf(errors.CodeAssignmentVersionClash,
			"assignment for zone %q is at version %d, expected %d", assignment.Zone, current.Version, expectedVersion)
	}
	if !ok && expectedVersion != 0 {
		return errors.Newf(errors.CodeAssignmentVersionClash,
			"no assignment for zone %q, expected version %d", assignment.Zone, expectedVersion)
	}

	cp := copyAssignment(assignment)
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now()
	s.assignments[assignment.Zone] = cp
	return nil
}

func (s *MemoryMetadataStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryMetadataStore) Close() {}

func copyAssignment(a *model.PartitionAssignment) *model.PartitionAssignment {
	cp := &model.PartitionAssignment{
		Zone:       a.Zone,
		Version:    a.Version,
		Partitions: make(map[model.PartitionID][]model.NodeID, len(a.Partitions)),
		UpdatedAt:  a.UpdatedAt,
	}
	for pid, replicas := range a.Partitions {
		cp.Partitions[pid] = append([]model.NodeID(nil), replicas...)
	}
	return cp
}
