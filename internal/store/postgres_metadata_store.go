package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

// PostgresMetadataStore implements MetadataStore on PostgreSQL.
type PostgresMetadataStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresMetadataStore opens a connection pool and ensures the schema.
// url is a postgres:// connection URL; pool sizing travels in its query
// parameters (pool_max_conns, pool_min_conns).
func NewPostgresMetadataStore(url string, logger *zap.Logger) (*PostgresMetadataStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresMetadataStore{pool: pool, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

// GetPool exposes the underlying pool so the decision log can share it.
func (s *PostgresMetadataStore) GetPool() *pgxpool.Pool { return s.pool }

func (s *PostgresMetadataStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS zones (
			name TEXT PRIMARY KEY,
			partition_count INT NOT NULL,
			replication_factor INT NOT NULL,
			storage_profile TEXT NOT NULL DEFAULT 'default',
			attached BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tables (
			name TEXT PRIMARY KEY,
			descriptor JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			zone TEXT PRIMARY KEY REFERENCES zones(name) ON DELETE CASCADE,
			version BIGINT NOT NULL,
			partitions JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresMetadataStore) CreateZone(ctx context.Context, zone *model.Zone) error {
	query := `
		INSERT INTO zones (name, partition_count, replication_factor, storage_profile)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, zone.Name, zone.PartitionCount, zone.ReplicationFactor, zone.StorageProfile)
	if err != nil {
		return fmt.Errorf("failed to create zone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.CodeDuplicateZone, "zone %q already exists", zone.Name)
	}
	return nil
}

func (s *PostgresMetadataStore) GetZone(ctx context.Context, name string) (*model.Zone, error) {
	query := `
		SELECT name, partition_count, replication_factor, storage_profile, attached, created_at
		FROM zones
		WHERE name = $1
	`
	var zone model.Zone
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&zone.Name,
		&zone.PartitionCount,
		&zone.ReplicationFactor,
		&zone.StorageProfile,
		&zone.Attached,
		&zone.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.CodeNotFound, "zone %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get zone: %w", err)
	}
	return &zone, nil
}

func (s *PostgresMetadataStore) ListZones(ctx context.Context) ([]*model.Zone, error) {
	query := `
		SELECT name, partition_count, replication_factor, storage_profile, attached, created_at
		FROM zones
		ORDER BY name
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer rows.Close()

	var zones []*model.Zone
	for rows.Next() {
		var zone model.Zone
		if err := rows.Scan(&zone.Name, &zone.PartitionCount, &zone.ReplicationFactor,
			&zone.StorageProfile, &zone.Attached, &zone.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, &zone)
	}
	return zones, rows.Err()
}

func (s *PostgresMetadataStore) DeleteZone(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM zones WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete zone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.CodeNotFound, "zone %q not found", name)
	}
	return nil
}

func (s *PostgresMetadataStore) SetZoneAttached(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE zones SET attached = TRUE WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to mark zone attached: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.CodeNotFound, "zone %q not found", name)
	}
	return nil
}

func (s *PostgresMetadataStore) PutTable(ctx context.Context, table *model.TableDescriptor) error {
	descriptor, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	query := `
		INSERT INTO tables (name, descriptor)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, table.Name, descriptor)
	if err != nil {
		return fmt.Errorf("failed to put table: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.CodeDuplicateTable, "table %q already exists", table.Name)
	}
	return nil
}

func (s *PostgresMetadataStore) GetTable(ctx context.Context, name string) (*model.TableDescriptor, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT descriptor FROM tables WHERE name = $1`, name).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.CodeNotFound, "table %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get table: %w", err)
	}
	var table model.TableDescriptor
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}
	return &table, nil
}

func (s *PostgresMetadataStore) ListTables(ctx context.Context) ([]*model.TableDescriptor, error) {
	rows, err := s.pool.Query(ctx, `SELECT descriptor FROM tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []*model.TableDescriptor
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		var table model.TableDescriptor
		if err := json.Unmarshal(raw, &table); err != nil {
			return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
		}
		tables = append(tables, &table)
	}
	return tables, rows.Err()
}

func (s *PostgresMetadataStore) GetAssignment(ctx context.Context, zone string) (*model.PartitionAssignment, error) {
	var (
		assignment model.PartitionAssignment
		raw        []byte
	)
	query := `SELECT zone, version, partitions, updated_at FROM assignments WHERE zone = $1`
	err := s.pool.QueryRow(ctx, query, zone).Scan(&assignment.Zone, &assignment.Version, &raw, &assignment.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.CodeNotFound, "no assignment for zone %q", zone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	if err := json.Unmarshal(raw, &assignment.Partitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal partitions: %w", err)
	}
	return &assignment, nil
}

func (s *PostgresMetadataStore) PublishAssignment(ctx context.Context, assignment *model.PartitionAssignment, expectedVersion uint64) error {
	partitions, err := json.Marshal(assignment.Partitions)
	if err != nil {
		return fmt.Errorf("failed to marshal partitions: %w", err)
	}

	if expectedVersion == 0 {
		query := `
			INSERT INTO assignments (zone, version, partitions, updated_at)
			VALUES ($1, 1, $2, now())
			ON CONFLICT (zone) DO NOTHING
		`
		tag, err := s.pool.Exec(ctx, query, assignment.Zone, partitions)
		if err != nil {
			return fmt.Errorf("failed to publish assignment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errors.Newf(errors.CodeAssignmentVersionClash,
				"assignment for zone %q already exists", assignment.Zone)
		}
		return nil
	}

	query := `
		UPDATE assignments
		SET version = version + 1, partitions = $2, updated_at = now()
		WHERE zone = $1 AND version = $3
	`
	tag, err := s.pool.Exec(ctx, query, assignment.Zone, partitions, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to publish assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.CodeAssignmentVersionClash,
			"assignment for zone %q is not at version %s", assignment.Zone, strconv.FormatUint(expectedVersion, 10))
	}
	return nil
}

func (s *PostgresMetadataStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresMetadataStore) Close() {
	s.pool.Close()
}
