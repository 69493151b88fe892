// Package schema holds the table catalog. Colocation constraints are
// checked once here, at DDL time, never per row.
package schema

import (
	"context"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/store"
	"github.com/zonedb/zonedb/internal/zone"
)

// Catalog validates and stores table descriptors supplied by the DDL
// layer.
type Catalog struct {
	meta   store.MetadataStore
	zones  *zone.Registry
	logger *zap.Logger
}

// NewCatalog creates a catalog over the metadata store and zone registry.
func NewCatalog(meta store.MetadataStore, zones *zone.Registry, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{meta: meta, zones: zones, logger: logger}
}

// CreateTable validates the descriptor and persists it. Attaching the
// first table to a zone freezes that zone's partition count.
func (c *Catalog) CreateTable(ctx context.Context, td model.TableDescriptor) error {
	if td.Name == "" {
		return errors.New(errors.CodeInvalidKey, "table name must not be empty")
	}
	if len(td.PrimaryKey) == 0 {
		return errors.Newf(errors.CodeInvalidKey, "table %q: primary key must not be empty", td.Name)
	}

	if td.Replicated {
		// Replicated reference tables carry a full copy on every node and
		// are not partitioned, so no zone or colocation applies.
		if td.ColocatedWith != "" || len(td.ColocationKey) > 0 {
			return errors.Newf(errors.CodeColocationMismatch,
				"table %q: replicated tables cannot declare colocation", td.Name)
		}
	} else {
		if _, err := c.zones.GetZone(ctx, td.Zone); err != nil {
			return err
		}
		if err := c.validateColocation(ctx, &td); err != nil {
			return err
		}
	}

	if err := c.meta.PutTable(ctx, &td); err != nil {
		return err
	}
	if !td.Replicated {
		if err := c.zones.AttachTable(ctx, td.Zone); err != nil {
			return err
		}
	}

	c.logger.Info("table created",
		zap.String("table", td.Name),
		zap.String("zone", td.Zone),
		zap.Bool("replicated", td.Replicated),
		zap.String("colocated_with", td.ColocatedWith))
	return nil
}

func (c *Catalog) validateColocation(ctx context.Context, td *model.TableDescriptor) error {
	// The colocation key must be part of the primary key so placement is
	// derivable from the key alone. A root table may declare one without
	// referencing anyone; children colocate against it.
	pk := make(map[string]bool, len(td.PrimaryKey))
	for _, col := range td.PrimaryKey {
		pk[col] = true
	}
	for _, col := range td.ColocationKey {
		if !pk[col] {
			return errors.Newf(errors.CodeColocationMismatch,
				"table %q: colocation column %q is not part of the primary key", td.Name, col)
		}
	}

	if td.ColocatedWith == "" {
		return nil
	}
	if len(td.ColocationKey) == 0 {
		return errors.Newf(errors.CodeColocationMismatch,
			"table %q colocates with %q but declares no colocation key", td.Name, td.ColocatedWith)
	}

	ref, err := c.meta.GetTable(ctx, td.ColocatedWith)
	if err != nil {
		return errors.Wrap(errors.CodeColocationMismatch,
			"referenced table does not exist", err)
	}
	if ref.Replicated {
		return errors.Newf(errors.CodeColocationMismatch,
			"table %q cannot colocate with replicated table %q", td.Name, ref.Name)
	}

	// Different zones may have different partition counts, which would
	// break the placement guarantee.
	if ref.Zone != td.Zone {
		return errors.Newf(errors.CodeColocationMismatch,
			"table %q (zone %q) cannot colocate with %q (zone %q)", td.Name, td.Zone, ref.Name, ref.Zone)
	}

	// Both sides must hash the same number of column values.
	refKey := ref.ColocationKey
	if len(refKey) == 0 {
		refKey = ref.PrimaryKey
	}
	if len(refKey) != len(td.ColocationKey) {
		return errors.Newf(errors.CodeColocationMismatch,
			"table %q colocation key has %d columns, %q partitions on %d",
			td.Name, len(td.ColocationKey), ref.Name, len(refKey))
	}
	return nil
}

// Table returns a descriptor by name.
func (c *Catalog) Table(ctx context.Context, name string) (*model.TableDescriptor, error) {
	return c.meta.GetTable(ctx, name)
}

// Tables lists all descriptors.
func (c *Catalog) Tables(ctx context.Context) ([]*model.TableDescriptor, error) {
	return c.meta.ListTables(ctx)
}

// ColocationRoot follows the colocation chain to the table whose
// partitioning everyone in the chain shares.
func (c *Catalog) ColocationRoot(ctx context.Context, name string) (*model.TableDescriptor, error) {
	td, err := c.meta.GetTable(ctx, name)
	if err != nil {
		return nil, err
	}
	for td.ColocatedWith != "" {
		td, err = c.meta.GetTable(ctx, td.ColocatedWith)
		if err != nil {
			return nil, err
		}
	}
	return td, nil
}

// DistributionColumns returns the columns whose values place a row of the
// table: the colocation key when declared, the primary key otherwise.
func DistributionColumns(td *model.TableDescriptor) []string {
	if len(td.ColocationKey) > 0 {
		return td.ColocationKey
	}
	return td.PrimaryKey
}
