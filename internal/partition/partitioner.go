// Package partition maps distribution keys to partition ids. The mapping is
// a pure function of the key bytes and the zone's partition count; two
// independent calls with the same inputs always agree, which is what table
// colocation relies on.
package partition

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

// PartitionOf returns the partition owning the given distribution key.
func PartitionOf(partitionCount int, key []byte) (model.PartitionID, error) {
	if partitionCount <= 0 {
		return 0, errors.Newf(errors.CodeInvalidKey, "partition count must be positive, got %d", partitionCount)
	}
	if len(key) == 0 {
		return 0, errors.New(errors.CodeInvalidKey, "empty distribution key")
	}
	return model.PartitionID(xxhash.Sum64(key) % uint64(partitionCount)), nil
}

// EncodeDistributionKey builds the distribution key for a row from the
// given key columns, in declared column order. Column names are not part
// of the encoding: two tables colocated on differently named columns must
// still hash identical values to the same partition. Each value is length
// prefixed so concatenations cannot collide.
func EncodeDistributionKey(columns []string, key model.RowKey) ([]byte, error) {
	if len(columns) == 0 {
		return nil, errors.New(errors.CodeInvalidKey, "no key columns declared")
	}

	var buf []byte
	var lenBuf [4]byte
	for _, col := range columns {
		val, ok := key[col]
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidKey, "missing value for key column %q", col)
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(val)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, val...)
	}
	return buf, nil
}
