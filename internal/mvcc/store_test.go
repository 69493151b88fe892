package mvcc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
)

func commitWrite(t *testing.T, s *Store, txnID string, startTS, commitTS uint64, key, value string) {
	t.Helper()
	require.NoError(t, s.StageWrite(txnID, model.KV{Key: []byte(key), Value: []byte(value)}))
	vote, err := s.Prepare(txnID, startTS)
	require.NoError(t, err)
	require.Equal(t, model.VoteYes, vote)
	require.NoError(t, s.Commit(txnID, commitTS))
}

func TestGetVisibility(t *testing.T) {
	s := NewStore(nil)
	commitWrite(t, s, "t1", 10, 11, "k", "v1")
	commitWrite(t, s, "t2", 20, 21, "k", "v2")

	// Reader below the first commit sees nothing.
	_, err := s.Get([]byte("k"), 10)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// Reader between the commits sees v1.
	row, err := s.Get([]byte("k"), 15)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), row.Value)
	assert.Equal(t, uint64(11), row.Version.Timestamp)

	// Reader at exactly the commit timestamp sees that version.
	row, err = s.Get([]byte("k"), 21)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), row.Value)
}

func TestStagedWritesInvisible(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.StageWrite("t1", model.KV{Key: []byte("k"), Value: []byte("v")}))

	_, err := s.Get([]byte("k"), 100)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestFirstCommitterWins(t *testing.T) {
	s := NewStore(nil)

	// Both transactions start at ts 10 and write the same key.
	require.NoError(t, s.StageWrite("a", model.KV{Key: []byte("k"), Value: []byte("from-a")}))
	require.NoError(t, s.StageWrite("b", model.KV{Key: []byte("k"), Value: []byte("from-b")}))

	vote, err := s.Prepare("a", 10)
	require.NoError(t, err)
	require.Equal(t, model.VoteYes, vote)
	require.NoError(t, s.Commit("a", 12))

	vote, err = s.Prepare("b", 10)
	require.NoError(t, err)
	assert.Equal(t, model.VoteNo, vote)
}

func TestPreparedLockBlocksConcurrentPrepare(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.StageWrite("a", model.KV{Key: []byte("k"), Value: []byte("1")}))
	require.NoError(t, s.StageWrite("b", model.KV{Key: []byte("k"), Value: []byte("2")}))

	vote, err := s.Prepare("a", 10)
	require.NoError(t, err)
	require.Equal(t, model.VoteYes, vote)

	// a is prepared but not yet decided; b must not also get a yes vote.
	vote, err = s.Prepare("b", 11)
	require.NoError(t, err)
	assert.Equal(t, model.VoteNo, vote)
}

func TestAbortReleasesLocks(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.StageWrite("a", model.KV{Key: []byte("k"), Value: []byte("1")}))
	vote, err := s.Prepare("a", 10)
	require.NoError(t, err)
	require.Equal(t, model.VoteYes, vote)
	require.NoError(t, s.Abort("a"))

	require.NoError(t, s.StageWrite("b", model.KV{Key: []byte("k"), Value: []byte("2")}))
	vote, err = s.Prepare("b", 11)
	require.NoError(t, err)
	assert.Equal(t, model.VoteYes, vote)
}

func TestIdempotentPrepareCommit(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.StageWrite("a", model.KV{Key: []byte("k"), Value: []byte("v")}))

	v1, err := s.Prepare("a", 10)
	require.NoError(t, err)
	v2, err := s.Prepare("a", 10)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	require.NoError(t, s.Commit("a", 12))
	require.NoError(t, s.Commit("a", 12))

	// Still exactly one version.
	assert.Equal(t, 1, s.Len())

	// Prepare after commit keeps reporting yes.
	vote, err := s.Prepare("a", 10)
	require.NoError(t, err)
	assert.Equal(t, model.VoteYes, vote)
}

func TestIdempotentAbort(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.StageWrite("a", model.KV{Key: []byte("k"), Value: []byte("v")}))
	require.NoError(t, s.Abort("a"))
	require.NoError(t, s.Abort("a"))

	vote, err := s.Prepare("a", 10)
	require.NoError(t, err)
	assert.Equal(t, model.VoteNo, vote)
	assert.Equal(t, 0, s.Len())
}

func TestCommitAfterAbortRejected(t *testing.T) {
	s := NewStore(nil)

	require.NoError(t, s.StageWrite("a", model.KV{Key: []byte("k"), Value: []byte("v")}))
	require.NoError(t, s.Abort("a"))
	assert.Error(t, s.Commit("a", 12))
}

func TestDeleteTombstone(t *testing.T) {
	s := NewStore(nil)
	commitWrite(t, s, "t1", 10, 11, "k", "v1")

	require.NoError(t, s.StageWrite("t2", model.KV{Key: []byte("k"), Deleted: true}))
	vote, err := s.Prepare("t2", 20)
	require.NoError(t, err)
	require.Equal(t, model.VoteYes, vote)
	require.NoError(t, s.Commit("t2", 21))

	// Before the delete the row is visible, after it is gone.
	_, err = s.Get([]byte("k"), 15)
	assert.NoError(t, err)
	_, err = s.Get([]byte("k"), 25)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestScanSnapshot(t *testing.T) {
	s := NewStore(nil)
	for i := 0; i < 5; i++ {
		commitWrite(t, s, fmt.Sprintf("t%d", i), 10, uint64(11+i), fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	// At ts 12 only the first two commits (ts 11, 12) are visible.
	rows := s.Scan(nil, nil, 12)
	assert.Len(t, rows, 2)

	rows = s.Scan(nil, nil, 100)
	assert.Len(t, rows, 5)

	// Range bounds: [k1, k3)
	rows = s.Scan([]byte("k1"), []byte("k3"), 100)
	require.Len(t, rows, 2)
	assert.Equal(t, []byte("k1"), rows[0].Key)
	assert.Equal(t, []byte("k2"), rows[1].Key)
}

func TestScanSkipsNewerVersions(t *testing.T) {
	s := NewStore(nil)
	commitWrite(t, s, "t1", 10, 11, "k", "old")
	commitWrite(t, s, "t2", 20, 21, "k", "new")

	rows := s.Scan(nil, nil, 15)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("old"), rows[0].Value)
}

func TestGCDropsSupersededVersions(t *testing.T) {
	s := NewStore(nil)
	commitWrite(t, s, "t1", 10, 11, "k", "v1")
	commitWrite(t, s, "t2", 20, 21, "k", "v2")
	commitWrite(t, s, "t3", 30, 31, "k", "v3")
	require.Equal(t, 3, s.Len())

	// Oldest active reader at ts 25: v2 (ts 21) must survive, v1 may go.
	removed := s.GC(25)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, s.Len())

	row, err := s.Get([]byte("k"), 25)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), row.Value)
}

func TestGCDropsTrailingTombstone(t *testing.T) {
	s := NewStore(nil)
	commitWrite(t, s, "t1", 10, 11, "k", "v1")

	require.NoError(t, s.StageWrite("t2", model.KV{Key: []byte("k"), Deleted: true}))
	vote, err := s.Prepare("t2", 20)
	require.NoError(t, err)
	require.Equal(t, model.VoteYes, vote)
	require.NoError(t, s.Commit("t2", 21))

	s.GC(100)
	assert.Equal(t, 0, s.Len())
}

func TestGCKeepsVersionsAboveWatermark(t *testing.T) {
	s := NewStore(nil)
	commitWrite(t, s, "t1", 10, 11, "k", "v1")
	commitWrite(t, s, "t2", 20, 21, "k", "v2")

	removed := s.GC(5)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 2, s.Len())
}
