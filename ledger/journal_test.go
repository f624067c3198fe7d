package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journalRecords() []Record {
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return []Record{
		{TaskID: "t1", Kind: kindTask, ID: "t1", To: "proposed", At: ts},
		{TaskID: "t1", Kind: "offer", ID: "o1", From: "open", To: "reserved", Rev: 2, At: ts},
		{TaskID: "t1", Kind: "request", ID: "r1", From: "open", To: "reserved", Rev: 2, At: ts},
		{Kind: "offer", ID: "o2", From: "open", To: "withdrawn", Rev: 2, At: ts},
	}
}

func testJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, j.Append(ctx, journalRecords()...))

	recs, err := j.Records(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, "reserved", recs[1].To)
	assert.Equal(t, uint64(2), recs[1].Rev)
	assert.True(t, recs[0].At.Equal(journalRecords()[0].At))

	recs, err = j.Records(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "t1", recs[0].TaskID)

	recs, err = j.Records(ctx, "o2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "withdrawn", recs[0].To)

	recs, err = j.Records(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryJournal(t *testing.T) {
	j := NewMemoryJournal()
	testJournal(t, j)
	assert.Equal(t, 4, j.Len())
}

func TestSQLiteJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenSQLiteJournal(path)
	require.NoError(t, err)
	testJournal(t, j)
	require.NoError(t, j.Close())

	// Records survive reopening.
	j, err = OpenSQLiteJournal(path)
	require.NoError(t, err)
	defer j.Close()
	recs, err := j.Records(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
