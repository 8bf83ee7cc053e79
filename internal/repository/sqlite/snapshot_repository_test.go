package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framebroker/internal/dto"
	"framebroker/internal/model"
	"framebroker/internal/repository"
)

var _ repository.SnapshotRepository = (*SnapshotRepository)(nil)

func newRepo(t *testing.T) *SnapshotRepository {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSnapshotRepository(db)
}

func insert(t *testing.T, r *SnapshotRepository, name, topic string, producer int, frame uint64, ts time.Time) int64 {
	t.Helper()
	id, err := r.Insert(&model.Snapshot{
		Filename:    name,
		Topic:       topic,
		ProducerID:  producer,
		FrameID:     frame,
		Width:       640,
		Height:      480,
		MotionScore: 1200,
		Timestamp:   ts,
		FilePath:    "/snapshots/" + name,
		FileSize:    100,
	})
	require.NoError(t, err)
	return id
}

func TestSnapshotRepository_InsertAndGet(t *testing.T) {
	r := newRepo(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	id := insert(t, r, "a.jpg", "cam", 1, 42, ts)

	s, err := r.GetByID(id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "a.jpg", s.Filename)
	assert.Equal(t, "cam", s.Topic)
	assert.EqualValues(t, 42, s.FrameID)
	assert.Equal(t, 1200, s.MotionScore)
	assert.True(t, ts.Equal(s.Timestamp))

	s, err = r.GetByFilename("a.jpg")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, id, s.ID)

	missing, err := r.GetByID(999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = r.Insert(&model.Snapshot{Filename: "a.jpg", Topic: "cam", Timestamp: ts, FilePath: "x"})
	assert.Error(t, err, "filenames are unique")
}

func TestSnapshotRepository_Filters(t *testing.T) {
	r := newRepo(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	insert(t, r, "1.jpg", "cam", 1, 1, base)
	insert(t, r, "2.jpg", "cam", 2, 2, base.Add(time.Hour))
	insert(t, r, "3.jpg", "door", 1, 3, base.Add(2*time.Hour))

	all, err := r.GetAll(nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3.jpg", all[0].Filename, "newest first")

	producer := 1
	filtered, err := r.GetAll(&dto.SnapshotFilters{Topic: "cam", ProducerID: &producer})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "1.jpg", filtered[0].Filename)

	after, err := r.GetAll(&dto.SnapshotFilters{DateAfter: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, after, 2)

	page, err := r.GetAll(&dto.SnapshotFilters{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "2.jpg", page[0].Filename)

	count, err := r.GetTotalCount(&dto.SnapshotFilters{Topic: "cam"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	size, err := r.GetTotalSize()
	require.NoError(t, err)
	assert.EqualValues(t, 300, size)
}

func TestSnapshotRepository_Delete(t *testing.T) {
	r := newRepo(t)
	id := insert(t, r, "1.jpg", "cam", 1, 1, time.Now())
	insert(t, r, "2.jpg", "cam", 1, 2, time.Now())

	require.NoError(t, r.Delete(id))
	count, err := r.GetTotalCount(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, r.DeleteAll())
	count, err = r.GetTotalCount(nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSnapshotRepository_InsertBatch(t *testing.T) {
	r := newRepo(t)
	insert(t, r, "1.jpg", "cam", 1, 1, time.Now())

	n, err := r.InsertBatch([]model.Snapshot{
		{Filename: "1.jpg", Topic: "cam", Timestamp: time.Now(), FilePath: "/s/1.jpg"},
		{Filename: "2.jpg", Topic: "cam", Timestamp: time.Now(), FilePath: "/s/2.jpg"},
		{Filename: "3.jpg", Topic: "door", Timestamp: time.Now(), FilePath: "/s/3.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "existing filenames are skipped")

	counts, err := r.CountByTopic()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cam": 2, "door": 1}, counts)
}
