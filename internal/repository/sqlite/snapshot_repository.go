package sqlite

import (
	"database/sql"
	"fmt"

	"framebroker/internal/dto"
	"framebroker/internal/model"
)

// SnapshotRepository implements repository.SnapshotRepository for SQLite.
type SnapshotRepository struct {
	db *DB
}

// NewSnapshotRepository creates a new SQLite snapshot repository.
func NewSnapshotRepository(db *DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

const snapshotColumns = `id, filename, topic, producer_id, frame_id, width, height, motion_score, timestamp, filepath, filesize`

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*model.Snapshot, error) {
	var s model.Snapshot
	var frameID int64
	if err := row.Scan(&s.ID, &s.Filename, &s.Topic, &s.ProducerID, &frameID, &s.Width, &s.Height,
		&s.MotionScore, &s.Timestamp, &s.FilePath, &s.FileSize); err != nil {
		return nil, err
	}
	s.FrameID = uint64(frameID)
	return &s, nil
}

// Insert adds a new snapshot record to the database.
func (r *SnapshotRepository) Insert(s *model.Snapshot) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.Conn().Exec(`
		INSERT INTO snapshots (filename, topic, producer_id, frame_id, width, height, motion_score, timestamp, filepath, filesize)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Filename, s.Topic, s.ProducerID, int64(s.FrameID), s.Width, s.Height, s.MotionScore, s.Timestamp, s.FilePath, s.FileSize)
	if err != nil {
		return 0, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	return result.LastInsertId()
}

// InsertBatch adds snapshots in one transaction, skipping filenames that
// are already indexed. It returns the number of new rows.
func (r *SnapshotRepository) InsertBatch(snapshots []model.Snapshot) (int, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO snapshots (filename, topic, producer_id, frame_id, width, height, motion_score, timestamp, filepath, filesize)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, s := range snapshots {
		result, err := stmt.Exec(s.Filename, s.Topic, s.ProducerID, int64(s.FrameID), s.Width, s.Height,
			s.MotionScore, s.Timestamp, s.FilePath, s.FileSize)
		if err != nil {
			return 0, fmt.Errorf("failed to insert snapshot %s: %w", s.Filename, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit snapshots: %w", err)
	}
	return inserted, nil
}

// CountByTopic returns the number of snapshots per topic.
func (r *SnapshotRepository) CountByTopic() (map[string]int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`SELECT topic, COUNT(*) FROM snapshots GROUP BY topic`)
	if err != nil {
		return nil, fmt.Errorf("failed to count snapshots: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var topic string
		var count int
		if err := rows.Scan(&topic, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[topic] = count
	}
	return counts, rows.Err()
}

// GetByID retrieves a snapshot by its ID.
func (r *SnapshotRepository) GetByID(id int64) (*model.Snapshot, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	s, err := scanSnapshot(r.db.Conn().QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}

// GetByFilename retrieves a snapshot by its filename.
func (r *SnapshotRepository) GetByFilename(filename string) (*model.Snapshot, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	s, err := scanSnapshot(r.db.Conn().QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE filename = ?`, filename))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}

func whereClause(filter *dto.SnapshotFilters) (string, []any) {
	query := " WHERE 1=1"
	args := []any{}
	if filter == nil {
		return query, args
	}

	if filter.Topic != "" {
		query += " AND topic = ?"
		args = append(args, filter.Topic)
	}

	if filter.ProducerID != nil {
		query += " AND producer_id = ?"
		args = append(args, *filter.ProducerID)
	}

	if !filter.DateAfter.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.DateAfter)
	}

	if !filter.DateBefore.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.DateBefore)
	}

	return query, args
}

// GetAll retrieves snapshots based on filter criteria, newest first.
func (r *SnapshotRepository) GetAll(filter *dto.SnapshotFilters) ([]model.Snapshot, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := whereClause(filter)
	query := `SELECT ` + snapshotColumns + ` FROM snapshots` + where + ` ORDER BY timestamp DESC, id DESC`

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []model.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, *s)
	}

	return snapshots, rows.Err()
}

// GetTotalCount returns the total count of snapshots matching the filter.
func (r *SnapshotRepository) GetTotalCount(filter *dto.SnapshotFilters) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := whereClause(filter)
	var count int
	if err := r.db.Conn().QueryRow(`SELECT COUNT(*) FROM snapshots`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}

	return count, nil
}

// GetTotalSize returns the size in bytes of all indexed snapshot files.
func (r *SnapshotRepository) GetTotalSize() (int64, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var size int64
	if err := r.db.Conn().QueryRow(`SELECT COALESCE(SUM(filesize), 0) FROM snapshots`).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to sum snapshot sizes: %w", err)
	}
	return size, nil
}

// Delete removes a snapshot by its ID.
func (r *SnapshotRepository) Delete(id int64) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// DeleteAll removes all snapshot records.
func (r *SnapshotRepository) DeleteAll() error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}

	return nil
}
