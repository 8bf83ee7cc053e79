package repository

import (
	"framebroker/internal/dto"
	"framebroker/internal/model"
)

// SnapshotRepository defines the interface for snapshot index operations.
type SnapshotRepository interface {
	// Create operations
	Insert(s *model.Snapshot) (int64, error)

	// Read operations
	GetByID(id int64) (*model.Snapshot, error)
	GetByFilename(filename string) (*model.Snapshot, error)
	GetAll(filter *dto.SnapshotFilters) ([]model.Snapshot, error)
	GetTotalCount(filter *dto.SnapshotFilters) (int, error)
	GetTotalSize() (int64, error)

	// Delete operations
	Delete(id int64) error
	DeleteAll() error
}
