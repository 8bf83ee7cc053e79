// SnapshotFilters describe user-provided filters to narrow the snapshot list.
package dto

import "time"

type SnapshotFilters struct {
	Topic      string
	ProducerID *int
	DateAfter  time.Time
	DateBefore time.Time
	Limit      int
	Offset     int
}
