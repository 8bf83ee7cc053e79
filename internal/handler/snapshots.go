package handler

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"framebroker/internal/config"
	"framebroker/internal/dto"
	"framebroker/internal/logger"
	"framebroker/internal/repository"
)

// GetSnapshotsHandler returns a filtered, paginated list of snapshots.
func GetSnapshotsHandler(cfg *config.Config, logger *logger.Logger, repo repository.SnapshotRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), 24)

		filter := &dto.SnapshotFilters{
			Topic:      q.Get("topic"),
			DateAfter:  parseDate(q.Get("dateAfter")),
			DateBefore: parseDate(q.Get("dateBefore")),
			Limit:      limit,
			Offset:     (page - 1) * limit,
		}
		if !filter.DateBefore.IsZero() {
			// Inclusive of the whole day.
			filter.DateBefore = filter.DateBefore.Add(24*time.Hour - time.Nanosecond)
		}
		if v, err := strconv.Atoi(q.Get("producer")); err == nil {
			filter.ProducerID = &v
		}

		snapshots, err := repo.GetAll(filter)
		if err != nil {
			logger.Error("Error querying snapshots from database: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		totalCount, err := repo.GetTotalCount(filter)
		if err != nil {
			logger.Error("Error counting snapshots: %v", err)
			totalCount = len(snapshots)
		}

		infos := make([]dto.SnapshotInfo, 0, len(snapshots))
		for _, s := range snapshots {
			infos = append(infos, dto.SnapshotInfo{
				ID:          s.ID,
				Name:        s.Filename,
				Date:        s.Timestamp,
				TimeOfDay:   s.Timestamp,
				Topic:       s.Topic,
				ProducerID:  s.ProducerID,
				FrameID:     s.FrameID,
				MotionScore: s.MotionScore,
			})
		}

		data := dto.SnapshotsData{
			Snapshots:   infos,
			Directory:   cfg.ImageDirectory,
			Length:      totalCount,
			TotalPages:  (totalCount + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logger.Error("Error encoding JSON response: %v", err)
		}
	}
}

// ViewSnapshotHandler serves a single snapshot file named by the "name" query parameter.
func ViewSnapshotHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "Name parameter is required", http.StatusBadRequest)
			return
		}
		http.ServeFile(w, r, filepath.Join(cfg.ImageDirectory, filepath.Base(name)))
	}
}

// DeleteSnapshotHandler removes a snapshot from disk and database.
func DeleteSnapshotHandler(logger *logger.Logger, repo repository.SnapshotRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "Snapshot id required", http.StatusBadRequest)
			return
		}

		snapshot, err := repo.GetByID(id)
		if err != nil {
			logger.Error("Error loading snapshot %d: %v", id, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if snapshot == nil {
			http.NotFound(w, r)
			return
		}

		if err := os.Remove(snapshot.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete file %s: %v", snapshot.FilePath, err)
		}
		if err := repo.Delete(id); err != nil {
			logger.Error("Failed to delete from database: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		logger.Info("Deleted snapshot: %s", snapshot.Filename)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted", "filename": snapshot.Filename})
	}
}

// ClearSnapshotsHandler deletes all files from the snapshot directory and clears the database.
func ClearSnapshotsHandler(cfg *config.Config, logger *logger.Logger, repo repository.SnapshotRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		files, err := os.ReadDir(cfg.ImageDirectory)
		if err != nil && !os.IsNotExist(err) {
			logger.Error("Error reading snapshot directory: %v", err)
			http.Error(w, "Unable to read snapshot directory", http.StatusInternalServerError)
			return
		}

		for _, file := range files {
			if file.IsDir() || filepath.Ext(file.Name()) != ".jpg" {
				continue
			}
			if err := os.Remove(filepath.Join(cfg.ImageDirectory, file.Name())); err != nil {
				logger.Error("Error deleting file %s: %v", file.Name(), err)
			}
		}

		if err := repo.DeleteAll(); err != nil {
			logger.Error("Error clearing database: %v", err)
		}

		logger.Info("All snapshots cleared from directory: %s", cfg.ImageDirectory)
		w.WriteHeader(http.StatusNoContent)
	}
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// parseDate parses a date string in the format "2006-01-02" from the request (HTML input format).
func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}
	}
	return t
}
