package handler

import (
	"encoding/json"
	"net/http"

	"framebroker/internal/logger"
	"framebroker/internal/metric"
)

// StatsHandler returns the broker statistics of the topic as JSON.
func StatsHandler(source metric.StatsSource, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := source.Stats()
		if err != nil {
			logger.Error("Error reading broker stats: %v", err)
			http.Error(w, "Broker unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			logger.Error("Error encoding JSON response: %v", err)
		}
	}
}
