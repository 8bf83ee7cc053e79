package route

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"

	"framebroker/internal/config"
	"framebroker/internal/handler"
	"framebroker/internal/logger"
	"framebroker/internal/metric"
	"framebroker/internal/middleware"
	"framebroker/internal/repository"
	hub "framebroker/internal/service/websocket"
)

//go:embed static
var static embed.FS

// Deps are the services the viewer routes need.
type Deps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Viewers   *hub.HubService
	Stats     metric.StatsSource
	Snapshots repository.SnapshotRepository
	Metrics   *metric.Registry
}

// dynamicHTMLHandler serves /path as static/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(pages fs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index"
		}

		name := path + ".html"
		if _, err := fs.Stat(pages, name); err != nil {
			http.NotFound(w, r)
			return
		}

		http.ServeFileFS(w, r, pages, name)
	}
}

// SetupRoutes registers HTTP routes, static file serving, API endpoints,
// and wraps the mux with the authentication middleware.
func SetupRoutes(d Deps) http.Handler {
	mux := http.NewServeMux()
	pages, _ := fs.Sub(static, "static")

	// Static files
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServerFS(pages)))

	// API endpoints
	mux.HandleFunc("/api/view", handler.ViewWebsocketHandler(d.Viewers, d.Logger))
	mux.HandleFunc("/api/stats", handler.StatsHandler(d.Stats, d.Logger))
	mux.HandleFunc("/api/snapshots", handler.GetSnapshotsHandler(d.Config, d.Logger, d.Snapshots))
	mux.HandleFunc("/api/snapshots/view", handler.ViewSnapshotHandler(d.Config))
	mux.HandleFunc("/api/snapshots/delete", handler.DeleteSnapshotHandler(d.Logger, d.Snapshots))
	mux.HandleFunc("/api/snapshots/clear", handler.ClearSnapshotsHandler(d.Config, d.Logger, d.Snapshots))
	mux.Handle("/metrics", d.Metrics.Handler())

	// Log endpoints
	for _, level := range handler.LogLevels {
		mux.HandleFunc("/logs/"+level, handler.ShowLogsHandler(d.Logger, level))
		mux.HandleFunc("/logs/"+level+"/clear", handler.ClearLogsHandler(d.Logger, level))
	}

	// Auth endpoints
	mux.HandleFunc("/auth/login", handler.LoginHandler(d.Config, d.Logger))
	mux.HandleFunc("/auth/logout", handler.LogoutHandler)

	// Automatic HTML handler mapping for example: /snapshots -> static/snapshots.html
	mux.HandleFunc("/", dynamicHTMLHandler(pages))

	// Apply middleware
	return middleware.AuthMiddleware(d.Config.Password, mux)
}
