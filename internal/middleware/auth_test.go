package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	h := AuthMiddleware("secret", okHandler())

	tests := []struct {
		name   string
		path   string
		cookie string
		want   int
	}{
		{"login page is public", "/login", "", http.StatusOK},
		{"metrics are public", "/metrics", "", http.StatusOK},
		{"static is public", "/static/app.js", "", http.StatusOK},
		{"page redirects to login", "/", "", http.StatusSeeOther},
		{"api is unauthorized", "/api/stats", "", http.StatusUnauthorized},
		{"wrong cookie", "/api/stats", "true", http.StatusUnauthorized},
		{"valid cookie", "/api/stats", Token("secret"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddleware_NoPassword(t *testing.T) {
	rec := httptest.NewRecorder()
	AuthMiddleware("", okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
