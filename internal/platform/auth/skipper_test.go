package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/metrics", true},
		{"/api/v1/forms", false},
		{"/api/v1/conversations/:id", false},
	}
	for _, tt := range tests {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.path, nil), httptest.NewRecorder())
		c.SetPath(tt.path)
		if got := AuthSkipper(c); got != tt.want {
			t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
