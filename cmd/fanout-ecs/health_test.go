package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func TestHealthRouter(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		err    error
		status int
		body   string
	}{
		{"liveness ignores dependencies", "/healthz", errors.New("down"), http.StatusOK, `"ok"`},
		{"ready", "/readyz", nil, http.StatusOK, `"ok"`},
		{"not ready", "/readyz", errors.New("database: refused"), http.StatusServiceUnavailable, "database: refused"},
		{"unknown path", "/nope", nil, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newHealthRouter(mockPinger{err: tt.err}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}
