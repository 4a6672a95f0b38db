package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orian/protoboard/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method, path, query, auth, ifMatch string
	body                               map[string]any
}

func newTestClient(t *testing.T, status int, reply any) (*Client, *seen) {
	t.Helper()
	s := &seen{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.method = r.Method
		s.path = r.URL.EscapedPath()
		s.query = r.URL.RawQuery
		s.auth = r.Header.Get("Authorization")
		s.ifMatch = r.Header.Get("If-Match")
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, &s.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if reply != nil {
			json.NewEncoder(w).Encode(reply)
		}
	}))
	t.Cleanup(ts.Close)
	return New(ts.URL+"/", "tok"), s
}

func TestGetPrototype(t *testing.T) {
	c, s := newTestClient(t, http.StatusOK, map[string]any{
		"slug":               "01hx",
		"version":            4,
		"structuredDocument": map[string]any{"pages": []any{map[string]any{"id": "p1", "order": 2}}},
	})

	p, err := c.GetPrototype(context.Background(), "01hx")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, s.method)
	assert.Equal(t, "/api/prototypes/01hx", s.path)
	assert.Equal(t, "Bearer tok", s.auth)
	assert.Empty(t, s.ifMatch)
	assert.Equal(t, int64(4), p.Version)

	page := p.StructuredDocument["pages"].([]any)[0].(map[string]any)
	assert.Equal(t, json.Number("2"), page["order"], "numbers are kept exact")
}

func TestUpdatePrototypeSendsIfMatch(t *testing.T) {
	c, s := newTestClient(t, http.StatusOK, map[string]any{"slug": "x", "version": 4})

	html := "<p>hi</p>"
	expected := int64(3)
	p, err := c.UpdatePrototype(context.Background(), "x", models.PrototypeUpdate{HTMLContent: &html, ExpectedVersion: &expected})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, s.method)
	assert.Equal(t, `"3"`, s.ifMatch)
	assert.Equal(t, "<p>hi</p>", s.body["htmlContent"])
	assert.NotContains(t, s.body, "name")
	assert.Equal(t, int64(4), p.Version)
}

func TestConflictResponse(t *testing.T) {
	c, _ := newTestClient(t, http.StatusConflict, map[string]any{
		"error":         "version conflict",
		"code":          "conflict",
		"reason":        models.ReasonVersionMismatch,
		"serverVersion": 7,
		"yourVersion":   5,
	})

	expected := int64(5)
	_, err := c.RestoreVersion(context.Background(), "x", 2, &expected)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	ce, ok := models.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(7), ce.ServerVersion)
	require.NotNil(t, ce.YourVersion)
	assert.Equal(t, int64(5), *ce.YourVersion)
	assert.Equal(t, models.ReasonVersionMismatch, ce.Reason)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		reply    any
		sentinel error
	}{
		{"not found", http.StatusNotFound, map[string]any{"error": "prototype", "code": "not_found"}, models.ErrNotFound},
		{"forbidden", http.StatusForbidden, map[string]any{"error": "no", "code": "forbidden"}, models.ErrForbidden},
		{"not found without body", http.StatusNotFound, nil, models.ErrNotFound},
		{"already on target", http.StatusBadRequest, map[string]any{"error": "on main", "code": "already_on_target"}, models.ErrAlreadyOnTarget},
		{"already exists", http.StatusConflict, map[string]any{"error": "dup", "code": "already_exists"}, models.ErrAlreadyExists},
		{"internal", http.StatusInternalServerError, map[string]any{"error": "internal server error", "code": "internal_error"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.status, tt.reply)
			_, err := c.SwitchToMain(context.Background(), "x", nil)
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.False(t, IsConflict(err))
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	ctx := context.Background()

	c, s := newTestClient(t, http.StatusOK, map[string]any{"versions": []any{}, "total": 0, "page": 2, "limit": 5})
	_, err := c.ListVersions(ctx, "x", models.VersionFilter{Branch: models.BranchFilterMain, Page: 2, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "/api/prototypes/x/versions", s.path)
	assert.Equal(t, "branch=main&limit=5&page=2", s.query)

	c, s = newTestClient(t, http.StatusOK, map[string]any{"slug": "x", "version": 2})
	_, err = c.SwitchBranch(ctx, "x", "Dark-Mode", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, "/api/prototypes/x/branches/Dark-Mode/switch", s.path)

	c, s = newTestClient(t, http.StatusCreated, map[string]any{"slug": "Dark-Mode"})
	b, err := c.CreateBranch(ctx, "x", models.NewBranch{Name: "Dark Mode"})
	require.NoError(t, err)
	assert.Equal(t, "Dark Mode", s.body["name"])
	assert.Equal(t, "Dark-Mode", b.Slug)
}
