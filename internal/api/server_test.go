// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/qbsync/internal/config"
	"github.com/autobrr/qbsync/internal/domain"
	"github.com/autobrr/qbsync/internal/qbittorrent"
)

type routeKey struct {
	Method string
	Path   string
}

func TestAllEndpointsDocumented(t *testing.T) {
	server := NewServer(newTestDependencies(t, "/"))
	router, err := server.Handler()
	require.NoError(t, err)

	actualRoutes := collectRouterRoutes(t, router)
	documentedRoutes := loadDocumentedRoutes(t)

	undocumented := diffRoutes(actualRoutes, documentedRoutes)
	if len(undocumented) > 0 {
		t.Fatalf("found %d undocumented API endpoints:\n%s", len(undocumented), formatRoutes(undocumented))
	}

	missingHandlers := diffRoutes(documentedRoutes, actualRoutes)
	if len(missingHandlers) > 0 {
		t.Fatalf("found %d documented endpoints without handlers:\n%s", len(missingHandlers), formatRoutes(missingHandlers))
	}

	t.Logf("checked %d API routes registered in chi", len(actualRoutes))
}

func TestHandlerServesInstanceViews(t *testing.T) {
	deps := newTestDependencies(t, "/")
	server := NewServer(deps)
	router, err := server.Handler()
	require.NoError(t, err)

	sm, err := deps.Registry.Get(1)
	require.NoError(t, err)
	_, err = sm.ApplyRaw([]byte(`{"rid":1,"full_update":true,"torrents":{"aa":{"name":"one","state":"uploading"}}}`))
	require.NoError(t, err)

	for _, tc := range []struct {
		path string
		code int
	}{
		{"/health", http.StatusOK},
		{"/healthz/liveness", http.StatusOK},
		{"/healthz/readiness", http.StatusOK},
		{"/api/instances", http.StatusOK},
		{"/api/instances/1", http.StatusOK},
		{"/api/instances/1/torrents", http.StatusOK},
		{"/api/instances/1/torrents/aa", http.StatusOK},
		{"/api/instances/1/counts", http.StatusOK},
		{"/api/instances/1/verify", http.StatusOK},
		{"/api/instances/2/torrents", http.StatusConflict},
		{"/api/instances/3/torrents", http.StatusNotFound},
		{"/api/openapi.yaml", http.StatusOK},
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.code, rec.Code, tc.path)
	}
}

func TestHandlerBaseURL(t *testing.T) {
	server := NewServer(newTestDependencies(t, "/qbsync/"))
	router, err := server.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/qbsync/api/instances", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/qbsync/")
}

func newTestDependencies(t *testing.T, baseURL string) *Dependencies {
	t.Helper()

	pool, err := qbittorrent.NewClientPool([]domain.Instance{
		{ID: 1, Name: "home", Host: "http://127.0.0.1:1"},
		{ID: 2, Name: "off", Host: "http://127.0.0.1:1", Disabled: true},
	}, qbittorrent.PoolOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return &Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{
				BaseURL: baseURL,
			},
		},
		Version:  "test",
		Registry: pool,
	}
}

func collectRouterRoutes(t *testing.T, r chi.Routes) map[routeKey]struct{} {
	t.Helper()

	routes := make(map[routeKey]struct{})
	err := chi.Walk(r, func(method string, path string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		method = strings.ToUpper(method)
		if !isComparableMethod(method) {
			return nil
		}

		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			return nil
		}

		routes[routeKey{Method: method, Path: normalizedPath}] = struct{}{}
		return nil
	})
	require.NoError(t, err)

	return routes
}

func loadDocumentedRoutes(t *testing.T) map[routeKey]struct{} {
	t.Helper()

	specBytes := GetOpenAPISpec()
	require.NotEmpty(t, specBytes, "OpenAPI spec should be embedded")

	var spec map[string]any
	require.NoError(t, yaml.Unmarshal(specBytes, &spec))

	pathsNode, ok := spec["paths"].(map[string]any)
	require.True(t, ok, "OpenAPI spec missing paths section")

	routes := make(map[routeKey]struct{})

	for path, pathItem := range pathsNode {
		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			continue
		}

		methods, ok := pathItem.(map[string]any)
		if !ok {
			continue
		}

		for method := range methods {
			upperMethod := strings.ToUpper(method)
			if !isComparableMethod(upperMethod) {
				continue
			}

			routes[routeKey{Method: upperMethod, Path: normalizedPath}] = struct{}{}
		}
	}

	return routes
}

func normalizeRoutePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	if strings.Contains(path, "/*") {
		return "", false
	}

	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	if path == "/api/openapi.yaml" {
		return "", false
	}

	if !strings.HasPrefix(path, "/api") && !strings.HasPrefix(path, "/health") {
		return "", false
	}

	path = strings.ReplaceAll(path, "{instanceID}", "{instanceId}")

	return path, true
}

func isComparableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func diffRoutes(left, right map[routeKey]struct{}) []routeKey {
	diff := make([]routeKey, 0)
	for route := range left {
		if _, exists := right[route]; !exists {
			diff = append(diff, route)
		}
	}

	sort.Slice(diff, func(i, j int) bool {
		if diff[i].Path == diff[j].Path {
			return diff[i].Method < diff[j].Method
		}
		return diff[i].Path < diff[j].Path
	})

	return diff
}

func formatRoutes(routes []routeKey) string {
	lines := make([]string, len(routes))
	for i, route := range routes {
		lines[i] = fmt.Sprintf("%s %s", route.Method, route.Path)
	}
	return strings.Join(lines, "\n")
}
