// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qbsync/internal/domain"
)

// fakeQBittorrent serves the WebUI endpoints the client uses.
type fakeQBittorrent struct {
	mu          sync.Mutex
	version     string
	password    string
	banned      bool
	sessions    int
	logins      atomic.Int32
	maindata    []string
	served      []int64
	peers       string
	expireAfter int
	requests    int
}

func newFakeQBittorrent(t *testing.T) (*fakeQBittorrent, *httptest.Server) {
	t.Helper()

	f := &fakeQBittorrent{version: "2.11.2", password: "secret"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.banned {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.FormValue("password") != f.password {
			fmt.Fprint(w, "Fails.")
			return
		}
		f.sessions++
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: strconv.Itoa(f.sessions), Path: "/"})
		fmt.Fprint(w, "Ok.")
	})
	mux.HandleFunc("/api/v2/app/webapiVersion", f.authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, f.version)
	}))
	mux.HandleFunc("/api/v2/sync/maindata", f.authed(func(w http.ResponseWriter, r *http.Request) {
		rid, _ := strconv.ParseInt(r.URL.Query().Get("rid"), 10, 64)
		f.served = append(f.served, rid)
		if len(f.maindata) == 0 {
			fmt.Fprintf(w, `{"rid":%d}`, rid+1)
			return
		}
		payload := f.maindata[0]
		f.maindata = f.maindata[1:]
		fmt.Fprint(w, payload)
	}))
	mux.HandleFunc("/api/v2/sync/torrentPeers", f.authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, f.peers)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQBittorrent) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		cookie, err := r.Cookie("SID")
		if err != nil || cookie.Value != strconv.Itoa(f.sessions) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		f.requests++
		if f.expireAfter > 0 && f.requests%f.expireAfter == 0 {
			// Session timed out on the server side.
			f.sessions++
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, password string) *Client {
	t.Helper()
	c, err := NewClient(domain.Instance{ID: 1, Name: "home", Host: srv.URL + "/", Username: "admin", Password: password})
	require.NoError(t, err)
	return c
}

func TestNewClientValidatesHost(t *testing.T) {
	_, err := NewClient(domain.Instance{Host: "  "})
	require.Error(t, err)

	_, err = NewClient(domain.Instance{Host: "not a url"})
	require.Error(t, err)
}

func TestClientLogin(t *testing.T) {
	f, srv := newFakeQBittorrent(t)
	ctx := context.Background()

	require.NoError(t, newTestClient(t, srv, "secret").Login(ctx))

	err := newTestClient(t, srv, "wrong").Login(ctx)
	require.ErrorIs(t, err, ErrLoginFailed)

	f.mu.Lock()
	f.banned = true
	f.mu.Unlock()

	err = newTestClient(t, srv, "secret").Login(ctx)
	require.ErrorIs(t, err, ErrIPBanned)
	assert.True(t, isBanError(err))
}

func TestClientReloginOnForbidden(t *testing.T) {
	f, srv := newFakeQBittorrent(t)
	c := newTestClient(t, srv, "secret")
	ctx := context.Background()

	// No login yet: the first request is refused and triggers one.
	raw, err := c.FetchMainData(ctx, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rid":1}`, string(raw))
	assert.Equal(t, int32(1), f.logins.Load())

	f.mu.Lock()
	f.expireAfter = 2
	f.mu.Unlock()

	_, err = c.FetchMainData(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.logins.Load())
}

func TestClientRefreshCapabilities(t *testing.T) {
	tests := []struct {
		version       string
		subcategories bool
	}{
		{version: "2.11.2", subcategories: true},
		{version: "2.9.0", subcategories: true},
		{version: "2.8.19", subcategories: false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			f, srv := newFakeQBittorrent(t)
			f.mu.Lock()
			f.version = tt.version
			f.mu.Unlock()

			c := newTestClient(t, srv, "secret")
			require.NoError(t, c.Login(context.Background()))
			require.NoError(t, c.RefreshCapabilities(context.Background()))

			assert.Equal(t, tt.version, c.GetWebAPIVersion())
			assert.Equal(t, tt.subcategories, c.SupportsSubcategories())
		})
	}
}

func TestClientUnparsableVersionKeepsFlags(t *testing.T) {
	f, srv := newFakeQBittorrent(t)
	c := newTestClient(t, srv, "secret")
	require.NoError(t, c.Login(context.Background()))
	require.NoError(t, c.RefreshCapabilities(context.Background()))
	require.True(t, c.SupportsSubcategories())

	f.mu.Lock()
	f.version = "garbage"
	f.mu.Unlock()
	require.NoError(t, c.RefreshCapabilities(context.Background()))
	assert.Equal(t, "garbage", c.GetWebAPIVersion())
	assert.True(t, c.SupportsSubcategories())
}

func TestClientHealthCheck(t *testing.T) {
	f, srv := newFakeQBittorrent(t)
	c := newTestClient(t, srv, "secret")
	ctx := context.Background()

	require.NoError(t, c.HealthCheck(ctx))
	assert.True(t, c.IsHealthy())

	f.mu.Lock()
	f.banned = true
	f.sessions++
	f.mu.Unlock()

	c.updateHealthStatus(false)
	require.Error(t, c.HealthCheck(ctx))
	assert.False(t, c.IsHealthy())
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     string
	}{
		{attempts: 0, want: "10s"},
		{attempts: 1, want: "10s"},
		{attempts: 2, want: "20s"},
		{attempts: 3, want: "40s"},
		{attempts: 4, want: "1m0s"},
		{attempts: 60, want: "1m0s"},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.attempts), func(t *testing.T) {
			assert.Equal(t, tt.want, calculateBackoff(tt.attempts, initialBackoff, maxBackoff).String())
		})
	}
}
