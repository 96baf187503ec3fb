// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/autobrr/qbsync/internal/domain"
)

var subcategoriesMinVersion = semver.MustParse("2.9.0")

const (
	requestAttempts = 3
	requestDelay    = 500 * time.Millisecond
)

var (
	ErrLoginFailed = errors.New("login failed: bad username or password")
	ErrIPBanned    = errors.New("login failed: ip is banned for too many failed login attempts")
)

// statusError carries a non-success HTTP status from the WebUI.
type statusError struct {
	code     int
	endpoint string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.code, e.endpoint)
}

// Client talks to one qBittorrent WebUI. Sync payloads are returned raw so
// the caller can tell absent fields from zero values.
type Client struct {
	instanceID int
	host       string
	username   string
	password   string
	basicUser  string
	basicPass  string
	http       *http.Client

	loginMu sync.Mutex

	mu                    sync.RWMutex
	webAPIVersion         string
	supportsSubcategories bool

	healthMu        sync.RWMutex
	lastHealthCheck time.Time
	isHealthy       bool
}

func NewClient(instance domain.Instance) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(instance.Host), "/")
	if host == "" {
		return nil, errors.New("instance host is empty")
	}
	if _, err := url.ParseRequestURI(host); err != nil {
		return nil, errors.Wrapf(err, "invalid instance host %q", instance.Host)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "could not create cookie jar")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if instance.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		instanceID: instance.ID,
		host:       host,
		username:   instance.Username,
		password:   instance.Password,
		basicUser:  instance.BasicUsername,
		basicPass:  instance.BasicPassword,
		http: &http.Client{
			Jar:       jar,
			Timeout:   instance.RequestTimeout(),
			Transport: transport,
		},
	}, nil
}

func (c *Client) GetInstanceID() int {
	return c.instanceID
}

func (c *Client) endpoint(path string) string {
	return c.host + "/api/v2/" + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.endpoint(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not build request for %s", path)
	}
	if c.basicUser != "" {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}
	// qBittorrent rejects requests whose Referer does not match its host.
	req.Header.Set("Referer", c.host)
	return req, nil
}

// Login exchanges the credentials for a session cookie.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := c.newRequest(ctx, http.MethodPost, "auth/login", nil, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "login request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return ErrIPBanned
	default:
		return &statusError{code: resp.StatusCode, endpoint: "auth/login"}
	}

	if strings.TrimSpace(string(body)) == "Fails." {
		return ErrLoginFailed
	}

	log.Trace().Int("instanceID", c.instanceID).Msg("Logged in to qBittorrent")
	return nil
}

// get issues a GET, logging in again when the session has expired.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return errors.Wrapf(err, "request to %s failed", path)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusForbidden:
				if err := c.Login(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
				return &statusError{code: resp.StatusCode, endpoint: path}
			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(&statusError{code: resp.StatusCode, endpoint: path})
			case resp.StatusCode != http.StatusOK:
				return &statusError{code: resp.StatusCode, endpoint: path}
			}

			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return errors.Wrapf(err, "could not read %s response", path)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(requestAttempts),
		retry.Delay(requestDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Int("instanceID", c.instanceID).Uint("attempt", n+1).Str("endpoint", path).Msg("Retrying qBittorrent request")
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// FetchMainData returns the raw sync/maindata payload after rid.
func (c *Client) FetchMainData(ctx context.Context, rid int64) ([]byte, error) {
	return c.get(ctx, "sync/maindata", url.Values{"rid": {strconv.FormatInt(rid, 10)}})
}

// FetchPeers returns the raw sync/torrentPeers payload for hash after rid.
func (c *Client) FetchPeers(ctx context.Context, hash string, rid int64) ([]byte, error) {
	return c.get(ctx, "sync/torrentPeers", url.Values{
		"hash": {hash},
		"rid":  {strconv.FormatInt(rid, 10)},
	})
}

// RefreshCapabilities fetches the WebAPI version and recalculates feature support flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	raw, err := c.get(ctx, "app/webapiVersion", nil)
	if err != nil {
		return err
	}

	version := strings.TrimSpace(string(raw))
	if version == "" {
		return errors.New("web API version is empty")
	}

	c.mu.Lock()
	previousVersion := c.webAPIVersion
	c.applyCapabilitiesLocked(version)
	c.mu.Unlock()

	if previousVersion != version {
		log.Trace().
			Int("instanceID", c.instanceID).
			Str("previousWebAPIVersion", previousVersion).
			Str("webAPIVersion", version).
			Msg("Refreshed qBittorrent capabilities")
	}

	return nil
}

func (c *Client) applyCapabilitiesLocked(version string) {
	c.webAPIVersion = version

	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().
			Int("instanceID", c.instanceID).
			Str("webAPIVersion", version).
			Err(err).
			Msg("Failed to parse qBittorrent WebAPI version; leaving capability flags unchanged")
		return
	}

	c.supportsSubcategories = !v.LessThan(subcategoriesMinVersion)
}

func (c *Client) GetWebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsSubcategories() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsSubcategories
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Now().Add(-minHealthCheckInterval).Before(c.GetLastHealthCheck()) {
		return nil
	}

	if err := c.RefreshCapabilities(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}

	c.updateHealthStatus(true)
	return nil
}
