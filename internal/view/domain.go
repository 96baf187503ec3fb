// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package view

import (
	"net"
	"net/url"
	"strings"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"golang.org/x/net/publicsuffix"
)

const unknownDomain = "unknown"

// Domain folds a tracker URL to its registrable domain, so
// "https://tracker.example.co.uk/announce" and "udp://open.example.co.uk:6969"
// both group under "example.co.uk". IP literals and single-label hosts are
// returned as-is.
func (v *View) Domain(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	if cached, ok := v.domains.Get(rawURL); ok {
		return cached
	}

	domain := trackerHost(rawURL)
	if domain != unknownDomain && net.ParseIP(domain) == nil {
		if registrable, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
			domain = registrable
		}
	}

	v.domains.Set(rawURL, domain, ttlcache.DefaultTTL)
	return domain
}

// trackerHost extracts the lowercased host of a tracker URL, tolerating
// scheme-less and host:port forms.
func trackerHost(rawURL string) string {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}

	if host == "" && !strings.Contains(rawURL, "://") {
		if u, err := url.Parse("//" + rawURL); err == nil {
			host = u.Hostname()
		}
	}

	if host == "" {
		candidate := rawURL
		if idx := strings.IndexAny(candidate, "/?#"); idx != -1 {
			candidate = candidate[:idx]
		}
		if h, _, err := net.SplitHostPort(candidate); err == nil {
			candidate = h
		}
		host = strings.TrimSpace(candidate)
	}

	if host == "" {
		return unknownDomain
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
