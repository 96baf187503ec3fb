// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

type Config struct {
	Version        string
	Host           string     `toml:"host" mapstructure:"host"`
	Port           int        `toml:"port" mapstructure:"port"`
	BaseURL        string     `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel       string     `toml:"logLevel" mapstructure:"logLevel"`
	LogPath        string     `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize     int        `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups  int        `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	MetricsEnabled bool       `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string     `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int        `toml:"metricsPort" mapstructure:"metricsPort"`
	PollInterval   int        `toml:"pollInterval" mapstructure:"pollInterval"`
	CaptureDir     string     `toml:"captureDir" mapstructure:"captureDir"`
	Instances      []Instance `toml:"instances" mapstructure:"instances"`
}

// Instance is one qBittorrent WebUI to mirror.
type Instance struct {
	ID            int    `toml:"id" mapstructure:"id"`
	Name          string `toml:"name" mapstructure:"name"`
	Host          string `toml:"host" mapstructure:"host"`
	Username      string `toml:"username" mapstructure:"username"`
	Password      string `toml:"password" mapstructure:"password"`
	BasicUsername string `toml:"basicUsername" mapstructure:"basicUsername"`
	BasicPassword string `toml:"basicPassword" mapstructure:"basicPassword"`
	TLSSkipVerify bool   `toml:"tlsSkipVerify" mapstructure:"tlsSkipVerify"`
	Timeout       int    `toml:"timeout" mapstructure:"timeout"`
	Disabled      bool   `toml:"disabled" mapstructure:"disabled"`
}

// RequestTimeout returns the per request timeout, defaulting to 60 seconds.
func (i Instance) RequestTimeout() time.Duration {
	if i.Timeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(i.Timeout) * time.Second
}

// PollEvery returns the configured poll interval; zero defers to the server.
func (c *Config) PollEvery() time.Duration {
	if c.PollInterval <= 0 {
		return 0
	}
	return time.Duration(c.PollInterval) * time.Millisecond
}
