// Package config loads and saves the instance-wide server.json document:
// host/prefix/scheme, queue retry policy, purge horizons and feature
// toggles. The on-disk shape is fixed (see the CLI's "init"/"upgrade"
// subcommands); Load/Save mirror the struct+fallback-helper idiom used
// elsewhere in this codebase, adapted from an env-var source to a JSON file
// because the instance config here must survive restarts of the CLI itself,
// not just the server process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CurrentLayout is the on-disk format version this binary understands. A
// server.json whose Layout differs forces an offline upgrade before startup.
const CurrentLayout = 1

// Config is the instance-wide configuration stored as <basedir>/server.json.
type Config struct {
	Layout int `json:"layout"`

	Host     string `json:"host"`
	Prefix   string `json:"prefix"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`

	QueueRetryMinutes int `json:"queue_retry_minutes"`
	QueueRetryMax     int `json:"queue_retry_max"`
	QueueTimeout      int `json:"queue_timeout"`  // seconds
	QueueTimeout2     int `json:"queue_timeout_2"` // seconds, after a prior timeout

	MaxTimelineEntries int `json:"max_timeline_entries"`
	TimelinePurgeDays  int `json:"timeline_purge_days"`
	LocalPurgeDays     int `json:"local_purge_days"`
	MinAccountAge      int `json:"min_account_age"` // seconds

	SharedInboxes             bool `json:"shared_inboxes"`
	DisableInboxCollection    bool `json:"disable_inbox_collection"`
	DisableEmailNotifications bool `json:"disable_email_notifications"`

	baseDir string
}

// Defaults holds the fallback values Load starts from before unmarshalling
// server.json, so a key missing from a hand-edited or partial file keeps its
// default. A key present with an explicit zero value stays zero.
func Defaults(baseDir string) *Config {
	return &Config{
		Layout:                     CurrentLayout,
		Host:                       "localhost",
		Prefix:                     "",
		Address:                    "0.0.0.0",
		Port:                       8000,
		Protocol:                   "https",
		QueueRetryMinutes:          10,
		QueueRetryMax:              10,
		QueueTimeout:               6,
		QueueTimeout2:              8,
		MaxTimelineEntries:         500,
		TimelinePurgeDays:          30,
		LocalPurgeDays:             0, // 0 = never purge local authorship
		MinAccountAge:              0,
		SharedInboxes:              true,
		DisableInboxCollection:     false,
		DisableEmailNotifications: false,
		baseDir:                    baseDir,
	}
}

func path(baseDir string) string {
	return filepath.Join(baseDir, "server.json")
}

// Load reads server.json from baseDir on top of Defaults, so any key absent
// from an older or hand-edited file keeps its default value. Returns an error
// for I/O or JSON failures, and also (together with the decoded config) when
// the file's layout differs from CurrentLayout; a config that merely predates
// new keys is not an error.
func Load(baseDir string) (*Config, error) {
	data, err := os.ReadFile(path(baseDir))
	if err != nil {
		return nil, fmt.Errorf("config: read server.json: %w", err)
	}
	cfg := Defaults(baseDir)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode server.json: %w", err)
	}
	cfg.baseDir = baseDir
	if cfg.Layout != CurrentLayout {
		return cfg, fmt.Errorf("config: on-disk layout %d does not match supported layout %d; run the upgrade command", cfg.Layout, CurrentLayout)
	}
	return cfg, nil
}

// Init writes a fresh server.json with default values for a new instance.
// It refuses to overwrite an existing file.
func Init(baseDir, host string) (*Config, error) {
	if _, err := os.Stat(path(baseDir)); err == nil {
		return nil, fmt.Errorf("config: %s already exists", path(baseDir))
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create base dir: %w", err)
	}
	cfg := Defaults(baseDir)
	if host != "" {
		cfg.Host = host
	}
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Upgrade brings an existing server.json forward to CurrentLayout. Layout 1
// is the only layout this binary has ever produced, so today this is just
// Load followed by a re-Save that stamps the current layout number and
// fills in any config key a prior version didn't know to write; a future
// layout bump adds the actual field migrations here.
func Upgrade(baseDir string) (*Config, error) {
	data, err := os.ReadFile(path(baseDir))
	if err != nil {
		return nil, fmt.Errorf("config: read server.json: %w", err)
	}
	cfg := Defaults(baseDir)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode server.json: %w", err)
	}
	cfg.baseDir = baseDir
	cfg.Layout = CurrentLayout
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back to server.json using the same atomic
// write-tmp-then-rename pattern the object store uses for every durable
// write, so a crash mid-save cannot corrupt the instance configuration.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	dir := c.baseDir
	tmp, err := os.CreateTemp(dir, ".tmp-server-json-*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path(dir))
}

// BaseDir returns the directory this config was loaded from or initialized
// into.
func (c *Config) BaseDir() string { return c.baseDir }

// BaseURL returns the instance's externally visible scheme://host[prefix] —
// the prefix every ActivityPub endpoint path in §6 is relative to.
func (c *Config) BaseURL() string {
	return strings.TrimRight(c.Protocol+"://"+c.Host+c.Prefix, "/")
}

// QueueRetryBackoff returns the retry delay for the Nth attempt, per the
// queue's "earliest = now + retries * base_backoff" rule.
func (c *Config) QueueRetryBackoff(retries int) time.Duration {
	return time.Duration(retries) * time.Duration(c.QueueRetryMinutes) * time.Minute
}

// QueueTimeoutFor returns the HTTP client timeout to use, escalating from
// QueueTimeout to QueueTimeout2 once a prior attempt has already timed out.
func (c *Config) QueueTimeoutFor(priorTimedOut bool) time.Duration {
	if priorTimedOut {
		return time.Duration(c.QueueTimeout2) * time.Second
	}
	return time.Duration(c.QueueTimeout) * time.Second
}
