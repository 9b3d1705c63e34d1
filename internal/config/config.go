// Package config loads node settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds every tunable of a DHT node. Zero values are not
// meaningful; start from Default() and override.
type Settings struct {
	ListenAddr string   `yaml:"listen_addr"`
	Bootstrap  []string `yaml:"bootstrap"`
	LogLevel   string   `yaml:"log_level"`

	// ReadOnly nodes issue queries but never answer any, and set "ro" on
	// outgoing queries so others do not add them to their tables.
	ReadOnly bool `yaml:"read_only"`

	// EnforceNodeID only admits nodes whose ID verifies against their
	// address (BEP 42) into the routing table.
	EnforceNodeID bool `yaml:"enforce_node_id"`

	// Incoming queries answered per second. 0 disables the limit.
	UploadRateLimit int `yaml:"upload_rate_limit"`
	UploadRateBurst int `yaml:"upload_rate_burst"`

	MaxPeersReply   int `yaml:"max_peers_reply"`
	SearchBranching int `yaml:"search_branching"`
	MaxFailCount    int `yaml:"max_fail_count"`

	MaxTorrents int `yaml:"max_torrents"`
	MaxDHTItems int `yaml:"max_dht_items"`
	MaxPeers    int `yaml:"max_peers"`

	// ItemLifetime of 0 keeps items until evicted for space.
	ItemLifetime time.Duration `yaml:"item_lifetime"`

	SampleInfohashesInterval time.Duration `yaml:"sample_infohashes_interval"`
	MaxInfohashesSampleCount int           `yaml:"max_infohashes_sample_count"`

	TokenRotation time.Duration `yaml:"token_rotation"`
}

// MinItemLifetime is the lower bound applied to a non-zero ItemLifetime.
const MinItemLifetime = 120 * time.Minute

// Default returns the settings a public mainline node would run with.
func Default() Settings {
	return Settings{
		ListenAddr:               "0.0.0.0:6881",
		LogLevel:                 "info",
		UploadRateLimit:          8000,
		UploadRateBurst:          200,
		MaxPeersReply:            100,
		SearchBranching:          5,
		MaxFailCount:             20,
		MaxTorrents:              2000,
		MaxDHTItems:              700,
		MaxPeers:                 500,
		SampleInfohashesInterval: 6 * time.Hour,
		MaxInfohashesSampleCount: 20,
		TokenRotation:            5 * time.Minute,
	}
}

// Load reads a YAML file on top of Default(). A missing path returns the
// defaults unchanged.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("Load: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("Load: parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("Load: %w", err)
	}
	return s, nil
}

// Validate checks ranges and normalises ItemLifetime.
func (s *Settings) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("Validate: listen_addr is empty")
	}
	if s.UploadRateLimit < 0 || s.UploadRateBurst < 0 {
		return fmt.Errorf("Validate: negative upload rate")
	}
	if s.SearchBranching <= 0 {
		return fmt.Errorf("Validate: search_branching must be positive, got %d", s.SearchBranching)
	}
	if s.MaxFailCount <= 0 {
		return fmt.Errorf("Validate: max_fail_count must be positive, got %d", s.MaxFailCount)
	}
	if s.MaxPeersReply < 0 || s.MaxTorrents < 0 || s.MaxDHTItems < 0 || s.MaxPeers < 0 {
		return fmt.Errorf("Validate: storage limits must not be negative")
	}
	if s.MaxInfohashesSampleCount < 0 || s.MaxInfohashesSampleCount > 20 {
		return fmt.Errorf("Validate: max_infohashes_sample_count must be in [0,20], got %d", s.MaxInfohashesSampleCount)
	}
	if s.TokenRotation <= 0 {
		return fmt.Errorf("Validate: token_rotation must be positive")
	}
	if s.ItemLifetime < 0 {
		return fmt.Errorf("Validate: negative item_lifetime")
	}
	if s.ItemLifetime > 0 && s.ItemLifetime < MinItemLifetime {
		s.ItemLifetime = MinItemLifetime
	}
	return nil
}
