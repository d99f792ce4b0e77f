// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OAuthConfig holds client-credentials settings for a feed endpoint.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// SourceConfig describes one telemetry feed and its sync window policy.
type SourceConfig struct {
	FolderTag  string `yaml:"folder_tag"`
	FeedURL    string `yaml:"feed_url"`
	AuthHeader string `yaml:"auth_header"`
	SinceParam string `yaml:"since_param"`
	LimitParam string `yaml:"limit_param"`
	Limit      int    `yaml:"limit"`

	OAuth OAuthConfig `yaml:"oauth"`

	LookbackHours     int    `yaml:"lookback_hours"`
	From              string `yaml:"from"`
	To                string `yaml:"to"`
	RespectCheckpoint bool   `yaml:"-"`
	UpdateCheckpoint  bool   `yaml:"-"`
	ResetBeforeRun    bool   `yaml:"reset"`
}

// ShiftConfig mirrors the timeshift.Shift fields in YAML form.
type ShiftConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Value    string `yaml:"value"`
	Timezone string `yaml:"timezone"`
}

// OutputConfig selects the destination and its shaping parameters.
type OutputConfig struct {
	Mode         string      `yaml:"mode"`
	Dir          string      `yaml:"dir"`
	Granularity  string      `yaml:"granularity"`
	Pattern      string      `yaml:"pattern"`
	Ext          string      `yaml:"ext"`
	MissingValue string      `yaml:"missing_value"`
	PayloadShift ShiftConfig `yaml:"payload_shift"`
	NameShift    ShiftConfig `yaml:"filename_shift"`
	MakeVRF      bool        `yaml:"make_vrf"`
}

// MirrorConfig holds the optional S3-compatible mirror destination.
type MirrorConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UseSSL       bool   `yaml:"use_ssl"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	CheckOnStart bool   `yaml:"check_on_start"`
}

// Config holds all configuration for the sync service.
type Config struct {
	Sources []SourceConfig

	StateDSN  string
	OutputDSN string

	// RedisURL is optional. Empty disables the fast dedup pre-check.
	RedisURL string

	LookupPath string

	Output OutputConfig
	Mirror MirrorConfig

	// RunInterval drives the watch loop. Zero means single-shot.
	RunInterval time.Duration
}

// rawConfig mirrors the YAML structure for unmarshalling. Checkpoint
// booleans are pointers so an absent key defaults to true.
type rawConfig struct {
	Sources []struct {
		SourceConfig      `yaml:",inline"`
		RespectCheckpoint *bool `yaml:"respect_checkpoint"`
		UpdateCheckpoint  *bool `yaml:"update_checkpoint"`
	} `yaml:"sources"`
	State struct {
		DSN string `yaml:"dsn"`
	} `yaml:"state"`
	OutputDB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"output_db"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Lookup struct {
		Path string `yaml:"path"`
	} `yaml:"lookup"`
	Output OutputConfig `yaml:"output"`
	Mirror MirrorConfig `yaml:"mirror"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "config.yaml"))
}

// LoadFile reads configuration from an explicit path.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		StateDSN:    firstNonEmpty(raw.State.DSN, os.Getenv("DATABASE_URL")),
		OutputDSN:   raw.OutputDB.DSN,
		RedisURL:    firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		LookupPath:  firstNonEmpty(raw.Lookup.Path, envOrDefault("LOOKUP_PATH", "lookup.json")),
		Output:      raw.Output,
		Mirror:      raw.Mirror,
		RunInterval: envOrDefaultDuration("RUN_INTERVAL", 0),
	}

	if cfg.StateDSN == "" {
		return nil, fmt.Errorf("no state DSN configured — set state.dsn or DATABASE_URL")
	}
	if cfg.OutputDSN == "" {
		// One database serves both roles unless told otherwise.
		cfg.OutputDSN = cfg.StateDSN
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = "db"
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = envOrDefault("OUTPUT_DIR", "out")
	}
	if cfg.Output.MissingValue == "" {
		cfg.Output.MissingValue = "NaN"
	}

	for _, s := range raw.Sources {
		sc := s.SourceConfig
		if sc.FolderTag == "" {
			// A source without a tag has no checkpoint identity.
			continue
		}
		if sc.LookbackHours <= 0 {
			sc.LookbackHours = envOrDefaultInt("LOOKBACK_HOURS", 72)
		}
		sc.RespectCheckpoint = boolOrDefault(s.RespectCheckpoint, true)
		sc.UpdateCheckpoint = boolOrDefault(s.UpdateCheckpoint, true)
		cfg.Sources = append(cfg.Sources, sc)
	}

	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("no sources configured — check %s", configPath)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func boolOrDefault(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
