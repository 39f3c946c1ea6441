// Package config holds the runtime settings of a harness: the constants baked
// into its manifest, optionally overridden by a TOML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/roach88/atsh/internal/compiler"
)

// Settings are the runtime knobs shared by every component.
type Settings struct {
	ProbePaths         []string
	CodecPaths         []string
	MaxLogPayloadSize  int
	TACSPort           int
	ILPort             int
	ExcludedLogClasses []string
	DialTimeout        time.Duration
	ReapGracePeriod    time.Duration
}

// Default timeouts, used when neither the manifest nor the config file sets them.
const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultReapGracePeriod = 2 * time.Second
)

// FromManifest returns the settings baked into a compiled manifest.
func FromManifest(m *compiler.Manifest) Settings {
	return Settings{
		ProbePaths:         append([]string(nil), m.ProbePaths...),
		CodecPaths:         append([]string(nil), m.CodecPaths...),
		MaxLogPayloadSize:  m.MaxLogPayloadSize,
		TACSPort:           m.TACSPort,
		ILPort:             m.ILPort,
		ExcludedLogClasses: []string{"internal"},
		DialTimeout:        DefaultDialTimeout,
		ReapGracePeriod:    DefaultReapGracePeriod,
	}
}

type fileConfig struct {
	ProbePaths         []string `toml:"probe_paths"`
	CodecPaths         []string `toml:"codec_paths"`
	MaxLogPayloadSize  int      `toml:"max_log_payload_size"`
	TACSPort           int      `toml:"tacs_port"`
	ILPort             int      `toml:"il_port"`
	ExcludedLogClasses []string `toml:"excluded_log_classes"`
	DialTimeout        string   `toml:"dial_timeout"`
	ReapGracePeriod    string   `toml:"reap_grace_period"`
}

// Load reads a TOML file and applies every key it defines on top of base.
// Keys absent from the file leave base untouched.
func Load(path string, base Settings) (Settings, error) {
	cfg := base

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("probe_paths") {
		cfg.ProbePaths = normalizeList(raw.ProbePaths)
	}

	if meta.IsDefined("codec_paths") {
		cfg.CodecPaths = normalizeList(raw.CodecPaths)
	}

	if meta.IsDefined("max_log_payload_size") {
		if raw.MaxLogPayloadSize <= 0 {
			return Settings{}, fmt.Errorf("max_log_payload_size must be positive, got %d", raw.MaxLogPayloadSize)
		}
		cfg.MaxLogPayloadSize = raw.MaxLogPayloadSize
	}

	if meta.IsDefined("tacs_port") {
		if err := checkPort("tacs_port", raw.TACSPort); err != nil {
			return Settings{}, err
		}
		cfg.TACSPort = raw.TACSPort
	}

	if meta.IsDefined("il_port") {
		if err := checkPort("il_port", raw.ILPort); err != nil {
			return Settings{}, err
		}
		cfg.ILPort = raw.ILPort
	}

	if meta.IsDefined("excluded_log_classes") {
		cfg.ExcludedLogClasses = normalizeList(raw.ExcludedLogClasses)
	}

	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return Settings{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}

	if meta.IsDefined("reap_grace_period") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReapGracePeriod))
		if err != nil {
			return Settings{}, fmt.Errorf("parse reap_grace_period: %w", err)
		}
		cfg.ReapGracePeriod = d
	}

	return cfg, nil
}

func checkPort(key string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", key, port)
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
