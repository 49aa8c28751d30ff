// Package config resolves the onboard client's settings from defaults, an
// optional YAML file, and environment overrides — in that order, later layers
// winning.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables. EnvSocketPath is how the cabinet deployment points
// games at the daemon socket; it always wins over the file and the default.
const (
	EnvSocketPath = "DEVCADE_ONBOARD_PATH"
	EnvQueueSize  = "DEVCADE_ONBOARD_QUEUE_SIZE"
)

// DefaultSocketPath is where the daemon listens when EnvSocketPath is unset.
const DefaultSocketPath = "/tmp/devcade/onboard.sock"

// Config holds everything the client needs to reach and pace the daemon.
type Config struct {
	SocketPath     string
	QueueSize      int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
}

// UnmarshalYAML accepts durations in time.ParseDuration form ("2s", "500ms").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SocketPath     string  `yaml:"socketPath"`
		QueueSize      int     `yaml:"queueSize"`
		DialTimeout    string  `yaml:"dialTimeout"`
		RequestTimeout string  `yaml:"requestTimeout"`
		RateLimit      float64 `yaml:"rateLimit"`
		RateBurst      int     `yaml:"rateBurst"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.SocketPath = raw.SocketPath
	c.QueueSize = raw.QueueSize
	c.RateLimit = raw.RateLimit
	c.RateBurst = raw.RateBurst
	for _, field := range []struct {
		src string
		dst *time.Duration
	}{
		{raw.DialTimeout, &c.DialTimeout},
		{raw.RequestTimeout, &c.RequestTimeout},
	} {
		if field.src == "" {
			continue
		}
		d, err := time.ParseDuration(field.src)
		if err != nil {
			return err
		}
		*field.dst = d
	}
	return nil
}

// Default returns the settings used when no file and no environment are
// present. RequestTimeout and RateLimit default to zero: unlimited.
func Default() Config {
	return Config{
		SocketPath:  DefaultSocketPath,
		QueueSize:   100,
		DialTimeout: 5 * time.Second,
	}
}

// Load reads configuration from configPath, falling back to the conventional
// candidate locations when it is empty. A missing or unreadable file is not
// an error: defaults plus environment overrides still apply.
func Load(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"devcade.yaml",
			"configs/devcade.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

// Merge copies the set fields of src over dst, leaving unset fields alone.
func Merge(dst *Config, src Config) {
	if src.SocketPath != "" {
		dst.SocketPath = src.SocketPath
	}
	if src.QueueSize > 0 {
		dst.QueueSize = src.QueueSize
	}
	if src.DialTimeout > 0 {
		dst.DialTimeout = src.DialTimeout
	}
	if src.RequestTimeout > 0 {
		dst.RequestTimeout = src.RequestTimeout
	}
	if src.RateLimit > 0 {
		dst.RateLimit = src.RateLimit
	}
	if src.RateBurst > 0 {
		dst.RateBurst = src.RateBurst
	}
}

// ApplyEnvOverrides applies the environment on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvSocketPath); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv(EnvQueueSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueSize = n
		}
	}
}
