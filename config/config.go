package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mario-areias/pythia/codec"
	"github.com/mario-areias/pythia/httporacle"
	"github.com/mario-areias/pythia/target"
)

// Config holds the attack and demo server settings.
type Config struct {
	// Oracle request
	URL        string   `json:"url"`
	Method     string   `json:"method"`
	Body       string   `json:"body,omitempty"`
	Cookie     string   `json:"cookie,omitempty"`
	Headers    []string `json:"headers,omitempty"`
	FailStatus []int    `json:"fail_status,omitempty"`
	FailMatch  string   `json:"fail_match,omitempty"`
	Proxy      string   `json:"proxy,omitempty"`
	Timeout    int      `json:"timeout_seconds"`

	// Attack
	Encoding  string `json:"encoding"`
	BlockSize int    `json:"block_size"`
	Workers   int    `json:"workers"`
	Verbose   bool   `json:"verbose"`
	LogLevel  string `json:"log_level"` // debug, info, warn, error

	// Demo server
	Listen string `json:"listen"`
	Cipher string `json:"cipher"`
	Key    string `json:"key,omitempty"` // hex, random when empty
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Method:     "GET",
		FailStatus: []int{500},
		Timeout:    30,
		Encoding:   "base64",
		BlockSize:  16,
		Workers:    100,
		LogLevel:   "info",
		Listen:     "127.0.0.1:8080",
		Cipher:     "aes",
	}
}

// Load reads a JSON config file over the defaults. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Merge applies file-loaded config values into cfg, but only for fields
// that were NOT explicitly set via CLI flags. explicitFlags contains the
// flag names that were explicitly provided on the command line.
func Merge(cfg *Config, fromFile *Config, explicitFlags map[string]bool) {
	for name, f := range fields {
		if !explicitFlags[name] {
			f.copy(cfg, fromFile)
		}
	}
}

// ApplyEnv overrides settings from PYTHIA_* environment variables, except
// those given as explicit flags.
func (c *Config) ApplyEnv(explicitFlags map[string]bool) error {
	for name, f := range fields {
		if f.env == "" || explicitFlags[name] {
			continue
		}
		v, ok := os.LookupEnv(f.env)
		if !ok {
			continue
		}
		if err := f.set(c, v); err != nil {
			return fmt.Errorf("%s: %w", f.env, err)
		}
	}
	return nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	if c.BlockSize < 1 || c.BlockSize > 255 {
		return fmt.Errorf("block size must be between 1 and 255, got %d", c.BlockSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if _, err := codec.Lookup(c.Encoding); err != nil {
		return err
	}
	if !slices.Contains(target.Ciphers, strings.ToLower(c.Cipher)) {
		return fmt.Errorf("unknown cipher %q, want one of %s", c.Cipher, strings.Join(target.Ciphers, ", "))
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// ValidateAttack checks what the decrypt and encrypt commands need on top of
// Validate. Without a URL the attack runs offline against a local target,
// which needs its key.
func (c *Config) ValidateAttack() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.URL == "" {
		if c.Key == "" {
			return fmt.Errorf("oracle url is required")
		}
		return nil
	}
	if len(c.FailStatus) == 0 && c.FailMatch == "" {
		return fmt.Errorf("either fail status or fail match is required")
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return l, nil
}

// Oracle returns the HTTP oracle settings.
func (c *Config) Oracle() httporacle.Config {
	return httporacle.Config{
		URL:        c.URL,
		Method:     c.Method,
		Body:       c.Body,
		Cookie:     c.Cookie,
		Headers:    c.Headers,
		Encoding:   c.Encoding,
		FailStatus: c.FailStatus,
		FailMatch:  c.FailMatch,
		Proxy:      c.Proxy,
		Timeout:    time.Duration(c.Timeout) * time.Second,
		MaxConns:   c.Workers,
	}
}

// field ties a flag name to its Config field. set parses a string value, as
// given in the environment.
type field struct {
	env  string
	copy func(dst, src *Config)
	set  func(c *Config, v string) error
}

var fields = map[string]field{
	"url": {
		env:  "PYTHIA_URL",
		copy: func(dst, src *Config) { dst.URL = src.URL },
		set:  func(c *Config, v string) error { c.URL = v; return nil },
	},
	"method": {
		copy: func(dst, src *Config) { dst.Method = src.Method },
	},
	"body": {
		copy: func(dst, src *Config) { dst.Body = src.Body },
	},
	"cookie": {
		copy: func(dst, src *Config) { dst.Cookie = src.Cookie },
	},
	"header": {
		copy: func(dst, src *Config) { dst.Headers = src.Headers },
	},
	"fail-status": {
		copy: func(dst, src *Config) { dst.FailStatus = src.FailStatus },
	},
	"fail-match": {
		copy: func(dst, src *Config) { dst.FailMatch = src.FailMatch },
	},
	"proxy": {
		env:  "PYTHIA_PROXY",
		copy: func(dst, src *Config) { dst.Proxy = src.Proxy },
		set:  func(c *Config, v string) error { c.Proxy = v; return nil },
	},
	"timeout": {
		copy: func(dst, src *Config) { dst.Timeout = src.Timeout },
	},
	"encoding": {
		copy: func(dst, src *Config) { dst.Encoding = src.Encoding },
	},
	"block-size": {
		env:  "PYTHIA_BLOCK_SIZE",
		copy: func(dst, src *Config) { dst.BlockSize = src.BlockSize },
		set:  func(c *Config, v string) error { return setInt(&c.BlockSize, v) },
	},
	"workers": {
		env:  "PYTHIA_WORKERS",
		copy: func(dst, src *Config) { dst.Workers = src.Workers },
		set:  func(c *Config, v string) error { return setInt(&c.Workers, v) },
	},
	"verbose": {
		copy: func(dst, src *Config) { dst.Verbose = src.Verbose },
	},
	"log-level": {
		env:  "PYTHIA_LOG_LEVEL",
		copy: func(dst, src *Config) { dst.LogLevel = src.LogLevel },
		set:  func(c *Config, v string) error { c.LogLevel = v; return nil },
	},
	"listen": {
		copy: func(dst, src *Config) { dst.Listen = src.Listen },
	},
	"cipher": {
		copy: func(dst, src *Config) { dst.Cipher = src.Cipher },
	},
	"key": {
		env:  "PYTHIA_KEY",
		copy: func(dst, src *Config) { dst.Key = src.Key },
		set:  func(c *Config, v string) error { c.Key = v; return nil },
	},
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid number %q", v)
	}
	*dst = n
	return nil
}
