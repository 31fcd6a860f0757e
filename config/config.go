// Package config loads the pushconst configuration and opens the configured backend.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/occa"
	"github.com/openfluke/pushconst/softgpu"
	"github.com/openfluke/pushconst/webgpu"
)

// Environment overrides, applied after the file.
const (
	EnvBackend = "PUSHCONST_BACKEND"
	EnvCount   = "PUSHCONST_COUNT"
)

// Config represents the application configuration
type Config struct {
	Backend string `yaml:"backend"`
	Count   int    `yaml:"count"`
	Seed    uint64 `yaml:"seed"`
	// Offset fixes the push constant value; nil draws it from Seed.
	Offset           *float32      `yaml:"offset"`
	PushConstantSize uint32        `yaml:"push_constant_size"`
	SyncTimeout      time.Duration `yaml:"sync_timeout"`
	Verbosity        int           `yaml:"verbosity"`

	SoftGPU SoftGPUConfig `yaml:"softgpu"`
	WebGPU  WebGPUConfig  `yaml:"webgpu"`
	OCCA    OCCAConfig    `yaml:"occa"`
}

type SoftGPUConfig struct {
	Workers             int    `yaml:"workers"`
	MaxPushConstantSize uint32 `yaml:"max_push_constant_size"`
}

type WebGPUConfig struct {
	PowerPreference string `yaml:"power_preference"`
	PreferVendor    string `yaml:"prefer_vendor"`
}

type OCCAConfig struct {
	Mode string `yaml:"mode"`
}

// Backends lists the accepted backend names.
var Backends = []string{"webgpu", "softgpu", "occa"}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Backend:          "webgpu",
		Count:            10,
		PushConstantSize: 4,
		SoftGPU: SoftGPUConfig{
			MaxPushConstantSize: softgpu.DefaultMaxPushConstantSize,
		},
		OCCA: OCCAConfig{Mode: occa.DefaultMode},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(EnvCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvCount, v, err)
		}
		c.Count = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !contains(Backends, c.Backend) {
		return fmt.Errorf("backend must be one of: %v", Backends)
	}
	if c.Count < 0 {
		return errors.New("count must not be negative")
	}
	if c.PushConstantSize == 0 || c.PushConstantSize%4 != 0 {
		return errors.New("push_constant_size must be a non-zero multiple of 4")
	}
	if c.SyncTimeout < 0 {
		return errors.New("sync_timeout must not be negative")
	}
	switch c.WebGPU.PowerPreference {
	case "", "high-performance", "low-power":
	default:
		return errors.New("webgpu.power_preference must be high-performance or low-power")
	}
	return nil
}

// OpenBackend constructs the configured backend.
func (c *Config) OpenBackend() (gpu.Backend, error) {
	switch c.Backend {
	case "softgpu":
		return softgpu.New(softgpu.Config{
			Workers:             c.SoftGPU.Workers,
			MaxPushConstantSize: c.SoftGPU.MaxPushConstantSize,
		}), nil
	case "webgpu":
		return webgpu.New(webgpu.Options{
			PowerPreference: c.WebGPU.PowerPreference,
			PreferVendor:    c.WebGPU.PreferVendor,
		}), nil
	case "occa":
		b, err := occa.New(c.OCCA.Mode)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// Capabilities is the capability request for gpu.NewContext.
func (c *Config) Capabilities() gpu.Capabilities {
	return gpu.Capabilities{PushConstantSize: c.PushConstantSize, StorageBuffers: 2}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
