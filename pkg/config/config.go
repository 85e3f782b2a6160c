package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kvcache/internal/logging"
)

// Config represents the main configuration structure
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Cache    CacheConfig       `yaml:"cache"`
	Memory   MemoryConfig      `yaml:"memory"`
	Eviction EvictionConfig    `yaml:"eviction"`
	Metrics  MetricsConfig     `yaml:"metrics"`
	Logging  logging.LogConfig `yaml:"logging"`

	// Source is the file the configuration was read from, "" for defaults.
	Source string `yaml:"-"`
}

// ServerConfig contains HTTP listener configuration
type ServerConfig struct {
	BindAddr        string        `yaml:"bind_addr"`
	Port            int           `yaml:"port"`
	Workers         int           `yaml:"workers"` // GOMAXPROCS; 0 = number of CPUs
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddr, s.Port)
}

// CacheConfig contains store configuration
type CacheConfig struct {
	Name   string `yaml:"name"`
	Shards int    `yaml:"shards"` // Power of two
}

// MemoryConfig controls how usage is sampled
type MemoryConfig struct {
	Source        string  `yaml:"source"`         // process, host, estimate
	Ceiling       string  `yaml:"ceiling"`        // "" or "0" = host MemTotal
	EntryOverhead int     `yaml:"entry_overhead"` // Bytes per entry added by the estimate
	Smoothing     float64 `yaml:"smoothing"`      // 1 disables smoothing
	ProcRoot      string  `yaml:"proc_root"`
}

// EvictionConfig contains eviction policy configuration
type EvictionConfig struct {
	Interval             time.Duration `yaml:"interval"`
	PressureThreshold    float64       `yaml:"pressure_threshold"`
	EmergencyThreshold   float64       `yaml:"emergency_threshold"`
	EmergencyTarget      float64       `yaml:"emergency_target"`
	LRUThreshold         float64       `yaml:"lru_threshold"`
	MinCapacityFraction  float64       `yaml:"min_capacity_fraction"`
	EmergencyMinFraction float64       `yaml:"emergency_min_fraction"`
	SampleSize           int           `yaml:"sample_size"`
	SweepFactor          int           `yaml:"sweep_factor"`
	Seed                 uint64        `yaml:"seed"`
	FreeOSMemory         bool          `yaml:"free_os_memory"`
}

// MetricsConfig selects the metrics backend
type MetricsConfig struct {
	Backend string `yaml:"backend"` // prometheus, log, noop; prometheus is served at /metrics
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:        "0.0.0.0",
			Port:            7171,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Name:   "default",
			Shards: 64,
		},
		Memory: MemoryConfig{
			Source:        "process",
			Ceiling:       "2GB",
			EntryOverhead: 112,
			Smoothing:     1,
		},
		Eviction: EvictionConfig{
			Interval:             time.Second,
			PressureThreshold:    0.70,
			EmergencyThreshold:   0.95,
			EmergencyTarget:      0.90,
			LRUThreshold:         0.85,
			MinCapacityFraction:  0.20,
			EmergencyMinFraction: 0.05,
			SampleSize:           1024,
			SweepFactor:          4,
			FreeOSMemory:         true,
		},
		Metrics: MetricsConfig{
			Backend: "prometheus",
		},
		Logging: logging.LogConfig{
			Level:         "info",
			EnableConsole: true,
			BufferSize:    1000,
			LogDir:        "logs",
		},
	}
}

// Load reads and parses the configuration file. A missing file yields the
// defaults; environment overrides are applied either way.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			config.Source = path
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides the worker count from WORKERS and the port from
// KVCACHE_PORT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKERS must be an integer: %w", err)
		}
		c.Server.Workers = n
	}
	if v, ok := lookup("KVCACHE_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KVCACHE_PORT must be an integer: %w", err)
		}
		c.Server.Port = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers cannot be negative")
	}
	if c.Cache.Name == "" {
		return fmt.Errorf("cache.name cannot be empty")
	}
	if c.Cache.Shards <= 0 || c.Cache.Shards&(c.Cache.Shards-1) != 0 {
		return fmt.Errorf("cache.shards must be a positive power of two, got %d", c.Cache.Shards)
	}
	if _, err := ParseSize(c.Memory.Ceiling); err != nil {
		return fmt.Errorf("memory.ceiling: %w", err)
	}
	if !isValidMemorySource(c.Memory.Source) {
		return fmt.Errorf("invalid memory source: %s", c.Memory.Source)
	}
	if c.Memory.EntryOverhead < 0 {
		return fmt.Errorf("memory.entry_overhead cannot be negative")
	}
	if c.Memory.Smoothing < 0 || c.Memory.Smoothing > 1 {
		return fmt.Errorf("memory.smoothing must be between 0 and 1")
	}
	if c.Eviction.Interval <= 0 {
		return fmt.Errorf("eviction.interval must be positive")
	}
	if !isValidMetricsBackend(c.Metrics.Backend) {
		return fmt.Errorf("invalid metrics backend: %s", c.Metrics.Backend)
	}
	// Threshold ordering is checked by the eviction engine itself
	return nil
}

// ParseSize converts a size string like "512MB" or "2GB" into bytes. An empty
// string is zero.
func ParseSize(sizeStr string) (uint64, error) {
	s := strings.ToUpper(strings.TrimSpace(sizeStr))
	if s == "" {
		return 0, nil
	}

	units := []struct {
		suffix     string
		multiplier uint64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	multiplier := uint64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.multiplier
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return 0, fmt.Errorf("invalid size %q", sizeStr)
	}
	return uint64(n * float64(multiplier)), nil
}

func isValidMemorySource(source string) bool {
	validSources := map[string]bool{
		"process":  true, // RSS of this process
		"host":     true, // MemTotal - MemAvailable
		"estimate": true, // Derived from store size
	}
	return validSources[source]
}

func isValidMetricsBackend(backend string) bool {
	validBackends := map[string]bool{
		"prometheus": true,
		"log":        true,
		"noop":       true,
	}
	return validBackends[backend]
}
