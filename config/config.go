// Package config loads and saves the engine's startup configuration:
// page size, storage backend, cache capacity and eviction policy, and
// file-store segment size, as one YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"coredb/cache"
	"coredb/storage"
)

// Config is the engine's on-disk configuration shape.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
}

// StorageConfig configures the page store.
type StorageConfig struct {
	// Backend selects "memory" or "file"; file requires Dir.
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir,omitempty"`
	PageSize    int    `yaml:"page_size"`
	SegmentSize int    `yaml:"segment_size,omitempty"`
}

// CacheConfig configures the buffer cache.
type CacheConfig struct {
	Capacity int        `yaml:"capacity"`
	Policy   cache.Kind `yaml:"policy"`
}

// Default returns the engine's built-in configuration: an in-memory
// store at storage.DefaultPageSize and a FIFO cache holding 64 pages.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:  "memory",
			PageSize: storage.DefaultPageSize,
		},
		Cache: CacheConfig{
			Capacity: 64,
			Policy:   cache.FIFO,
		},
	}
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating or truncating the file.
func Save(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Validate reports a descriptive error for any setting that would make
// Open fail in a confusing way later.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
		if c.Storage.Dir != "" {
			return fmt.Errorf("config: storage.dir is set but backend is %q", c.Storage.Backend)
		}
	case "file":
		if c.Storage.Dir == "" {
			return fmt.Errorf("config: storage.backend is %q but storage.dir is empty", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.PageSize <= 0 {
		return fmt.Errorf("config: storage.page_size must be positive, got %d", c.Storage.PageSize)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("config: cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	switch c.Cache.Policy {
	case cache.FIFO, cache.Clock, cache.Aging:
	default:
		return fmt.Errorf("config: unknown cache.policy %q", c.Cache.Policy)
	}
	return nil
}

// OpenStore constructs the storage.Store this Config describes.
func (c Config) OpenStore() (storage.Store, error) {
	switch c.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(c.Storage.PageSize), nil
	case "file":
		segSize := c.Storage.SegmentSize
		if segSize == 0 {
			segSize = storage.DefaultSegmentSize
		}
		return storage.OpenFileStore(storage.FileStoreConfig{
			Dir:         c.Storage.Dir,
			PageSize:    c.Storage.PageSize,
			SegmentSize: segSize,
		})
	default:
		return nil, fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
}

// OpenCache builds the cache.Policy this Config describes, sized for
// Cache.Capacity.
func (c Config) OpenCache() (cache.Policy, error) {
	return cache.NewPolicy(c.Cache.Policy, c.Cache.Capacity)
}
