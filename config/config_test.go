package config

import (
	"path/filepath"
	"testing"

	"coredb/cache"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")

	cfg := Config{
		Storage: StorageConfig{Backend: "file", Dir: filepath.Join(dir, "data"), PageSize: 8192, SegmentSize: 1 << 20},
		Cache:   CacheConfig{Capacity: 128, Policy: cache.Clock},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	cfg := Default()
	cfg.Cache.Policy = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown cache policy")
	}
}

func TestValidateRequiresDirForFileBackend(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "file"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when storage.dir is empty for the file backend")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := Default()
	store, err := cfg.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	if store.PageSize() != cfg.Storage.PageSize {
		t.Fatalf("page size = %d, want %d", store.PageSize(), cfg.Storage.PageSize)
	}
}
