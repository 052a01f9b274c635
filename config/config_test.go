package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/floe/icerr"
)

func TestWriteAndReadConfig(t *testing.T) {
	tempDir := t.TempDir()
	jitter := false

	original := &Config{
		Name:    "test-project",
		Version: "1",
		Catalog: CatalogConfig{
			Type:   "sqlite",
			SQLite: &SQLiteConfig{Path: "/path/to/catalog.db"},
		},
		Storage: StorageConfig{
			Type: "s3",
			S3: &S3Config{
				Bucket:    "lake",
				Region:    "eu-west-1",
				Endpoint:  "http://localhost:9000",
				PathStyle: true,
			},
		},
		Commit: CommitConfig{
			MaxAttempts:     7,
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      1.5,
			Jitter:          &jitter,
		},
		Server: ServerConfig{Host: "0.0.0.0", Port: 9090, CORS: true},
		Metadata: Metadata{
			Description: "Test project",
			Tags:        []string{"test", "demo"},
			Properties:  map[string]string{"created_by": "test"},
		},
	}

	configPath := filepath.Join(tempDir, FileName)
	require.NoError(t, WriteConfig(configPath, original))

	read, err := ReadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, original, read)
	assert.Equal(t, "0.0.0.0:9090", read.Server.Address())
}

func TestReadConfigErrors(t *testing.T) {
	tempDir := t.TempDir()

	_, err := ReadConfig(filepath.Join(tempDir, "missing.yml"))
	assert.ErrorIs(t, err, icerr.ErrNotFound)

	bad := filepath.Join(tempDir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("name: x\nunknown_key: 1\n"), 0o644))
	_, err = ReadConfig(bad)
	assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
}

func TestFindConfigFromNestedDirectory(t *testing.T) {
	tempDir := t.TempDir()
	subDir := filepath.Join(tempDir, "subdir", "nested")
	require.NoError(t, os.MkdirAll(subDir, 0o755))

	require.NoError(t, WriteConfig(filepath.Join(tempDir, FileName), Default("find-me", tempDir)))

	path, cfg, err := FindConfigFrom(subDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tempDir, FileName), path)
	assert.Equal(t, "find-me", cfg.Name)
}

func TestFindConfigMissing(t *testing.T) {
	_, _, err := FindConfigFrom(t.TempDir())
	assert.ErrorIs(t, err, icerr.ErrNotFound)
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default("demo", "/work")

	assert.Equal(t, "sqlite", cfg.Catalog.Type)
	assert.Equal(t, filepath.Join("/work", ".floe", "catalog", "catalog.db"), cfg.Catalog.SQLite.Path)
	assert.Equal(t, "fs", cfg.Storage.Type)
	assert.Equal(t, filepath.Join("/work", ".floe", "data"), cfg.Storage.FileSystem.RootPath)
	assert.Equal(t, "localhost:8181", cfg.Server.Address())
	assert.NoError(t, cfg.Validate())
}

func TestConfigVersionDefault(t *testing.T) {
	cfg := &Config{
		Name:    "test-defaults",
		Catalog: CatalogConfig{Type: "sqlite"},
		Storage: StorageConfig{Type: "memory"},
	}

	configPath := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, WriteConfig(configPath, cfg))

	read, err := ReadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "1", read.Version)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "memory storage", mutate: func(c *Config) { c.Storage = StorageConfig{Type: "memory"} }},
		{name: "rest catalog", mutate: func(c *Config) {
			c.Catalog = CatalogConfig{Type: "rest", REST: &RESTConfig{URI: "http://localhost:8181"}}
		}},
		{name: "json catalog", mutate: func(c *Config) {
			c.Catalog = CatalogConfig{Type: "json", JSON: &JSONConfig{Warehouse: "/tmp/wh"}}
		}},
		{name: "unknown catalog", mutate: func(c *Config) { c.Catalog.Type = "hive" }, wantErr: true},
		{name: "rest without uri", mutate: func(c *Config) {
			c.Catalog = CatalogConfig{Type: "rest", REST: &RESTConfig{}}
		}, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage = StorageConfig{Type: "s3", S3: &S3Config{}} }, wantErr: true},
		{name: "minio without bucket", mutate: func(c *Config) { c.Storage = StorageConfig{Type: "minio"} }, wantErr: true},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "gcs" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("v", "/work")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, icerr.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
