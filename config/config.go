package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TFMV/floe/icerr"
)

// FileName is the project configuration file looked up by FindConfig
const FileName = ".floe.yml"

// Config represents the main floe configuration
type Config struct {
	Name     string        `yaml:"name"`
	Version  string        `yaml:"version,omitempty"`
	Catalog  CatalogConfig `yaml:"catalog"`
	Storage  StorageConfig `yaml:"storage"`
	Commit   CommitConfig  `yaml:"commit,omitempty"`
	Server   ServerConfig  `yaml:"server,omitempty"`
	Metadata Metadata      `yaml:"metadata,omitempty"`
}

// CatalogConfig holds catalog-specific configuration
type CatalogConfig struct {
	Type   string        `yaml:"type"`
	SQLite *SQLiteConfig `yaml:"sqlite,omitempty"`
	REST   *RESTConfig   `yaml:"rest,omitempty"`
	JSON   *JSONConfig   `yaml:"json,omitempty"`
}

// SQLiteConfig holds SQLite catalog configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RESTConfig points at a catalog served by `floe serve`
type RESTConfig struct {
	URI     string        `yaml:"uri"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// JSONConfig holds JSON catalog configuration
type JSONConfig struct {
	URI       string `yaml:"uri"`       // Path to the catalog.json file
	Warehouse string `yaml:"warehouse"` // Warehouse root path for table storage
}

// StorageConfig holds storage-specific configuration
type StorageConfig struct {
	Type       string            `yaml:"type"`
	FileSystem *FileSystemConfig `yaml:"filesystem,omitempty"`
	MinIO      *MinIOConfig      `yaml:"minio,omitempty"`
	S3         *S3Config         `yaml:"s3,omitempty"`
}

// FileSystemConfig holds local filesystem storage configuration
type FileSystemConfig struct {
	RootPath string `yaml:"root_path"`
}

// MinIOConfig configures MinIO storage. An empty endpoint starts the
// embedded in-process server.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
	Secure    bool   `yaml:"secure,omitempty"`
}

// S3Config holds S3-compatible storage configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	PathStyle       bool   `yaml:"path_style,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
}

// CommitConfig tunes the commit retry loop. Zero values fall back to the
// committer defaults.
type CommitConfig struct {
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
	Multiplier      float64       `yaml:"multiplier,omitempty"`
	Jitter          *bool         `yaml:"jitter,omitempty"`
}

// ServerConfig configures `floe serve`
type ServerConfig struct {
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	CORS    bool   `yaml:"cors,omitempty"`
	Metrics bool   `yaml:"metrics,omitempty"`
}

// Address returns host:port with defaults applied
func (s ServerConfig) Address() string {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	port := s.Port
	if port == 0 {
		port = 8181
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Metadata holds additional project metadata
type Metadata struct {
	CreatedAt   string            `yaml:"created_at,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	Properties  map[string]string `yaml:"properties,omitempty"`
}

// Default returns a sqlite catalog and filesystem storage under root
func Default(name, root string) *Config {
	return &Config{
		Name:    name,
		Version: "1",
		Catalog: CatalogConfig{
			Type:   "sqlite",
			SQLite: &SQLiteConfig{Path: filepath.Join(root, ".floe", "catalog", "catalog.db")},
		},
		Storage: StorageConfig{
			Type:       "fs",
			FileSystem: &FileSystemConfig{RootPath: filepath.Join(root, ".floe", "data")},
		},
		Server: ServerConfig{Host: "localhost", Port: 8181, Metrics: true},
		Metadata: Metadata{
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// Validate checks that the selected catalog and storage types have the
// settings they need
func (c *Config) Validate() error {
	switch c.Catalog.Type {
	case "sqlite":
		if c.Catalog.SQLite == nil || c.Catalog.SQLite.Path == "" {
			return &icerr.ValidationError{Field: "catalog.sqlite.path", Message: "sqlite catalog requires a path"}
		}
	case "json":
		if c.Catalog.JSON == nil || (c.Catalog.JSON.URI == "" && c.Catalog.JSON.Warehouse == "") {
			return &icerr.ValidationError{Field: "catalog.json", Message: "json catalog requires a uri or warehouse"}
		}
	case "rest":
		if c.Catalog.REST == nil || c.Catalog.REST.URI == "" {
			return &icerr.ValidationError{Field: "catalog.rest.uri", Message: "rest catalog requires a uri"}
		}
	default:
		return &icerr.ValidationError{Field: "catalog.type", Message: fmt.Sprintf("unsupported catalog type %q", c.Catalog.Type)}
	}

	switch c.Storage.Type {
	case "fs":
		if c.Storage.FileSystem == nil || c.Storage.FileSystem.RootPath == "" {
			return &icerr.ValidationError{Field: "storage.filesystem.root_path", Message: "filesystem storage requires a root path"}
		}
	case "memory":
	case "minio":
		if c.Storage.MinIO == nil || c.Storage.MinIO.Bucket == "" {
			return &icerr.ValidationError{Field: "storage.minio.bucket", Message: "minio storage requires a bucket"}
		}
	case "s3":
		if c.Storage.S3 == nil || c.Storage.S3.Bucket == "" {
			return &icerr.ValidationError{Field: "storage.s3.bucket", Message: "s3 storage requires a bucket"}
		}
	default:
		return &icerr.ValidationError{Field: "storage.type", Message: fmt.Sprintf("unsupported storage type %q", c.Storage.Type)}
	}
	return nil
}

// WriteConfig writes a configuration to a YAML file
func WriteConfig(path string, cfg *Config) error {
	if cfg.Version == "" {
		cfg.Version = "1"
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := yaml.NewEncoder(file)
	encoder.SetIndent(2)
	defer encoder.Close()

	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadConfig reads a configuration from a YAML file
func ReadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, icerr.NotFound("config", path)
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, &icerr.ValidationError{Field: "config", Message: fmt.Sprintf("failed to decode %s: %v", path, err)}
	}
	return &cfg, nil
}

// FindConfig searches for a .floe.yml file in the current directory or parents
func FindConfig() (string, *Config, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return FindConfigFrom(currentDir)
}

// FindConfigFrom searches startDir and its parents
func FindConfigFrom(startDir string) (string, *Config, error) {
	configPath, err := findConfigFile(startDir)
	if err != nil {
		return "", nil, err
	}
	cfg, err := ReadConfig(configPath)
	if err != nil {
		return "", nil, err
	}
	return configPath, cfg, nil
}

func findConfigFile(startDir string) (string, error) {
	currentDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", startDir, err)
	}

	for {
		configPath := filepath.Join(currentDir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			break
		}
		currentDir = parentDir
	}

	return "", icerr.NotFound("config", FileName+" in "+startDir+" or parents")
}
