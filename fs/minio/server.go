package minio

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Constants for configuration and limits
const (
	DefaultRegion        = "us-east-1"
	DefaultBucket        = "floe"
	DefaultAccessKey     = "minioadmin"
	DefaultSecretKey     = "minioadmin"
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 100 * time.Millisecond
	MaxBucketNameLength  = 63
)

// MinIOError carries the failed operation and any context useful for logs
type MinIOError struct {
	Op      string
	Err     error
	Context map[string]interface{}
}

func (e *MinIOError) Error() string {
	if len(e.Context) > 0 {
		return fmt.Sprintf("minio %s: %v (context: %v)", e.Op, e.Err, e.Context)
	}
	return fmt.Sprintf("minio %s: %v", e.Op, e.Err)
}

func (e *MinIOError) Unwrap() error {
	return e.Err
}

// EmbeddedMinIOConfig configures the in-process S3 endpoint
type EmbeddedMinIOConfig struct {
	AccessKey     string        `yaml:"access_key" json:"access_key"`
	SecretKey     string        `yaml:"secret_key" json:"secret_key"`
	Region        string        `yaml:"region" json:"region"`
	DefaultBucket string        `yaml:"default_bucket" json:"default_bucket"`
	Quiet         bool          `yaml:"quiet" json:"quiet"`
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultMinIOConfig returns the default embedded server configuration
func DefaultMinIOConfig() *EmbeddedMinIOConfig {
	return &EmbeddedMinIOConfig{
		AccessKey:     DefaultAccessKey,
		SecretKey:     DefaultSecretKey,
		Region:        DefaultRegion,
		DefaultBucket: DefaultBucket,
		Quiet:         true,
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
	}
}

// EmbeddedMinIO is an S3-compatible endpoint served from memory by gofakes3.
// It backs the "minio" storage type when no external endpoint is configured
// and gives the S3 code paths something real to talk to in tests.
type EmbeddedMinIO struct {
	config       *EmbeddedMinIOConfig
	fakeS3Server *httptest.Server
	client       *minio.Client
	running      int32
	logger       *log.Logger
	mu           sync.RWMutex
}

// NewEmbeddedMinIO creates a stopped embedded server
func NewEmbeddedMinIO(config *EmbeddedMinIOConfig) (*EmbeddedMinIO, error) {
	if config == nil {
		config = DefaultMinIOConfig()
	}
	if config.Region == "" {
		config.Region = DefaultRegion
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = DefaultRetryAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.DefaultBucket != "" {
		if err := validateBucketName(config.DefaultBucket); err != nil {
			return nil, &MinIOError{Op: "create", Err: err}
		}
	}

	logger := log.New(os.Stdout, "[MinIO] ", log.LstdFlags|log.Lshortfile)
	if config.Quiet {
		logger.SetOutput(io.Discard)
	}

	return &EmbeddedMinIO{config: config, logger: logger}, nil
}

// Start serves the fake S3 API and creates the default bucket
func (m *EmbeddedMinIO) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return &MinIOError{Op: "start", Err: fmt.Errorf("server is already running")}
	}

	faker := gofakes3.New(s3mem.New())
	server := httptest.NewServer(faker.Server())

	client, err := NewClient(strings.TrimPrefix(server.URL, "http://"), m.config.AccessKey, m.config.SecretKey, m.config.Region, false)
	if err != nil {
		server.Close()
		atomic.StoreInt32(&m.running, 0)
		return &MinIOError{Op: "create_client", Err: err}
	}

	m.mu.Lock()
	m.fakeS3Server = server
	m.client = client
	m.mu.Unlock()

	if m.config.DefaultBucket != "" {
		if err := m.EnsureBucket(ctx, m.config.DefaultBucket); err != nil {
			_ = m.Stop(ctx)
			return err
		}
	}

	m.logger.Printf("Embedded S3 endpoint listening on %s", server.URL)
	return nil
}

// Stop shuts the endpoint down. Stopping a stopped server is a no-op.
func (m *EmbeddedMinIO) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fakeS3Server != nil {
		m.fakeS3Server.Close()
		m.fakeS3Server = nil
	}
	m.client = nil

	m.logger.Printf("Embedded S3 endpoint stopped")
	return nil
}

// IsRunning reports whether Start succeeded and Stop has not been called
func (m *EmbeddedMinIO) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

// GetActualURL returns the http URL of the endpoint
func (m *EmbeddedMinIO) GetActualURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fakeS3Server == nil {
		return ""
	}
	return m.fakeS3Server.URL
}

// GetClient returns the MinIO client connected to the endpoint
func (m *EmbeddedMinIO) GetClient() *minio.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Credentials returns the static access and secret key pair
func (m *EmbeddedMinIO) Credentials() (string, string) {
	return m.config.AccessKey, m.config.SecretKey
}

// EnsureBucket creates bucketName when it does not already exist
func (m *EmbeddedMinIO) EnsureBucket(ctx context.Context, bucketName string) error {
	client := m.GetClient()
	if client == nil {
		return &MinIOError{Op: "ensure_bucket", Err: fmt.Errorf("client is not available")}
	}
	return ensureBucket(ctx, client, bucketName, m.config.Region, m.config.RetryAttempts, m.config.RetryDelay)
}

// NewClient builds a path-style MinIO client for endpoint (host:port)
func NewClient(endpoint, accessKey, secretKey, region string, secure bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:       secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    http.DefaultTransport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

// EnsureClientBucket creates bucketName through an external client when it
// does not already exist
func EnsureClientBucket(ctx context.Context, client *minio.Client, bucketName, region string) error {
	if region == "" {
		region = DefaultRegion
	}
	return ensureBucket(ctx, client, bucketName, region, DefaultRetryAttempts, DefaultRetryDelay)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucketName, region string, attempts int, delay time.Duration) error {
	if err := validateBucketName(bucketName); err != nil {
		return err
	}

	var exists bool
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		exists, lastErr = client.BucketExists(ctx, bucketName)
		if lastErr == nil {
			break
		}
		if attempt < attempts-1 {
			time.Sleep(delay * time.Duration(attempt+1))
		}
	}
	if lastErr != nil {
		return &MinIOError{
			Op:      "check_bucket_exists",
			Err:     lastErr,
			Context: map[string]interface{}{"bucket": bucketName, "attempts": attempts},
		}
	}
	if exists {
		return nil
	}

	if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: region}); err != nil {
		return &MinIOError{
			Op:      "create_bucket",
			Err:     err,
			Context: map[string]interface{}{"bucket": bucketName, "region": region},
		}
	}
	return nil
}

func validateBucketName(bucket string) error {
	if len(bucket) < 3 || len(bucket) > MaxBucketNameLength {
		return fmt.Errorf("bucket name must be between 3 and %d characters", MaxBucketNameLength)
	}
	for _, r := range bucket {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' && r != '.' {
			return fmt.Errorf("bucket name %q contains invalid character %q", bucket, r)
		}
	}
	if strings.HasPrefix(bucket, "-") || strings.HasSuffix(bucket, "-") {
		return fmt.Errorf("bucket name %q cannot start or end with a hyphen", bucket)
	}
	return nil
}
