// Package s3 stores objects in an S3 bucket through aws-sdk-go-v2.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	floefs "github.com/TFMV/floe/fs"
	"github.com/TFMV/floe/icerr"
)

// Options configures the S3 client
type Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// Storage is an object store backed by an S3 bucket
type Storage struct {
	client *s3.Client
	bucket string
	prefix string
}

var (
	_ floefs.Store   = (*Storage)(nil)
	_ floefs.Lister  = (*Storage)(nil)
	_ floefs.Deleter = (*Storage)(nil)
)

// New loads the default AWS configuration, overlays static credentials and a
// custom endpoint when given, and returns a store on opts.Bucket.
func New(ctx context.Context, opts Options) (*Storage, error) {
	if opts.Bucket == "" {
		return nil, &icerr.ValidationError{Field: "bucket", Message: "s3 storage requires a bucket"}
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if opts.PathStyle || opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewWithClient(s3.NewFromConfig(cfg, s3Opts...), opts.Bucket, opts.Prefix), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *s3.Client, bucket, prefix string) *Storage {
	return &Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Put uploads data as one object
func (s *Storage) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return &icerr.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Get downloads the whole object
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, icerr.NotFound("object", key)
		}
		return nil, &icerr.StorageError{Op: "get", Key: key, Err: err}
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, &icerr.StorageError{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

// Delete removes an object
func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return &icerr.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// List returns the keys under prefix relative to the store prefix
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var files []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &icerr.StorageError{Op: "list", Key: prefix, Err: err}
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			files = append(files, key)
		}
	}

	sort.Strings(files)
	return files, nil
}

func (s *Storage) objectKey(key string) string {
	name := floefs.NormalizeKey(key)
	if s.prefix != "" {
		return floefs.Join(s.prefix, name)
	}
	return name
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
