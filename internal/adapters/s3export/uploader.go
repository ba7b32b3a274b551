// Package s3export uploads ledger exports and archives to S3 or an
// S3-compatible store (MinIO, R2).
package s3export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cryptoPaperBot/internal/ports"
)

// Config holds the connection settings.
type Config struct {
	// Endpoint is the S3-compatible endpoint URL. Leave empty for AWS.
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
}

// Uploader puts local files into the configured bucket.
type Uploader struct {
	s3     *s3.Client
	bucket string
	prefix string
	logger ports.Logger
}

// New builds the S3 client. Static credentials are used when an access key is
// configured; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config, logger ports.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket name is required: %w", ports.ErrConfigurationError)
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3: region is required: %w", ports.ErrConfigurationError)
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &Uploader{
		s3:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// UploadFile uploads the file at localPath and returns the object key, which
// is the prefix, the UTC date and the file name.
func (u *Uploader) UploadFile(ctx context.Context, localPath string, at time.Time) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("s3: read %s: %w", localPath, err)
	}
	key := ObjectKey(u.prefix, filepath.Base(localPath), at)
	_, err = u.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		return "", fmt.Errorf("s3: put object %s: %w", key, err)
	}
	u.logger.Info(ctx, "Uploaded file to S3", map[string]interface{}{"bucket": u.bucket, "key": key, "bytes": len(data)})
	return key, nil
}

// ObjectKey builds "<prefix>/<yyyy>/<mm>/<dd>/<name>".
func ObjectKey(prefix, name string, at time.Time) string {
	return path.Join(strings.Trim(prefix, "/"), at.UTC().Format("2006/01/02"), name)
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// normaliseEndpoint ensures the endpoint has a scheme.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
