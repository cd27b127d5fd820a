/*
 * Warden
 * Copyright (C) 2024  Corvo Systems, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package s3store replicates encrypted backup artifacts to S3 or an S3
// compatible object store. Server side encryption is always on: aws:kms
// when a key is configured, AES256 otherwise.
package s3store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/defaults"
	awsmetrics "github.com/corvohq/warden/lib/observability/metrics/aws"
)

// Metadata keys attached to every uploaded object.
const (
	metaBackupID     = "backup-id"
	metaBackupType   = "backup-type"
	metaCreatedAt    = "created-at"
	metaOriginalSize = "original-size"
)

// Config configures the S3 store.
type Config struct {
	// Bucket is the target bucket, required.
	Bucket string
	// Region overrides the ambient AWS region.
	Region string
	// Endpoint points at an S3 compatible store. Enables path style
	// addressing.
	Endpoint string
	// KMSKeyID switches server side encryption to aws:kms with this key.
	KMSKeyID string
	// Logger is the component logger.
	Logger *slog.Logger
	// client overrides the S3 client in tests.
	client s3API
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Bucket == "" {
		return trace.BadParameter("missing S3 bucket name")
	}
	if c.Logger == nil {
		c.Logger = slog.With(warden.ComponentKey, warden.ComponentCloudStorage)
	}
	return nil
}

// Store implements cloudstore.Uploader on S3.
type Store struct {
	cfg      Config
	client   s3API
	uploader *manager.Uploader
}

// New builds a Store, loading AWS credentials from the environment.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := cfg.client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithAPIOptions(awsmetrics.MetricsMiddleware()),
		)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if cfg.Region != "" {
			awsCfg.Region = cfg.Region
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
	}
	return &Store{
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// Upload implements cloudstore.Uploader.
func (s *Store) Upload(ctx context.Context, localPath, key string, meta cloudstore.Metadata) (*cloudstore.UploadResult, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   file,
		Metadata: map[string]string{
			metaBackupID:     meta.BackupID,
			metaBackupType:   meta.Type,
			metaCreatedAt:    meta.CreatedAt.UTC().Format(time.RFC3339),
			metaOriginalSize: strconv.FormatInt(meta.OriginalSize, 10),
		},
	}
	s.applySSE(input)

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return nil, trace.Wrap(convertS3Error(err), "uploading %v", key)
	}
	s.cfg.Logger.InfoContext(ctx, "uploaded backup artifact",
		"key", key, "size", info.Size(), "bucket", s.cfg.Bucket)
	return &cloudstore.UploadResult{
		Key:  key,
		URL:  out.Location,
		Size: info.Size(),
		ETag: aws.ToString(out.ETag),
	}, nil
}

func (s *Store) applySSE(input *s3.PutObjectInput) {
	if s.cfg.KMSKeyID != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.cfg.KMSKeyID)
		return
	}
	input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
}

// Download implements cloudstore.Uploader.
func (s *Store) Download(ctx context.Context, key, destPath string) (*cloudstore.DownloadResult, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, trace.Wrap(convertS3Error(err), "downloading %v", key)
	}
	defer out.Body.Close()

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.PrivateFileMode)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer dest.Close()
	size, err := io.Copy(dest, out.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &cloudstore.DownloadResult{
		Size:         size,
		LastModified: aws.ToTime(out.LastModified),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

// Verify implements cloudstore.Uploader.
func (s *Store) Verify(ctx context.Context, key string, expectedSize int64) error {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return trace.Wrap(convertS3Error(err), "verifying %v", key)
	}
	if size := aws.ToInt64(out.ContentLength); size != expectedSize {
		return trace.CompareFailed("object %v has %d bytes, expected %d", key, size, expectedSize)
	}
	return nil
}

// Delete implements cloudstore.Uploader.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return trace.Wrap(convertS3Error(err), "deleting %v", key)
	}
	return nil
}

// List implements cloudstore.Uploader.
func (s *Store) List(ctx context.Context, prefix string) ([]cloudstore.ObjectInfo, error) {
	var out []cloudstore.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, trace.Wrap(convertS3Error(err), "listing %v", prefix)
		}
		for _, obj := range page.Contents {
			out = append(out, cloudstore.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}
	return out, nil
}

// TestConnection implements cloudstore.Uploader.
func (s *Store) TestConnection(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	return trace.Wrap(convertS3Error(err), "bucket %v is not reachable", s.cfg.Bucket)
}

// Stats implements cloudstore.Uploader.
func (s *Store) Stats(ctx context.Context) (*cloudstore.Stats, error) {
	objects, err := s.List(ctx, cloudstore.KeyPrefix+"/")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stats := &cloudstore.Stats{Count: len(objects)}
	for _, obj := range objects {
		stats.TotalSize += obj.Size
		if stats.Oldest.IsZero() || obj.LastModified.Before(stats.Oldest) {
			stats.Oldest = obj.LastModified
		}
		if obj.LastModified.After(stats.Newest) {
			stats.Newest = obj.LastModified
		}
	}
	return stats, nil
}

// Provider implements cloudstore.Uploader.
func (s *Store) Provider() string { return "s3" }

// convertS3Error maps S3 API errors onto trace errors. Transport failures
// come back as connection problems so callers can tell "unreachable" from
// "rejected".
func convertS3Error(err error) error {
	if err == nil {
		return nil
	}
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) {
		return trace.NotFound("%s", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return trace.AccessDenied("%s", apiErr.ErrorMessage())
		case "SlowDown", "RequestLimitExceeded":
			return trace.LimitExceeded("%s", apiErr.ErrorMessage())
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return trace.NotFound("%s", apiErr.ErrorMessage())
		}
		return trace.BadParameter("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return trace.Wrap(err)
	}
	return trace.ConnectionProblem(err, "object store request failed")
}
