package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"tenant-backup/internal/config"
)

// S3Adapter stores blobs in an S3 bucket using multipart streaming uploads
type S3Adapter struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Adapter creates an adapter from configuration
func NewS3Adapter(cfg *config.S3Config) (*S3Adapter, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, unavailable("failed to create AWS session", err)
	}

	client := s3.New(sess)
	partSize := cfg.PartSizeMB * 1024 * 1024
	if partSize < s3manager.MinUploadPartSize {
		partSize = s3manager.DefaultUploadPartSize
	}
	uploader := s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = 2
	})

	return &S3Adapter{client: client, uploader: uploader, bucket: cfg.Bucket}, nil
}

// Name implements Adapter
func (a *S3Adapter) Name() string { return "s3" }

// Put implements Adapter
func (a *S3Adapter) Put(ctx context.Context, key string, r io.Reader, meta Metadata) (Location, error) {
	_, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    aws.StringMap(meta),
	})
	if err != nil {
		return "", unavailable("failed to upload backup to S3", err)
	}
	return Location(key), nil
}

// Get implements Adapter
func (a *S3Adapter) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	out, err := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(loc.String()),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, missing(loc)
		}
		return nil, unavailable(fmt.Sprintf("failed to download %s from S3", loc), err)
	}
	return out.Body, nil
}

// Delete implements Adapter
func (a *S3Adapter) Delete(ctx context.Context, loc Location) error {
	_, err := a.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(loc.String()),
	})
	if err != nil && !isS3NotFound(err) {
		return unavailable("failed to delete backup from S3", err)
	}
	return nil
}

// Exists implements Adapter
func (a *S3Adapter) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := a.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(loc.String()),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, unavailable("failed to stat backup in S3", err)
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
