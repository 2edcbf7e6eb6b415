package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/firefly-vcut/go-vcut/transfer/chunkuploader"
)

const (
	numHeadRetries       = 3
	putFilePartMB        = 10
	defaultHeadRetryWait = 5 * time.Second
)

// S3Params ...
type S3Params struct {
	// Endpoint overrides the AWS endpoint, e.g. https://<account>.r2.cloudflarestorage.com for R2.
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// HeadRetryWait separates head object retries. Default: 5 seconds
	HeadRetryWait time.Duration
}

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store is an S3 compatible object store. It implements chunkuploader.ObjectStore.
type S3Store struct {
	client    s3API
	bucket    string
	logger    log.Logger
	retryWait time.Duration
}

var _ chunkuploader.ObjectStore = (*S3Store)(nil)

// NewS3Store creates a store for params.Bucket, loading credentials the same way the AWS CLI does unless
// static keys are given.
func NewS3Store(ctx context.Context, params S3Params, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})

	store := newS3Store(client, params.Bucket, logger)
	if params.HeadRetryWait > 0 {
		store.retryWait = params.HeadRetryWait
	}
	return store, nil
}

func newS3Store(client s3API, bucket string, logger log.Logger) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    bucket,
		logger:    logger,
		retryWait: defaultHeadRetryWait,
	}
}

// Bucket ...
func (s *S3Store) Bucket() string {
	return s.bucket
}

// CreateMultipartUpload starts a multipart upload for key and returns its upload id.
func (s *S3Store) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", fmt.Errorf("no upload id in create multipart upload response")
	}

	return *out.UploadId, nil
}

// UploadPart uploads body as part partNumber and returns its ETag.
func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", partNumber, err)
	}

	return aws.ToString(out.ETag), nil
}

// CompleteMultipartUpload assembles parts, which must be sorted by part number, into the final object.
func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []chunkuploader.UploadedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	return nil
}

// AbortMultipartUpload discards uploadID and every part uploaded under it.
func (s *S3Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}

	return nil
}

// Exists reports whether key is present in the bucket. Errors other than NotFound are retried.
// The wait between retries does not observe ctx: a cancelled call returns at the next attempt, at most
// HeadRetryWait later.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retry.Times(numHeadRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if ctx.Err() != nil {
			return ctx.Err(), true
		}
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					exists = false
					return nil, true
				}
			}
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			s.logger.Debugf("head object %s (attempt %d): %s", key, attempt+1, err)
			return fmt.Errorf("head object: %w", err), false
		}

		exists = true
		return nil, true
	})

	return exists, err
}

// PutFile uploads a local file to key.
func (s *S3Store) PutFile(ctx context.Context, key, path, contentType string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close() //nolint:errcheck

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = putFilePartMB * 1024 * 1024
	})

	input := &s3.PutObjectInput{
		Body:   file,
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	return nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
