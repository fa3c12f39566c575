package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Storage adapts an AWS S3 bucket to the Storage contract.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// S3Config holds AWS connection settings.
type S3Config struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// NewS3 creates an AWS-backed Storage. Static credentials are used when
// provided, otherwise the default credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Storage{client: s3.NewFromConfig(awsCfg), bucket: cfg.Bucket}, nil
}

func (s *S3Storage) UploadFile(ctx context.Context, name string, data []byte, opts Options) (string, error) {
	exists, err := s.LookupFile(ctx, name, opts)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrAlreadyExists
	}
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(opts.MimeType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, mapS3Err(err))
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Storage) DownloadFile(ctx context.Context, name string, opts Options) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get object %s: %w", name, mapS3Err(err))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", name, err)
	}
	return data, aws.ToString(out.ETag), nil
}

func (s *S3Storage) DeleteFile(ctx context.Context, name string, opts Options) error {
	exists, err := s.LookupFile(ctx, name, opts)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("delete object %s: %w", name, ErrNotFound)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", name, mapS3Err(err))
	}
	return nil
}

func (s *S3Storage) LookupFile(ctx context.Context, name string, opts Options) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		mapped := mapS3Err(err)
		if errors.Is(mapped, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", name, mapped)
	}
	return true, nil
}

func mapS3Err(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return ErrNotFound
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "ExpiredToken", "InvalidAccessKeyId", "AccessDenied", "TokenRefreshRequired":
			return ErrAuthExpired
		}
	}
	if strings.Contains(err.Error(), "expired") {
		return ErrAuthExpired
	}
	return err
}
