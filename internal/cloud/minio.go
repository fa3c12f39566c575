package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStorage adapts a MinIO/S3-compatible endpoint to the Storage contract.
type MinioStorage struct {
	client *minio.Client
	bucket string
	region string
}

// MinioConfig holds connection settings for an s3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

// NewMinio creates a MinIO-backed Storage.
func NewMinio(cfg MinioConfig) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStorage{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, mapMinioErr(err))
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, mapMinioErr(err))
		}
	}
	return nil
}

func (s *MinioStorage) UploadFile(ctx context.Context, name string, data []byte, opts Options) (string, error) {
	exists, err := s.LookupFile(ctx, name, opts)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrAlreadyExists
	}
	info, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: opts.MimeType})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, mapMinioErr(err))
	}
	return info.ETag, nil
}

func (s *MinioStorage) DownloadFile(ctx context.Context, name string, opts Options) ([]byte, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get object %s: %w", name, mapMinioErr(err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", name, mapMinioErr(err))
	}
	stat, err := obj.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat object %s: %w", name, mapMinioErr(err))
	}
	return data, stat.ETag, nil
}

func (s *MinioStorage) DeleteFile(ctx context.Context, name string, opts Options) error {
	exists, err := s.LookupFile(ctx, name, opts)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("delete object %s: %w", name, ErrNotFound)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", name, mapMinioErr(err))
	}
	return nil
}

func (s *MinioStorage) LookupFile(ctx context.Context, name string, opts Options) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		mapped := mapMinioErr(err)
		if errors.Is(mapped, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", name, mapped)
	}
	return true, nil
}

func mapMinioErr(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return ErrNotFound
	case "AccessDenied", "InvalidAccessKeyId", "ExpiredToken", "SignatureDoesNotMatch":
		return ErrAuthExpired
	}
	return err
}
