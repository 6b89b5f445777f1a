package minioctrl

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const DefaultResultsBucket = "cvp-results"

// MinioService stores generation results as one JSON object per job and
// mints presigned, time-limited download links for them. Objects are never
// exposed through a permanent public URL.
type MinioService struct {
	client *minio.Client
	bucket string
}

func NewMinioService(endpoint, accessKeyID, secretAccessKey string, useSSL bool, bucket string) (*MinioService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %v", err)
	}

	if bucket == "" {
		bucket = DefaultResultsBucket
	}

	return &MinioService{
		client: client,
		bucket: bucket,
	}, nil
}

func (s *MinioService) EnsureBucketExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
	}

	return nil
}

// ObjectKey derives the result object key for a job id.
func ObjectKey(jobID string) string {
	return fmt.Sprintf("%s.json", jobID)
}

// PutResult writes the result document for a job. The key is derived from
// the job id, so a retried write overwrites the same object with identical
// content.
func (s *MinioService) PutResult(ctx context.Context, jobID string, data []byte) (string, error) {
	key := ObjectKey(jobID)
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to put result object: %v", err)
	}

	return key, nil
}

// ResultExists reports whether the result object is still present. The job
// record can outlive the blob, so absence is an expected answer here, not
// an error.
func (s *MinioService) ResultExists(ctx context.Context, ref string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, ref, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat result object: %v", err)
	}

	return true, nil
}

// PresignResult mints a time-limited GET link for the result object.
func (s *MinioService) PresignResult(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, ref, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign result object: %v", err)
	}

	return presigned.String(), nil
}

// RemoveResult deletes the result object.
func (s *MinioService) RemoveResult(ctx context.Context, ref string) error {
	err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete result object: %v", err)
	}

	return nil
}
