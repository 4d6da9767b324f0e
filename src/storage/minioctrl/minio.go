package minioctrl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AttachmentsBucket holds attachment payloads moved out of the database.
const AttachmentsBucket = "attachments"

// ErrInvalidObjectURL is returned for store urls that are not "bucket/object".
var ErrInvalidObjectURL = errors.New("invalid object url")

type MinioService struct {
	client  *minio.Client
	maxSize int64
}

func NewMinioService(endpoint, accessKeyID, secretAccessKey string, useSSL bool) (*MinioService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %v", err)
	}

	return &MinioService{
		client:  client,
		maxSize: 100 << 20,
	}, nil
}

func (s *MinioService) EnsureBucketExists(ctx context.Context, bucketName string) error {
	exists, err := s.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
	}

	return nil
}

// GetObject reads a whole object. Objects larger than the size limit are
// rejected instead of being loaded into memory.
func (s *MinioService) GetObject(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("object %s/%s exceeds %d bytes", bucketName, objectName, s.maxSize)
	}

	return data, nil
}

// GetByURL reads the object addressed by a "bucket/object" url.
func (s *MinioService) GetByURL(ctx context.Context, objectURL string) ([]byte, error) {
	bucket, object, err := ParseObjectURL(objectURL)
	if err != nil {
		return nil, err
	}
	return s.GetObject(ctx, bucket, object)
}

// ParseObjectURL splits a "bucket/object" url.
func ParseObjectURL(objectURL string) (string, string, error) {
	parts := strings.SplitN(strings.TrimPrefix(objectURL, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidObjectURL, objectURL)
	}
	return parts[0], parts[1], nil
}
