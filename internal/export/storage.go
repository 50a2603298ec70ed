package export

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive stores generated exports in an S3-compatible bucket so a user can
// re-download an export later. Optional at runtime; a nil *Archive disables
// archiving.
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive connects to MinIO and ensures the bucket exists.
func NewArchive(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	log.Printf("export: archiving to bucket %q at %s", bucket, endpoint)
	return &Archive{client: client, bucket: bucket}, nil
}

// Store uploads an export under exports/{userID}/{projectID}/{timestamp}.csv
// and returns the object key.
func (a *Archive) Store(ctx context.Context, userID, projectID string, data []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	key := fmt.Sprintf("exports/%s/%s/%s.csv", userID, projectID, time.Now().UTC().Format("20060102T150405"))
	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/csv"})
	if err != nil {
		return "", fmt.Errorf("store export: %w", err)
	}
	return key, nil
}
