// Package archive ships finished run artifacts to object storage so
// results survive the machine that produced them.
package archive

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
)

// Uploader copies run artifacts into a date-partitioned bucket layout:
// <bucket>/auditorias/<year>/<month>/<day>/<file>.
type Uploader struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
		log.Printf("archive: created bucket %s", cfg.Bucket)
	}

	return &Uploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores one local file under the day's prefix and returns the
// object name.
func (u *Uploader) Upload(ctx context.Context, localPath string, day time.Time) (string, error) {
	object := objectName(localPath, day)
	info, err := u.client.FPutObject(ctx, u.bucket, object, localPath,
		minio.PutObjectOptions{ContentType: contentTypeFor(localPath)})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", filepath.Base(localPath), err)
	}
	log.Printf("archive: uploaded %s (%d bytes)", object, info.Size)
	return object, nil
}

func objectName(localPath string, day time.Time) string {
	return fmt.Sprintf("auditorias/%04d/%02d/%02d/%s",
		day.Year(), day.Month(), day.Day(), filepath.Base(localPath))
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".jsonl", ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain"
	}
	return "application/octet-stream"
}
