package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"formbot/internal/util"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive keeps copies of delivered report files.
type Archive interface {
	ArchiveFile(ctx context.Context, localPath string) (string, error)
	Delete(ctx context.Context, key string) error
}

// MinioConfig describes the bucket reports are copied into.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

// MinioArchive uploads report files to MinIO/S3 compatible storage.
type MinioArchive struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time
	newID  func() string
}

// NewMinioArchive connects to MinIO and ensures the bucket exists.
func NewMinioArchive(ctx context.Context, cfg MinioConfig) (*MinioArchive, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("minio endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "reports"
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket, prefix: prefix, now: time.Now, newID: util.NewID}, nil
}

// ArchiveFile uploads the file at localPath and returns its object key.
func (m *MinioArchive) ArchiveFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open report: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat report: %w", err)
	}
	key := m.objectKey(localPath)
	_, err = m.client.PutObject(ctx, m.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// Delete removes an archived object.
func (m *MinioArchive) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (m *MinioArchive) objectKey(localPath string) string {
	return ObjectKey(m.prefix, m.now(), m.newID(), localPath)
}

// ObjectKey places a file under prefix/YYYY/MM/DD/ and prefixes its name
// with the time and id. Report names repeat within a day once the local
// file is gone, so the base name alone would overwrite earlier copies.
func ObjectKey(prefix string, at time.Time, id, localPath string) string {
	at = at.UTC()
	name := at.Format("150405") + "-" + id + "-" + filepath.Base(localPath)
	return path.Join(prefix, at.Format("2006/01/02"), name)
}

// ContentType maps report extensions to their MIME type.
func ContentType(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if ct := mime.TypeByExtension(filepath.Ext(localPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
