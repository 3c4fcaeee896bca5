package archive

import (
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/port/outbound"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig holds the object store connection settings.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Timeout   time.Duration
}

// ObjectPutter is the subset of *minio.Client used for mirroring.
type ObjectPutter interface {
	PutObject(
		ctx context.Context,
		bucketName, objectName string,
		reader io.Reader,
		objectSize int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
}

// NewMinioClient connects to the object store and makes sure the bucket exists.
func NewMinioClient(ctx context.Context, cfg ObjectConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("object store endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return client, nil
}

// MirroredStore writes locally first, then copies the artifact to the object
// store. The local copy is authoritative; mirror failures are logged only.
type MirroredStore struct {
	local   outbound.ArtifactStore
	putter  ObjectPutter
	bucket  string
	prefix  string
	timeout time.Duration
}

var _ outbound.ArtifactStore = (*MirroredStore)(nil)

// NewMirroredStore wraps local with a mirror through putter, normally a
// *minio.Client from NewMinioClient.
func NewMirroredStore(local outbound.ArtifactStore, putter ObjectPutter, cfg ObjectConfig) *MirroredStore {
	if local == nil || putter == nil {
		panic("local store and object putter cannot be nil")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MirroredStore{
		local:   local,
		putter:  putter,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: timeout,
	}
}

func (s *MirroredStore) Write(ctx context.Context, prefix, extension string, data []byte) (string, error) {
	location, err := s.local.Write(ctx, prefix, extension, data)
	if err != nil {
		return "", err
	}

	key := filepath.Base(location)
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}

	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	_, err = s.putter.PutObject(putCtx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(extension)})
	if err != nil {
		slogger.Warn(ctx, "Failed to mirror artifact to object store", slogger.Fields{
			"bucket": s.bucket,
			"key":    key,
			"local":  location,
			"error":  err.Error(),
		})
		return location, nil
	}

	slogger.Debug(ctx, "Artifact mirrored", slogger.Fields2("bucket", s.bucket, "key", key))
	return location, nil
}

func contentType(extension string) string {
	switch extension {
	case "json":
		return "application/json"
	case "jsonl":
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}
