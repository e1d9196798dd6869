// Package blob implements the artifact blob store: a MinIO-backed object
// store keyed by artifact filename.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pyreposcan/pyreposcan/internal/archive"
	"github.com/pyreposcan/pyreposcan/pkg/purl"
)

// BucketName is the fixed bucket PyPI artifacts are stored under.
const BucketName = "pypi-files"

// Meta is the small metadata envelope stored alongside each artifact:
// project, version, filename, and content digests. The release's canonical
// package URL is stamped on upload so downstream consumers of the bucket
// can identify an object without parsing its filename.
type Meta struct {
	Project  string
	Version  string
	Filename string
	Digests  map[string]string
}

// metaKeyFilename is the user-metadata key holding the artifact's real
// filename. Object names and filenames coincide here, but the key is kept
// so a renamed or re-keyed object still records what it was uploaded as.
const metaKeyFilename = "Filename"

// Store wraps a *minio.Client scoped to BucketName.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to a MinIO (or S3-compatible) endpoint and ensures
// BucketName exists, creating it if absent.
func NewStore(ctx context.Context, endpoint, accessKey, secretKey string, secure bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing minio client: %w", err)
	}
	s := &Store{client: client, bucket: BucketName}
	exists, err := client.BucketExists(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", s.bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", s.bucket, err)
		}
	}
	return s, nil
}

// contentType classifies an artifact's MIME type by filename suffix.
func contentType(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"):
		return "application/gzip"
	case strings.HasSuffix(lower, ".whl"):
		return "application/x-wheel+zip"
	default:
		return "application/octet-stream"
	}
}

// Put uploads the file at localPath under meta.Filename, attaching meta as
// user metadata.
func (s *Store) Put(ctx context.Context, localPath string, meta Meta) error {
	userMeta := map[string]string{
		metaKeyFilename: meta.Filename,
		"Project":       meta.Project,
		"Version":       meta.Version,
		"Purl":          purl.Release(meta.Project, meta.Version),
	}
	for alg, digest := range meta.Digests {
		userMeta["Digest-"+alg] = digest
	}
	_, err := s.client.FPutObject(ctx, s.bucket, meta.Filename, localPath, minio.PutObjectOptions{
		ContentType:  contentType(meta.Filename),
		UserMetadata: userMeta,
	})
	if err != nil {
		return fmt.Errorf("uploading %q: %w", meta.Filename, err)
	}
	return nil
}

// Get downloads the object named filename into dirPath, resolving any
// filename collision via archive.AvailableFilepath, and returns the path
// written.
func (s *Store) Get(ctx context.Context, filename, dirPath string) (string, error) {
	target, err := archive.AvailableFilepath(filepath.Join(dirPath, filename))
	if err != nil {
		return "", err
	}
	if err := s.client.FGetObject(ctx, s.bucket, filename, target, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("downloading %q: %w", filename, err)
	}
	return target, nil
}

// Exists reports whether filename is already present in the store, used by
// the downloader worker's at-most-once check.
func (s *Store) Exists(ctx context.Context, filename string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, filename, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) && errResp.Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat %q: %w", filename, err)
}
