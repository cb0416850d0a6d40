// Package archive keeps a copy of every committed snapshot in object
// storage, keyed by owner, set and version.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("archived snapshot not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store writes and reads archived snapshots in one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and creates the bucket when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// ObjectKey is the object name of one archived version.
func ObjectKey(ownerID string, setID, version int64) string {
	return fmt.Sprintf("%s/v%d.json", setPrefix(ownerID, setID), version)
}

func setPrefix(ownerID string, setID int64) string {
	return fmt.Sprintf("%s/%d", escapeSegment(ownerID), setID)
}

func escapeSegment(s string) string {
	return strings.NewReplacer("/", "%2F", "\\", "%5C").Replace(s)
}

// Put stores the snapshot written at version.
func (s *Store) Put(ctx context.Context, ownerID string, setID, version int64, snapshot []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, ObjectKey(ownerID, setID, version),
		bytes.NewReader(snapshot), int64(len(snapshot)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put snapshot v%d: %w", version, err)
	}
	return nil
}

// Get returns the snapshot archived for version.
func (s *Store) Get(ctx context.Context, ownerID string, setID, version int64) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ObjectKey(ownerID, setID, version), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get snapshot v%d: %w", version, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot v%d: %w", version, err)
	}
	return data, nil
}

// Versions lists archived versions for a set, newest first.
func (s *Store) Versions(ctx context.Context, ownerID string, setID int64) ([]int64, error) {
	prefix := setPrefix(ownerID, setID) + "/"
	versions := make([]int64, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list snapshots: %w", obj.Err)
		}
		if v, ok := parseVersionKey(strings.TrimPrefix(obj.Key, prefix)); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	return versions, nil
}

func parseVersionKey(name string) (int64, bool) {
	if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
