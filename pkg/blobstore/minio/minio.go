// Package minio implements blobstore.Store on MinIO or any S3-compatible
// object store.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/papercomputeco/captain/pkg/blobstore"
)

// Config holds connection settings for the MinIO store.
type Config struct {
	// Endpoint is host:port of the object store (without scheme).
	Endpoint string

	// Bucket must already exist unless CreateBucket is set.
	Bucket string

	// Prefix is prepended to every key (e.g. "frames/").
	Prefix string

	AccessKey string
	SecretKey string
	UseSSL    bool

	// CreateBucket makes NewStore create Bucket when it doesn't exist.
	CreateBucket bool

	// Codec names the blobstore codec used to compress images.
	Codec string
}

// Store implements blobstore.Store for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	codec  *blobstore.Codec
}

// New connects to the configured object store.
func New(ctx context.Context, c Config) (*Store, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if c.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	if c.CreateBucket {
		exists, err := client.BucketExists(ctx, c.Bucket)
		if err != nil {
			return nil, fmt.Errorf("checking bucket %q: %w", c.Bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, c.Bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("creating bucket %q: %w", c.Bucket, err)
			}
		}
	}

	return NewStore(client, c.Bucket, c.Prefix, c.Codec)
}

// NewStore wraps an existing client.
func NewStore(client *minio.Client, bucket, prefix, codec string) (*Store, error) {
	cdc, err := blobstore.NewCodec(codec)
	if err != nil {
		return nil, err
	}

	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		codec:  cdc,
	}, nil
}

// Key returns the object key for a blob key.
func (s *Store) Key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads a blob. Object PUTs are atomic on S3-compatible stores.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	encoded, err := s.codec.Encode(data)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.Key(key), bytes.NewReader(encoded), int64(len(encoded)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("uploading blob %s: %w", key, err)
	}
	return nil
}

// Get downloads and decodes a blob.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.Key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(key, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(key, err)
	}

	return s.codec.Decode(raw)
}

// Delete removes a blob. S3 deletes of missing keys succeed.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.Key(key), minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

// Close releases the codec. The minio client holds no closable resources.
func (s *Store) Close() error {
	s.codec.Close()
	return nil
}

func (s *Store) mapErr(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("blob %s: %w", key, blobstore.ErrNotFound)
	}
	return fmt.Errorf("downloading blob %s: %w", key, err)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

var _ blobstore.Store = (*Store)(nil)
