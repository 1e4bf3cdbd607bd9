package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBlobs stores blobs as objects "<category>/<key>" in one bucket.
type MinioBlobs struct {
	client *minio.Client
	bucket string
}

func OpenMinioBlobs(ctx context.Context, cfg MinioConfig) (*MinioBlobs, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "fleet-blobs"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, err
		}
	}
	return &MinioBlobs{client: client, bucket: bucket}, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (b *MinioBlobs) Put(ctx context.Context, category, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, blobPath(category, key),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	return err
}

func (b *MinioBlobs) Get(ctx context.Context, category, key string) ([]byte, bool, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, blobPath(category, key), minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *MinioBlobs) Delete(ctx context.Context, category, key string) error {
	return b.client.RemoveObject(ctx, b.bucket, blobPath(category, key), minio.RemoveObjectOptions{})
}

func (b *MinioBlobs) List(ctx context.Context, category, prefix string) ([]string, error) {
	var out []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    blobPath(category, prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, strings.TrimPrefix(obj.Key, category+"/"))
	}
	return out, nil
}

func (b *MinioBlobs) Close() error { return nil }
