// Package s3 provides an S3/MinIO storage backend. Directories are
// emulated with "/"-delimited key prefixes and empty "dir/" marker objects.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/models"
	"github.com/fruitsalade/filebrowser/internal/pathcodec"
	"github.com/fruitsalade/filebrowser/internal/storage"
)

const backendType = "s3"

// deleteBatch is the S3 limit of keys per DeleteObjects call.
const deleteBatch = 1000

// BackendConfig holds S3 connection settings. RootPath is the absolute
// server path mapped to the bucket root.
type BackendConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	RootPath  string
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client *s3.Client
	bucket string
	root   string
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	backend, err := newWithClient(client, cfg.Bucket, cfg.RootPath)
	if err != nil {
		return nil, err
	}

	// Verify bucket exists
	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return backend, nil
}

func newWithClient(client *s3.Client, bucket, root string) (*S3Backend, error) {
	codec, err := pathcodec.New(root)
	if err != nil {
		return nil, fmt.Errorf("s3 root path: %w", err)
	}
	return &S3Backend{client: client, bucket: bucket, root: codec.Root()}, nil
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			record("create_bucket", start, createErr)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		record("create_bucket", start, nil)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(backendType, op, time.Since(start), err == nil)
}

// key maps an absolute path to an object key. The root maps to "".
func (b *S3Backend) key(p string) (string, error) {
	token, err := pathcodec.Encode(p, b.root)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(token, "/"), nil
}

// pathFor maps an object key back to an absolute path.
func (b *S3Backend) pathFor(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(strings.TrimSuffix(key, "/")))
}

func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// List returns the immediate children of dir.
func (b *S3Backend) List(ctx context.Context, dir string) (entries []models.FileModel, err error) {
	start := time.Now()
	defer func() { record("list", start, err) }()

	key, err := b.key(dir)
	if err != nil {
		return nil, err
	}
	prefix := dirPrefix(key)

	found := key == ""
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			k := aws.ToString(cp.Prefix)
			entries = append(entries, models.FileModel{
				AbsolutePath: b.pathFor(k),
				Name:         path.Base(strings.TrimSuffix(k, "/")),
				IsDir:        true,
			})
		}
		for _, obj := range page.Contents {
			found = true
			k := aws.ToString(obj.Key)
			if k == prefix {
				continue
			}
			entries = append(entries, models.FileModel{
				AbsolutePath: b.pathFor(k),
				Name:         path.Base(k),
				Size:         aws.ToInt64(obj.Size),
				ModTime:      aws.ToTime(obj.LastModified),
			})
		}
	}
	if !found {
		if _, err := b.head(ctx, key); err == nil {
			return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotDir)
		}
		return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotFound)
	}
	storage.SortEntries(entries)
	return entries, nil
}

func (b *S3Backend) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	return b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
}

func (b *S3Backend) isDir(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0, nil
}

// Stat returns the attributes of a file or directory prefix.
func (b *S3Backend) Stat(ctx context.Context, p string) (fm models.FileModel, err error) {
	start := time.Now()
	defer func() { record("stat", start, err) }()

	key, err := b.key(p)
	if err != nil {
		return models.FileModel{}, err
	}
	if key != "" {
		out, err := b.head(ctx, key)
		if err == nil {
			return models.FileModel{
				AbsolutePath: b.pathFor(key),
				Name:         path.Base(key),
				Size:         aws.ToInt64(out.ContentLength),
				ModTime:      aws.ToTime(out.LastModified),
			}, nil
		}
		if !isNotFound(err) {
			return models.FileModel{}, fmt.Errorf("stat %s: %w", p, err)
		}
	}
	dir, err := b.isDir(ctx, key)
	if err != nil {
		return models.FileModel{}, fmt.Errorf("stat %s: %w", p, err)
	}
	if !dir {
		return models.FileModel{}, fmt.Errorf("stat %s: %w", p, storage.ErrNotFound)
	}
	return models.FileModel{AbsolutePath: b.pathFor(key), Name: filepath.Base(b.pathFor(key)), IsDir: true}, nil
}

// Open retrieves an object from S3 with range support.
func (b *S3Backend) Open(ctx context.Context, p string, offset, length int64) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { record("get_object", start, err) }()

	key, err := b.key(p)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("open %s: %w", p, storage.ErrIsDir)
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 || length > 0 {
		var rangeStr string
		if length > 0 {
			rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		} else {
			rangeStr = fmt.Sprintf("bytes=%d-", offset)
		}
		input.Range = aws.String(rangeStr)
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			if dir, _ := b.isDir(ctx, key); dir {
				return nil, fmt.Errorf("open %s: %w", p, storage.ErrIsDir)
			}
			return nil, fmt.Errorf("open %s: %w", p, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return result.Body, nil
}

// Put uploads content to S3.
func (b *S3Backend) Put(ctx context.Context, p string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { record("put_object", start, err) }()

	key, err := b.key(p)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("put %s: %w", p, storage.ErrIsDir)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// Mkdir writes an empty directory marker.
func (b *S3Backend) Mkdir(ctx context.Context, p string) (err error) {
	start := time.Now()
	defer func() { record("mkdir", start, err) }()

	key, err := b.key(p)
	if err != nil {
		return err
	}
	if _, statErr := b.Stat(ctx, p); statErr == nil {
		return fmt.Errorf("mkdir %s: %w", p, storage.ErrExists)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(dirPrefix(key)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// Delete removes an object, or every object under a directory prefix.
func (b *S3Backend) Delete(ctx context.Context, p string) (err error) {
	start := time.Now()
	defer func() { record("delete", start, err) }()

	key, err := b.key(p)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("delete %s: refusing to remove storage root", p)
	}

	if _, err := b.head(ctx, key); err == nil {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		logging.Debug("S3 delete object", zap.String("key", key))
		return nil
	}

	var batch []types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		return err
	}

	deleted := 0
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(dirPrefix(key)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			deleted++
			if len(batch) == deleteBatch {
				if err := flush(); err != nil {
					return fmt.Errorf("delete %s: %w", p, err)
				}
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if deleted == 0 {
		return fmt.Errorf("delete %s: %w", p, storage.ErrNotFound)
	}
	logging.Debug("S3 delete prefix", zap.String("prefix", dirPrefix(key)), zap.Int("objects", deleted))
	return nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return backendType }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
