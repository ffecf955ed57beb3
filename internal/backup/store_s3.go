package backup

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/dustin/go-humanize"

	"github.com/yourusername/hostbackup/internal/config"
	"github.com/yourusername/hostbackup/internal/transport"
)

// S3Store mirrors backups into AWS S3 or S3-compatible storage. Directories
// are key prefixes; EnsureDir writes a zero-byte "<name>/" marker object.
type S3Store struct {
	bucket string
	prefix string
	client s3iface.S3API
	logger *slog.Logger
}

// NewS3Store creates an S3 store from mirror settings
func NewS3Store(cfg *config.MirrorConfig, logger *slog.Logger) (*S3Store, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	// Custom endpoint for S3-compatible storage (MinIO, DigitalOcean Spaces, etc.)
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3StoreWithClient(s3.New(sess), cfg.Bucket, cfg.Path, logger), nil
}

// NewS3StoreWithClient creates an S3 store over an existing client
func NewS3StoreWithClient(client s3iface.S3API, bucket, prefix string, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: client,
		logger: logger,
	}
}

func (ss *S3Store) key(name string) string {
	return path.Join(ss.prefix, name)
}

func (ss *S3Store) dirKey(name string) string {
	return ss.key(name) + "/"
}

func (ss *S3Store) rootKey() string {
	if ss.prefix == "" {
		return ""
	}
	return ss.prefix + "/"
}

// ListDirs returns the common prefixes directly under dir
func (ss *S3Store) ListDirs(ctx context.Context, dir string) ([]string, error) {
	root := ss.rootKey()
	if dir != "" {
		root = ss.dirKey(dir)
	}
	var dirs []string

	err := ss.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(ss.bucket),
		Prefix:    aws.String(root),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(cp.Prefix), root), "/")
			if name != "" {
				dirs = append(dirs, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list s3://%s/%s: %w", transport.ErrTransfer, ss.bucket, root, err)
	}

	return dirs, nil
}

// EnsureDir writes the directory marker for name when nothing exists under it
func (ss *S3Store) EnsureDir(ctx context.Context, name string) error {
	exists, err := ss.Exists(ctx, name)
	if err != nil || exists {
		return err
	}

	_, err = ss.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(ss.dirKey(name)),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return fmt.Errorf("%w: create s3://%s/%s: %w", transport.ErrTransfer, ss.bucket, ss.dirKey(name), err)
	}
	return nil
}

// Exists reports whether any object lives under name
func (ss *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	out, err := ss.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(ss.bucket),
		Prefix:  aws.String(ss.dirKey(name)),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return false, fmt.Errorf("%w: list s3://%s/%s: %w", transport.ErrTransfer, ss.bucket, ss.dirKey(name), err)
	}
	return len(out.Contents) > 0, nil
}

func (ss *S3Store) listKeys(ctx context.Context, name string) ([]string, error) {
	var keys []string
	err := ss.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(ss.bucket),
		Prefix: aws.String(ss.dirKey(name)),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list s3://%s/%s: %w", transport.ErrTransfer, ss.bucket, ss.dirKey(name), err)
	}
	return keys, nil
}

// Move copies every object under from to to, then deletes the originals
func (ss *S3Store) Move(ctx context.Context, from, to string) error {
	exists, err := ss.Exists(ctx, to)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("move %s: %w", to, ErrDestinationExists)
	}

	keys, err := ss.listKeys(ctx, from)
	if err != nil {
		return err
	}

	srcPrefix, dstPrefix := ss.dirKey(from), ss.dirKey(to)
	for _, key := range keys {
		_, err := ss.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(ss.bucket),
			CopySource: aws.String(copySource(ss.bucket, key)),
			Key:        aws.String(dstPrefix + strings.TrimPrefix(key, srcPrefix)),
		})
		if err != nil {
			return fmt.Errorf("%w: copy s3://%s/%s: %w", transport.ErrTransfer, ss.bucket, key, err)
		}
	}

	return ss.deleteKeys(ctx, keys)
}

// copySource builds the URL-encoded bucket/key reference CopyObject expects.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// PutTree uploads every regular file under localDir below name
func (ss *S3Store) PutTree(ctx context.Context, localDir, name string) error {
	exists, err := ss.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("copy to s3://%s/%s: %w", ss.bucket, ss.dirKey(name), ErrDestinationExists)
	}

	var total uint64
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel == "." {
				rel = ""
			}
			// Keep empty directories visible to ListDirs and Exists
			_, err := ss.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
				Bucket: aws.String(ss.bucket),
				Key:    aws.String(ss.dirKey(path.Join(name, filepath.ToSlash(rel)))),
				Body:   strings.NewReader(""),
			})
			if err != nil {
				return fmt.Errorf("%w: %w", transport.ErrTransfer, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		file, err := os.Open(p)
		if err != nil {
			return err
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return err
		}

		_, err = ss.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(ss.bucket),
			Key:           aws.String(ss.key(path.Join(name, filepath.ToSlash(rel)))),
			Body:          file,
			ContentLength: aws.Int64(info.Size()),
		})
		if err != nil {
			return fmt.Errorf("%w: upload %s: %w", transport.ErrTransfer, rel, err)
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return err
	}

	ss.logger.Debug("s3_tree_uploaded", "bucket", ss.bucket, "key", ss.dirKey(name), "bytes", humanize.Bytes(total))
	return nil
}

// RemoveAll deletes every object under name
func (ss *S3Store) RemoveAll(ctx context.Context, name string) error {
	keys, err := ss.listKeys(ctx, name)
	if err != nil {
		return err
	}
	return ss.deleteKeys(ctx, keys)
}

// deleteKeys removes keys in batches of the DeleteObjects limit.
func (ss *S3Store) deleteKeys(ctx context.Context, keys []string) error {
	const batchSize = 1000

	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := ss.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(ss.bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("%w: delete from s3://%s: %w", transport.ErrTransfer, ss.bucket, err)
		}
		// DeleteObjects reports per-key failures in the response body
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("%w: delete s3://%s/%s: %s: %s (%d of %d keys failed)",
				transport.ErrTransfer, ss.bucket, aws.StringValue(first.Key),
				aws.StringValue(first.Code), aws.StringValue(first.Message), len(out.Errors), len(objects))
		}
	}

	return nil
}

// Location returns the bucket URL of the root
func (ss *S3Store) Location() string {
	return "s3://" + path.Join(ss.bucket, ss.prefix)
}

// Type returns the store type
func (ss *S3Store) Type() string {
	return "s3"
}

// Close is a no-op for S3
func (ss *S3Store) Close() error {
	return nil
}
