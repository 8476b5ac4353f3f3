package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Options configures an S3Store.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string // Custom S3-compatible endpoint; enables path-style addressing
	PartSize int64  // Multipart part size in bytes (0 uses the SDK default)

	// Static credentials. When unset the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// s3API is the subset of the S3 client used directly by S3Store.
type s3API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store implements Store on Amazon S3 or an S3-compatible service.
type S3Store struct {
	bucket     string
	client     s3API
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Store creates an S3 store.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
		u.LeavePartsOnError = false
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		if opts.PartSize > 0 {
			d.PartSize = opts.PartSize
		}
	})

	return &S3Store{
		bucket:     opts.Bucket,
		client:     client,
		uploader:   uploader,
		downloader: downloader,
	}, nil
}

// List returns the keys directly under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = NormalizePrefix(prefix)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		keys = appendObjectKeys(keys, page.Contents)
	}
	return keys, nil
}

func appendObjectKeys(keys []string, objects []types.Object) []string {
	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Download fetches the object at key into dir.
func (s *S3Store) Download(ctx context.Context, key, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	dst := filepath.Join(dir, baseName(key))
	tmp := dst + ".partial"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}
	n, err := s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return "", fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, err)
	}

	log.Debug().Str("key", key).Int64("bytes", n).Msg("Downloaded object")
	return dst, nil
}

// UploadDir uploads every regular file under dir below prefix.
func (s *S3Store) UploadDir(ctx context.Context, dir, prefix string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := JoinKey(prefix, filepath.ToSlash(rel))

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("upload %s to s3://%s/%s: %w", dir, s.bucket, prefix, err)
	}
	return count, nil
}

// PutEmpty writes a zero-byte object at key.
func (s *S3Store) PutEmpty(ctx context.Context, key string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
