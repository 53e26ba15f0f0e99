package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edvin/wgfleet/internal/faults"
)

// S3Options configure the offsite bucket. Endpoint is optional and
// supports S3-compatible stores (MinIO, Ceph RGW).
type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// S3Uploader pushes bundles to an S3-compatible bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Uploader(opts S3Options) *S3Uploader {
	s3opts := s3.Options{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
	}
	if opts.Endpoint != "" {
		s3opts.BaseEndpoint = aws.String(opts.Endpoint)
		s3opts.UsePathStyle = true
	}
	return &S3Uploader{
		client: s3.New(s3opts),
		bucket: opts.Bucket,
		prefix: opts.Prefix,
	}
}

// Upload puts one local bundle under <prefix>/<basename>.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &faults.IOError{Op: "open bundle", Path: localPath, Err: err}
	}
	defer f.Close()

	key := filepath.Base(localPath)
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return &faults.NetworkError{Op: "s3 put",
			Host: fmt.Sprintf("%s/%s", u.bucket, key), Err: err}
	}
	return nil
}
