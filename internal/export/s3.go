package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// s3Uploader is the slice of the S3 upload manager the store needs.
type s3Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// S3Store writes export objects to an S3 bucket.
type S3Store struct {
	uploader s3Uploader
	bucket   string
}

// NewS3Store creates an S3-backed blob store using the default credential
// chain for the given region.
func NewS3Store(bucket, region string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	awsConfig := &aws.Config{}
	if region != "" {
		awsConfig.Region = aws.String(region)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3Store{
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}, nil
}

// PutObject uploads data to the configured bucket and returns an s3:// URI.
func (s *S3Store) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
		Body:   data,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, path), nil
}

var (
	_ BlobStore = (*S3Store)(nil)
	_ BlobStore = (*GCSStore)(nil)
	_ BlobStore = (*LocalStore)(nil)
	_ BlobStore = NoopStore{}
)
