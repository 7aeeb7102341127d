// Package archive keeps the raw bytes of every accepted upload in S3 so a
// failed event can be inspected or replayed.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned by Get for an unknown checksum.
var ErrNotFound = errors.New("archive: object not found")

// S3API is the subset of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures the archive bucket.
type Options struct {
	Bucket  string
	Region  string
	Profile string
	Prefix  string
}

// S3Archive stores uploads content-addressed by checksum. Identical files
// share one object.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archive loads the default AWS credential chain.
func NewS3Archive(ctx context.Context, opts Options) (*S3Archive, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.Profile != "" {
		loaders = append(loaders, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for archive: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), opts.Bucket, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client S3API, bucket, prefix string) *S3Archive {
	if prefix == "" {
		prefix = "uploads"
	}
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a checksum.
func (a *S3Archive) Key(checksum string) string {
	return path.Join(a.prefix, checksum+".csv")
}

// Put stores data and returns its key.
func (a *S3Archive) Put(ctx context.Context, checksum, fileName string, data []byte) (string, error) {
	if checksum == "" {
		return "", errors.New("archive: checksum is required")
	}
	key := a.Key(checksum)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv"),
		Metadata:    map[string]string{"file-name": fileName},
	})
	if err != nil {
		return "", fmt.Errorf("putting object to S3: %w", err)
	}
	return key, nil
}

// Get reads an archived upload back.
func (a *S3Archive) Get(ctx context.Context, checksum string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.Key(checksum)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return data, nil
}
