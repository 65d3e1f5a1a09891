package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ObjectPutter is the part of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig addresses an S3-compatible bucket.
type ArchiveConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds a path-style client so MinIO and similar endpoints work.
func NewS3Client(cfg ArchiveConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: true,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		))
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Archiver uploads JSON exports of the trail.
type Archiver struct {
	rec    *Recorder
	client ObjectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewArchiver returns an Archiver writing to bucket under prefix.
func NewArchiver(rec *Recorder, client ObjectPutter, bucket, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{rec: rec, client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Archive uploads entries in [start, end) and returns the object key and
// the number of entries uploaded.
func (a *Archiver) Archive(ctx context.Context, start, end time.Time) (string, int, error) {
	if a.bucket == "" {
		return "", 0, &Error{Kind: KindArchiveFailed, Op: "archive", Err: fmt.Errorf("no bucket configured")}
	}
	var buf bytes.Buffer
	n, err := a.rec.Export(ctx, &buf, FormatJSON, Filter{Start: start, End: end})
	if err != nil {
		return "", 0, &Error{Kind: KindArchiveFailed, Op: "archive", Err: err}
	}

	key := path.Join(a.prefix, fmt.Sprintf("audit-%s-%s.json",
		start.UTC().Format("20060102T150405Z"), end.UTC().Format("20060102T150405Z")))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return "", 0, &Error{Kind: KindArchiveFailed, Op: "archive", Err: err}
	}

	a.logger.Info("audit archive uploaded",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("entries", n),
	)
	return key, n, nil
}
