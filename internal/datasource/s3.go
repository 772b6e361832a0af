package datasource

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client a sync needs.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Source struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Source reads S3_BUCKET and S3_PREFIX; credentials come from the
// default AWS chain.
func NewS3Source(ctx context.Context) (Source, error) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET required when enabling s3 data source")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &s3Source{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: os.Getenv("S3_PREFIX"),
	}, nil
}

func (s *s3Source) Name() string {
	return "s3"
}

func (s *s3Source) Sync(ctx context.Context, dest *Destination) (Report, error) {
	var report Report
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return report, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := relativeTo(s.prefix, key)
			if rel == "" {
				continue
			}
			size := aws.ToInt64(obj.Size)
			modTime := aws.ToTime(obj.LastModified)
			if dest.Fresh(rel, size, modTime) {
				report.Skipped++
				continue
			}
			n, err := dest.Write(rel, modTime, func(w io.Writer) error {
				out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    aws.String(key),
				})
				if err != nil {
					return fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
				}
				defer out.Body.Close()
				_, err = io.Copy(w, out.Body)
				return err
			})
			if err != nil {
				return report, err
			}
			report.Files++
			report.Bytes += n
		}
	}
	return report, nil
}
