package connectors

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/corpusforge/corpusforge/internal/config"
)

// ObjectUploader is the destination side of a mirror: the working object
// store documents are copied into.
type ObjectUploader interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64) error
}

// S3Connector mirrors source documents from an S3-compatible bucket into the
// working object store so intake only ever reads from one place.
type S3Connector struct {
	client *s3.Client
	bucket string
}

// NewS3Connector creates a new S3 connector. Works with both AWS S3 and
// S3-compatible endpoints (MinIO, LocalStack).
func NewS3Connector(cfg appconfig.S3Config) (*S3Connector, error) {
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	return &S3Connector{client: client, bucket: cfg.Bucket}, nil
}

// Mirror copies every object under the prefix into dst, preserving keys.
// Returns the number of objects copied.
func (c *S3Connector) Mirror(ctx context.Context, prefix string, dst ObjectUploader) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: &prefix,
	})

	copied := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return copied, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			key := *obj.Key

			// Skip "directory" markers
			if key[len(key)-1] == '/' {
				continue
			}

			if err := c.copyObject(ctx, key, obj.Size, dst); err != nil {
				return copied, fmt.Errorf("copy %s: %w", key, err)
			}
			copied++
		}
	}

	return copied, nil
}

func (c *S3Connector) copyObject(ctx context.Context, key string, size *int64, dst ObjectUploader) error {
	resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	objSize := int64(-1)
	if size != nil {
		objSize = *size
	}
	return dst.UploadFile(ctx, key, resp.Body, objSize)
}
