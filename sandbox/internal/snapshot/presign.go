package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/schema"
)

const presignExpiry = 15 * time.Minute

// presigner generates presigned object URLs against the caller-supplied
// S3-compatible endpoint. Credentials arrive per request and never persist.
type presigner struct {
	client *s3.PresignClient
	bucket string
}

func newPresigner(ctx context.Context, r2 schema.R2Config) (*presigner, error) {
	if r2.Bucket == "" || r2.Endpoint == "" || r2.AccessKeyID == "" || r2.SecretAccessKey == "" {
		return nil, apierror.Validation(apierror.FieldError{
			Field: "r2", Message: "bucket, endpoint and credentials are required",
		})
	}
	region := r2.Region
	if region == "" {
		region = "auto"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(r2.AccessKeyID, r2.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load object store config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(r2.Endpoint)
		o.UsePathStyle = true
	})
	return &presigner{client: s3.NewPresignClient(client), bucket: r2.Bucket}, nil
}

func (p *presigner) putURL(ctx context.Context, key string) (string, error) {
	out, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return out.URL, nil
}

func (p *presigner) getURL(ctx context.Context, key string) (string, error) {
	out, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return out.URL, nil
}
