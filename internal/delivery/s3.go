package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Provider uploads to Amazon S3 or an S3-compatible endpoint.
type S3Provider struct {
	Bucket   string
	Region   string
	Endpoint string
	keyID    string
	key      string
}

func (s *S3Provider) Name() string { return "s3" }

func (s *S3Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	if s.Bucket == "" {
		return errors.New("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	if s.keyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.keyID, s.key, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		}
	})

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	uploader := manager.NewUploader(client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(remotePath),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		return fmt.Errorf("s3 upload s3://%s/%s: %w", s.Bucket, remotePath, err)
	}
	return nil
}
