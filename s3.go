package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3DestinationFactory struct {
	Config S3Config
}

func (f *S3DestinationFactory) Accept(u *url.URL) bool { return u.Scheme == "s3" }

// Create ignores the password: S3 credentials come from destination.s3.
func (f *S3DestinationFactory) Create(_ context.Context, u *url.URL, _ []byte) (Destination, error) {
	if f.Config.AccessKey == "" || f.Config.SecretKey == "" {
		return nil, fmt.Errorf("destination.s3.access_key and destination.s3.secret_key are required for s3 destinations")
	}
	return NewS3Destination(f.Config, u.Host, strings.Trim(u.Path, "/")), nil
}

func (f *S3DestinationFactory) Name() string { return "s3" }

// S3Destination stores archives as objects under a key prefix.
type S3Destination struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Destination(cfg S3Config, bucket, prefix string) *S3Destination {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if endpoint := cfg.Endpoint; endpoint != "" {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}
	if prefix != "" {
		prefix += "/"
	}
	return &S3Destination{client: s3.New(opts), bucket: bucket, prefix: prefix}
}

// List returns object names directly under the prefix.
func (s *S3Destination) List(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &s.prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *S3Destination) Upload(ctx context.Context, name string, r io.Reader) error {
	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func (s *S3Destination) Close() error { return nil }
