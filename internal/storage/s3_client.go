package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appConfig "github.com/mansoorceksport/stapler/internal/config"
)

// S3Client is an aws-sdk-go-v2 S3 client that also knows how to build public
// object URLs for its endpoint.
type S3Client struct {
	*s3.Client
	endpoint  string
	region    string
	pathStyle bool
	publicURL string
}

// NewS3Client creates the S3 client used by every S3-backed attachment.
func NewS3Client(ctx context.Context, cfg appConfig.S3Config) (*S3Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	// S3-compatible stores (SeaweedFS, MinIO) take static keys; AWS falls back
	// to the default credential chain.
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Client{
		Client:    client,
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		region:    cfg.Region,
		pathStyle: cfg.UsePathStyle,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// ObjectURL returns the public URL of key in bucket.
func (c *S3Client) ObjectURL(bucket, key string) string {
	return objectURL(c.publicURL, c.endpoint, c.region, c.pathStyle, bucket, key)
}

func objectURL(publicURL, endpoint, region string, pathStyle bool, bucket, key string) string {
	escaped := escapeKey(key)

	switch {
	case publicURL != "":
		return publicURL + "/" + escaped
	case endpoint != "":
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			return endpoint + "/" + bucket + "/" + escaped
		}
		if pathStyle {
			return fmt.Sprintf("%s://%s/%s/%s", u.Scheme, u.Host, bucket, escaped)
		}
		return fmt.Sprintf("%s://%s.%s/%s", u.Scheme, bucket, u.Host, escaped)
	case region == "" || region == "us-east-1":
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escaped)
}

func escapeKey(key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
