package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxPresignLifetime is the longest lifetime S3 accepts for a SigV4
// presigned URL.
const maxPresignLifetime = 7 * 24 * time.Hour

// Publisher makes a signed proposal retrievable out of band until it
// expires and returns the pickup URL.
type Publisher interface {
	Publish(ctx context.Context, proposalID string, signed []byte, expiresAt time.Time) (string, error)
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type getPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Publisher stores signed proposals in a bucket and hands out presigned
// GET URLs for them.
type S3Publisher struct {
	client     objectPutter
	presigner  getPresigner
	bucketName string
	now        func() time.Time
}

func NewS3Publisher(client *s3.Client, bucketName string) *S3Publisher {
	return &S3Publisher{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucketName: bucketName,
		now:        time.Now,
	}
}

// S3Settings is the subset of configuration needed to reach the bucket.
type S3Settings struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds a client from static credentials when they are given
// and from the default AWS chain otherwise. A custom endpoint (MinIO and
// friends) switches to path-style addressing.
func NewS3Client(ctx context.Context, st S3Settings) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(st.Region)}
	if st.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(st.AccessKeyID, st.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if st.Endpoint != "" {
			o.BaseEndpoint = aws.String(st.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func objectKey(proposalID string) string {
	return "proposals/" + proposalID + ".json"
}

func (p *S3Publisher) Publish(ctx context.Context, proposalID string, signed []byte, expiresAt time.Time) (string, error) {
	if proposalID == "" {
		return "", fmt.Errorf("proposal id must not be empty")
	}
	lifetime := expiresAt.Sub(p.now())
	if lifetime <= 0 {
		return "", fmt.Errorf("proposal %s already expired", proposalID)
	}
	if lifetime > maxPresignLifetime {
		lifetime = maxPresignLifetime
	}

	key := objectKey(proposalID)
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(signed),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(lifetime))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
