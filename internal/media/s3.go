package media

import (
	"context"
	"errors"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type HeadObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Checker confirms that a media id refers to an uploaded object.
type S3Checker struct {
	client HeadObjectAPI
	bucket string
	prefix string
}

func NewS3Checker(ctx context.Context, region, bucket, prefix string) (*S3Checker, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &S3Checker{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func NewS3CheckerWithClient(client HeadObjectAPI, bucket, prefix string) *S3Checker {
	return &S3Checker{client: client, bucket: bucket, prefix: prefix}
}

func (c *S3Checker) Exists(ctx context.Context, mediaID string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + url.PathEscape(mediaID)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, err
}
