// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// S3Config configures the AWS-backed object store client.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	KMSKeyARN       string

	// BucketOverride, when set, replaces Bucket on every request made by
	// this client (supplemented feature: the original's `_bucket_override`
	// lets an archiver address a bucket distinct from the cluster default,
	// e.g. for a read-replica pointed at a donor cluster's tier).
	BucketOverride string
}

type awsS3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type s3Client struct {
	bucket string
	api    awsS3API
	kmsKey string
}

// NewS3Client returns an AWS-backed object store Client.
func NewS3Client(ctx context.Context, cfg S3Config) (Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objstore: s3 bucket required")
	}
	if cfg.Region == "" {
		return nil, errors.New("objstore: s3 region required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if cfg.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:           cfg.Endpoint,
					PartitionID:   "aws",
					SigningRegion: cfg.Region,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, config.WithEndpointResolverWithOptions(customResolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
	})

	bucket := cfg.Bucket
	if cfg.BucketOverride != "" {
		bucket = cfg.BucketOverride
	}
	return newS3ClientWithAPI(bucket, cfg.KMSKeyARN, client), nil
}

func newS3ClientWithAPI(bucket, kmsKey string, api awsS3API) Client {
	return &s3Client{bucket: bucket, api: api, kmsKey: kmsKey}
}

func (c *s3Client) Put(ctx context.Context, key string, payload []byte, tags Tags) PutResult {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	}
	if c.kmsKey != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(c.kmsKey)
	}
	if len(tags) > 0 {
		input.Tagging = aws.String(encodeTagging(tags))
	}

	_, err := c.api.PutObject(ctx, input)
	if err == nil {
		return PutResult{Outcome: PutSuccess}
	}
	switch classifyObjectError(err) {
	case classTimeout:
		return PutResult{Outcome: PutTimedOut, Err: err}
	case classPrecondition:
		return PutResult{Outcome: PutPreconditionFailed, Err: err}
	default:
		return PutResult{Outcome: PutTransportError, Err: err}
	}
}

func (c *s3Client) Get(ctx context.Context, key string) GetResult {
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		switch classifyObjectError(err) {
		case classNotFound:
			return GetResult{Outcome: GetNotFound, Err: err}
		case classTimeout:
			return GetResult{Outcome: GetTimedOut, Err: err}
		default:
			return GetResult{Outcome: GetTransportError, Err: err}
		}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return GetResult{Outcome: GetTransportError, Err: fmt.Errorf("objstore: read body %s: %w", key, err)}
	}
	return GetResult{Outcome: GetFound, Bytes: data}
}

func (c *s3Client) Delete(ctx context.Context, key string) DeleteResult {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return DeleteResult{Outcome: DeleteSuccess}
	}
	switch classifyObjectError(err) {
	case classNotFound:
		return DeleteResult{Outcome: DeleteNotFound, Err: err}
	case classTimeout:
		return DeleteResult{Outcome: DeleteTimedOut, Err: err}
	default:
		return DeleteResult{Outcome: DeleteTransportError, Err: err}
	}
}

type errClass int

const (
	classOther errClass = iota
	classNotFound
	classPrecondition
	classTimeout
)

func classifyObjectError(err error) errClass {
	if err == nil {
		return classOther
	}
	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return classNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return classNotFound
		case "PreconditionFailed", "AccessDenied", "ConditionalRequestConflict":
			return classPrecondition
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classTimeout
	}
	return classOther
}

func encodeTagging(tags Tags) string {
	var b bytes.Buffer
	first := true
	for k, v := range tags {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}
