// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package s3store implements transfer.ObjectStore on Amazon S3 (or an
// S3-compatible service). Parts and objects are transferred through
// presigned URLs; the store itself only manages multipart uploads.
package s3store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"github.com/grailbio/mediavault/config"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/transfer"
)

// Store is an S3 object store rooted at a bucket and key prefix.
type Store struct {
	client s3iface.S3API
	bucket string
	prefix string
	ttl    time.Duration
}

var _ transfer.ObjectStore = (*Store)(nil)

// New returns a store using client. Presigned URLs are valid for ttl.
func New(client s3iface.S3API, bucket, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix, ttl: ttl}
}

// NewFromConfig returns a store for the S3 configuration cfg, with
// credentials taken from the environment.
func NewFromConfig(cfg config.S3, ttl time.Duration) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.E(errors.Invalid, "s3store: no bucket configured")
	}
	awsConfig := aws.NewConfig().WithRegion(cfg.Region).WithS3ForcePathStyle(cfg.PathStyle)
	if cfg.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(cfg.Endpoint)
	}
	sess, err := awssession.NewSession(awsConfig)
	if err != nil {
		return nil, errors.E("s3store: new session", err)
	}
	return New(s3.New(sess), cfg.Bucket, cfg.Prefix, ttl), nil
}

func (s *Store) newKey() string {
	return path.Join(s.prefix, uuid.NewString())
}

// InitMultipartUpload implements transfer.ObjectStore. Each upload is
// stored under a fresh random key.
func (s *Store) InitMultipartUpload(ctx context.Context, contentType string, metadata map[string]string) (transfer.Upload, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.newKey()),
		ContentType: aws.String(contentType),
	}
	if len(metadata) > 0 {
		input.Metadata = aws.StringMap(metadata)
	}
	out, err := s.client.CreateMultipartUploadWithContext(ctx, input)
	if err != nil {
		return transfer.Upload{}, annotate(ctx, err, "s3store: create multipart upload", s.url(*input.Key))
	}
	return transfer.Upload{ID: aws.StringValue(out.UploadId), Key: aws.StringValue(input.Key)}, nil
}

// PresignPartUpload implements transfer.ObjectStore.
func (s *Store) PresignPartUpload(ctx context.Context, u transfer.Upload, partNumber int) (string, error) {
	req, _ := s.client.UploadPartRequest(&s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(u.Key),
		UploadId:   aws.String(u.ID),
		PartNumber: aws.Int64(int64(partNumber)),
	})
	req.SetContext(ctx)
	url, err := req.Presign(s.ttl)
	if err != nil {
		return "", annotate(ctx, err, fmt.Sprintf("s3store: presign part %d", partNumber), s.url(u.Key))
	}
	return url, nil
}

// CompleteMultipartUpload implements transfer.ObjectStore.
func (s *Store) CompleteMultipartUpload(ctx context.Context, u transfer.Upload, parts []transfer.CompletedPart) error {
	completed := make([]*s3.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = &s3.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int64(int64(p.PartNumber)),
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return *completed[i].PartNumber < *completed[j].PartNumber
	})
	_, err := s.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(u.Key),
		UploadId:        aws.String(u.ID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return annotate(ctx, err, "s3store: complete multipart upload", s.url(u.Key))
	}
	return nil
}

// AbortMultipartUpload implements transfer.ObjectStore.
func (s *Store) AbortMultipartUpload(ctx context.Context, u transfer.Upload) error {
	_, err := s.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(u.Key),
		UploadId: aws.String(u.ID),
	})
	if err != nil {
		return annotate(ctx, err, "s3store: abort multipart upload", s.url(u.Key))
	}
	return nil
}

// PresignGet implements transfer.ObjectStore.
func (s *Store) PresignGet(ctx context.Context, key string) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)
	url, err := req.Presign(s.ttl)
	if err != nil {
		return "", annotate(ctx, err, "s3store: presign get", s.url(key))
	}
	return url, nil
}

func (s *Store) url(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// annotate interprets err as an AWS request error and returns it as a
// Transfer error with a severity that tells whether retrying may help.
// Errors caused by ctx being done keep their context kind.
func annotate(ctx context.Context, err error, args ...interface{}) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.E(append(args, ctxErr)...)
	}
	return errors.E(append(args, errors.Transfer, severity(err), err)...)
}

func severity(err error) errors.Severity {
	if request.IsErrorThrottle(err) || request.IsErrorRetryable(err) {
		return errors.Temporary
	}
	aerr, ok := err.(awserr.Error)
	if !ok {
		return errors.Unknown
	}
	switch aerr.Code() {
	case "SlowDown", "ServiceUnavailable", "InternalError", "XAmzContentSHA256Mismatch",
		request.ErrCodeRequestError, request.ErrCodeSerialization:
		return errors.Temporary
	case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchUpload, "AccessDenied", "InvalidRequest", "InvalidArgument",
		"InvalidPart", "InvalidPartOrder", "EntityTooSmall", "EntityTooLarge", "KeyTooLong", "ExpiredToken":
		return errors.Fatal
	}
	return errors.Unknown
}
