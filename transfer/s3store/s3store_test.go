// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package s3store

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/mediavault/config"
	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records multipart calls; presigning goes to a real client,
// which signs requests without contacting the service.
type fakeS3 struct {
	s3iface.S3API

	created   []*s3.CreateMultipartUploadInput
	completed []*s3.CompleteMultipartUploadInput
	aborted   []*s3.AbortMultipartUploadInput
	err       error
}

func (f *fakeS3) CreateMultipartUploadWithContext(ctx aws.Context, in *s3.CreateMultipartUploadInput, _ ...request.Option) (*s3.CreateMultipartUploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, in)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1"), Key: in.Key}, nil
}

func (f *fakeS3) CompleteMultipartUploadWithContext(ctx aws.Context, in *s3.CompleteMultipartUploadInput, _ ...request.Option) (*s3.CompleteMultipartUploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.completed = append(f.completed, in)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUploadWithContext(ctx aws.Context, in *s3.AbortMultipartUploadInput, _ ...request.Option) (*s3.AbortMultipartUploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.aborted = append(f.aborted, in)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newFake(t *testing.T) *fakeS3 {
	sess, err := awssession.NewSession(aws.NewConfig().
		WithRegion("us-west-2").
		WithEndpoint("http://localhost:9000").
		WithS3ForcePathStyle(true).
		WithCredentials(credentials.NewStaticCredentials("AKID", "SECRET", "")))
	require.NoError(t, err)
	return &fakeS3{S3API: s3.New(sess)}
}

func TestMultipart(t *testing.T) {
	fake := newFake(t)
	store := New(fake, "family-vault", "content", 15*time.Minute)
	ctx := context.Background()

	u, err := store.InitMultipartUpload(ctx, "application/octet-stream", map[string]string{"encrypted": "true"})
	require.NoError(t, err)
	assert.Equal(t, "upload-1", u.ID)
	assert.True(t, strings.HasPrefix(u.Key, "content/"), u.Key)
	require.Len(t, fake.created, 1)
	assert.Equal(t, "true", aws.StringValue(fake.created[0].Metadata["encrypted"]))

	u2, err := store.InitMultipartUpload(ctx, "image/jpeg", nil)
	require.NoError(t, err)
	assert.NotEqual(t, u.Key, u2.Key)

	require.NoError(t, store.CompleteMultipartUpload(ctx, u, []transfer.CompletedPart{
		{PartNumber: 2, ETag: `"b"`},
		{PartNumber: 1, ETag: `"a"`},
	}))
	require.Len(t, fake.completed, 1)
	parts := fake.completed[0].MultipartUpload.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, int64(1), aws.Int64Value(parts[0].PartNumber))
	assert.Equal(t, `"a"`, aws.StringValue(parts[0].ETag))

	require.NoError(t, store.AbortMultipartUpload(ctx, u2))
	require.Len(t, fake.aborted, 1)
	assert.Equal(t, u2.ID, aws.StringValue(fake.aborted[0].UploadId))
}

func TestPresign(t *testing.T) {
	store := New(newFake(t), "family-vault", "", time.Hour)
	ctx := context.Background()
	u := transfer.Upload{ID: "upload-1", Key: "k1"}

	raw, err := store.PresignPartUpload(ctx, u, 3)
	require.NoError(t, err)
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/family-vault/k1", parsed.Path)
	assert.Equal(t, "3", parsed.Query().Get("partNumber"))
	assert.Equal(t, "upload-1", parsed.Query().Get("uploadId"))
	assert.Equal(t, "3600", parsed.Query().Get("X-Amz-Expires"))

	raw, err = store.PresignGet(ctx, "k1")
	require.NoError(t, err)
	parsed, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/family-vault/k1", parsed.Path)
	assert.NotEmpty(t, parsed.Query().Get("X-Amz-Signature"))
}

func TestAnnotate(t *testing.T) {
	fake := newFake(t)
	store := New(fake, "b", "", time.Hour)
	ctx := context.Background()

	fake.err = awserr.New("SlowDown", "reduce your request rate", nil)
	_, err := store.InitMultipartUpload(ctx, "", nil)
	assert.True(t, errors.Is(errors.Transfer, err), "%v", err)
	assert.True(t, errors.IsTemporary(err))

	fake.err = awserr.New("AccessDenied", "access denied", nil)
	err = store.CompleteMultipartUpload(ctx, transfer.Upload{ID: "u", Key: "k"}, nil)
	assert.True(t, errors.Is(errors.Transfer, err), "%v", err)
	assert.Equal(t, errors.Fatal, errors.Recover(err).Severity)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	fake.err = awserr.New(request.CanceledErrorCode, "canceled", nil)
	err = store.AbortMultipartUpload(canceled, transfer.Upload{ID: "u", Key: "k"})
	assert.True(t, errors.Is(errors.Canceled, err), "%v", err)
}

func TestNewFromConfig(t *testing.T) {
	_, err := NewFromConfig(config.S3{}, time.Hour)
	assert.True(t, errors.Is(errors.Invalid, err))

	store, err := NewFromConfig(config.S3{Bucket: "b", Region: "us-east-1", Prefix: "p"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "s3://b/p/x", store.url("p/x"))
}
