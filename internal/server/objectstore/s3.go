// Package objectstore wraps the S3 API used by the ingestion paths: plain
// puts and deletes for server-side uploads, and presigned single-shot and
// multipart operations for browser-driven transfers.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dmitrijs2005/mediaingest/internal/common"
)

// MaxPartNumber is the highest part number S3 accepts in a multipart upload.
const MaxPartNumber = 10000

// Options configures an S3Store.
type Options struct {
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	Bucket        string
	UsePathStyle  bool
	PresignExpiry time.Duration
}

// Part identifies an uploaded part of a multipart upload.
type Part struct {
	Number int32  `json:"partNumber"`
	ETag   string `json:"etag"`
}

// PresignedRequest is a time-limited authorization to perform one request
// directly against the object store.
type PresignedRequest struct {
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Headers   http.Header `json:"headers,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type presignAPI interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Seams for tests.
var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = s3.NewFromConfig
	newS3PresignClient    = func(c *s3.Client) presignAPI { return s3.NewPresignClient(c) }
	now                   = time.Now
)

// S3Store is an S3 (or S3-compatible, e.g. MinIO) backed object store.
type S3Store struct {
	bucket  string
	expiry  time.Duration
	client  s3API
	presign presignAPI
}

// New builds an S3Store with static credentials against the configured endpoint.
func New(ctx context.Context, o Options) (*S3Store, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(o.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
		so.UsePathStyle = o.UsePathStyle
		// S3-compatible stores reject the default trailing checksums on presigned parts
		so.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	expiry := o.PresignExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	return &S3Store{
		bucket:  o.Bucket,
		expiry:  expiry,
		client:  client,
		presign: newS3PresignClient(client),
	}, nil
}

// Bucket returns the bucket all keys live in.
func (s *S3Store) Bucket() string { return s.bucket }

// Put uploads body under key. Size may be negative when unknown.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return storageErr("put object", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key succeeds.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storageErr("delete object", key, err)
	}
	return nil
}

// PresignPut authorizes a single-shot PUT of key.
func (s *S3Store) PresignPut(ctx context.Context, key, contentType string) (*PresignedRequest, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	req, err := s.presign.PresignPutObject(ctx, in, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return nil, storageErr("presign put", key, err)
	}
	return s.presigned(req), nil
}

// CreateMultipart starts a multipart upload and returns its upload id.
func (s *S3Store) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := s.client.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", storageErr("create multipart", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// PresignPart authorizes the upload of exactly one part.
func (s *S3Store) PresignPart(ctx context.Context, key, uploadID string, partNumber int32) (*PresignedRequest, error) {
	req, err := s.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return nil, storageErr("presign part", key, err)
	}
	return s.presigned(req), nil
}

// CompleteMultipart assembles the object from parts, which must already be
// validated and sorted by part number. It returns the object location.
func (s *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.Number),
			ETag:       aws.String(p.ETag),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", storageErr("complete multipart", key, err)
	}
	if loc := aws.ToString(out.Location); loc != "" {
		return loc, nil
	}
	return key, nil
}

// AbortMultipart releases an incomplete multipart upload. Aborting an
// upload that no longer exists succeeds.
func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !IsNoSuchUpload(err) {
		return storageErr("abort multipart", key, err)
	}
	return nil
}

// IsNoSuchUpload reports whether err says the multipart upload is unknown.
func IsNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}

func (s *S3Store) presigned(req *v4.PresignedHTTPRequest) *PresignedRequest {
	return &PresignedRequest{
		URL:       req.URL,
		Method:    req.Method,
		Headers:   req.SignedHeader,
		ExpiresAt: now().Add(s.expiry),
	}
}

func storageErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", common.ErrStorage, op, key, err)
}

// Key builds a deterministic object key from path segments, dropping empty
// ones and slashes inside segments.
func Key(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(strings.ReplaceAll(s, "/", "_"), " ")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}
