// Package s3part uploads chunks as the parts of an S3 multipart upload.
package s3part

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numRetries = 3

	// MinPartSize is the smallest part S3 accepts, except for the last part.
	MinPartSize = 5 * 1024 * 1024
)

// API is the subset of the S3 client used for multipart uploads.
type API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ API = (*s3.Client)(nil)

// Part is the response of an uploaded chunk.
type Part struct {
	Number int32  `json:"partNumber"`
	ETag   string `json:"etag"`
}

// Multipart is one S3 multipart upload. Its Request method is an upload.Requester.
type Multipart struct {
	api       API
	bucket    string
	key       string
	uploadID  string
	retryWait time.Duration
	logger    log.Logger
}

// Create starts a new multipart upload of key in bucket.
func Create(ctx context.Context, api API, bucket, key string, info payload.Info, logger log.Logger) (*Multipart, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}

	m := Resume(api, bucket, key, "", logger)

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if info.ContentType != "" {
		input.ContentType = aws.String(info.ContentType)
	}

	err := retry.Times(numRetries).Wait(m.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		output, err := api.CreateMultipartUpload(ctx, input)
		if err != nil {
			if isOffline(err) || ctx.Err() != nil {
				return fmt.Errorf("create multipart upload: %w", err), true
			}
			return fmt.Errorf("create multipart upload: %w", err), false
		}
		m.uploadID = aws.ToString(output.UploadId)
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	logger.Debugf("Multipart upload created for s3://%s/%s: %s", bucket, key, m.uploadID)
	return m, nil
}

// Resume continues an existing multipart upload, e.g. one recorded next to an upload
// snapshot.
func Resume(api API, bucket, key, uploadID string, logger log.Logger) *Multipart {
	return &Multipart{
		api:       api,
		bucket:    bucket,
		key:       key,
		uploadID:  uploadID,
		retryWait: 5 * time.Second,
		logger:    logger,
	}
}

// UploadID identifies the multipart upload.
func (m *Multipart) UploadID() string {
	return m.uploadID
}

// Request uploads the chunk as part number index+1 and returns a Part.
func (m *Multipart) Request(ctx context.Context, c *upload.Chunk, info payload.Info) (interface{}, error) {
	data, err := c.Data(ctx)
	if err != nil {
		return nil, err
	}

	number := int32(c.Index() + 1)
	output, err := m.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(m.key),
		UploadId:      aws.String(m.uploadID),
		PartNumber:    aws.Int32(number),
		ContentLength: aws.Int64(int64(len(data))),
		Body:          bytes.NewReader(data),
	})
	if err != nil {
		if isOffline(err) {
			return nil, fmt.Errorf("%w: upload part %d: %s", upload.ErrOffline, number, err)
		}
		return nil, fmt.Errorf("upload part %d: %w", number, err)
	}

	return Part{Number: number, ETag: aws.ToString(output.ETag)}, nil
}

// Complete assembles the uploaded parts into the final object and returns its ETag.
// responses are the chunk responses of a finished upload, including ones restored from a
// snapshot.
func (m *Multipart) Complete(ctx context.Context, responses []interface{}) (string, error) {
	parts, err := Parts(responses)
	if err != nil {
		return "", err
	}

	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(part.Number),
		}
	}

	var etag string
	err = retry.Times(numRetries).Wait(m.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		output, err := m.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(m.bucket),
			Key:             aws.String(m.key),
			UploadId:        aws.String(m.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
				return fmt.Errorf("complete multipart upload: %w", err), true
			}
			m.logger.Warnf("Complete multipart upload (attempt %d): %s", attempt+1, err)
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		etag = aws.ToString(output.ETag)
		return nil, true
	})
	if err != nil {
		return "", err
	}

	m.logger.Donef("Multipart upload of s3://%s/%s completed with %d part(s)", m.bucket, m.key, len(parts))
	return etag, nil
}

// Abort discards the multipart upload and its uploaded parts.
func (m *Multipart) Abort(ctx context.Context) error {
	_, err := m.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(m.bucket),
		Key:      aws.String(m.key),
		UploadId: aws.String(m.uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// Parts converts chunk responses to parts ordered by part number.
func Parts(responses []interface{}) ([]Part, error) {
	parts := make([]Part, 0, len(responses))
	for i, response := range responses {
		var part Part
		switch r := response.(type) {
		case Part:
			part = r
		case json.RawMessage:
			if err := json.Unmarshal(r, &part); err != nil {
				return nil, fmt.Errorf("decode part %d: %w", i+1, err)
			}
		case nil:
			return nil, fmt.Errorf("chunk %d has not been uploaded", i+1)
		default:
			return nil, fmt.Errorf("chunk %d: unexpected response type: %T", i+1, response)
		}
		if part.Number == 0 {
			part.Number = int32(i + 1)
		}
		parts = append(parts, part)
	}

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Number < parts[j].Number
	})
	return parts, nil
}

func isOffline(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
