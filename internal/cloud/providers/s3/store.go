package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/models"
)

// Store implements storage.ObjectStore on an S3 bucket.
//
// Thread-safe: All operations are safe for concurrent use.
type Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	external  *s3.PresignClient
	bucket    string
	expiry    time.Duration
	logger    *logging.Logger
}

var _ storage.ObjectStore = (*Store)(nil)

// =============================================================================
// Multipart operations
// =============================================================================

// InitiateMultipart starts a multipart upload for key.
func (s *Store) InitiateMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to initiate multipart upload for %s: %w", key, translate(err))
	}
	return aws.ToString(out.UploadId), nil
}

// PresignUploadPart signs a PUT of one part.
func (s *Store) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, length int64) (string, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		ContentLength: aws.Int64(length),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign part %d of %s: %w", partNumber, key, err)
	}
	return req.URL, nil
}

// ListParts returns every part the bucket holds for a session.
func (s *Store) ListParts(ctx context.Context, key, uploadID string) (map[int]storage.StoredPart, error) {
	parts := make(map[int]storage.StoredPart)
	paginator := s3.NewListPartsPaginator(s.client, &s3.ListPartsInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list parts of %s: %w", key, translate(err))
		}
		for _, p := range page.Parts {
			n := int(aws.ToInt32(p.PartNumber))
			parts[n] = storage.StoredPart{
				PartNumber: n,
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			}
		}
	}
	return parts, nil
}

// CompleteMultipart assembles the object. Parts must be sorted by part number.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []models.PartCompletion) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, translate(err))
	}
	return nil
}

// AbortMultipart discards a session. A session that no longer exists is ignored.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if err = translate(err); errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to abort multipart upload for %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// Object operations
// =============================================================================

// PresignGet signs a ranged GET. A non-positive length reads to the end.
func (s *Store) PresignGet(ctx context.Context, key string, offset, length int64, external bool) (string, error) {
	presigner := s.presigner
	if external {
		presigner = s.external
	}
	rng := fmt.Sprintf("bytes=%d-", offset)
	if length > 0 {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign download of %s: %w", key, err)
	}
	return req.URL, nil
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err = translate(err); errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

// GetObject reads a small object fully.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, translate(err))
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// PutObject writes a small object.
func (s *Store) PutObject(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, translate(err))
	}
	return nil
}

// DeleteObject removes key; a missing key is not an error.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, translate(err))
	}
	return nil
}

// translate maps S3 "not found" error codes to storage.ErrNotFound.
func translate(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchUpload", "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", storage.ErrNotFound, apiErr.ErrorMessage())
		}
	}
	return err
}
