// Package multipart partitions objects into contiguous parts.
//
// The same partition is derived independently by the client and the server,
// so Plan must stay a pure function of its inputs.
package multipart

import (
	"fmt"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
)

// Plan splits an object of totalSize bytes into parts of partSize bytes.
//
// Every part except possibly the last has length partSize; the last part's
// length is in (0, partSize]. A zero-length object yields a single
// zero-length sentinel part so downstream code stays part-oriented.
// Part numbers start at 1.
func Plan(totalSize, partSize int64) ([]models.Part, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("%w: total size %d is negative", storage.ErrInvalidArgument, totalSize)
	}
	if partSize <= 0 {
		return nil, fmt.Errorf("%w: part size %d must be positive", storage.ErrInvalidArgument, partSize)
	}

	if totalSize == 0 {
		return []models.Part{{PartNumber: 1, Offset: 0, PartSize: 0}}, nil
	}

	count := NumParts(totalSize, partSize)
	parts := make([]models.Part, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * partSize
		length := partSize
		if remaining := totalSize - offset; remaining < length {
			length = remaining
		}
		parts = append(parts, models.Part{
			PartNumber: int(i) + 1,
			Offset:     offset,
			PartSize:   length,
		})
	}
	return parts, nil
}

// NumParts returns ceil(totalSize/partSize), or 1 for an empty object.
func NumParts(totalSize, partSize int64) int64 {
	if totalSize <= 0 {
		return 1
	}
	return (totalSize + partSize - 1) / partSize
}

// PlanRange partitions the byte range [offset, offset+length) of an object
// with the same part size. Offsets in the result are absolute.
func PlanRange(offset, length, partSize int64) ([]models.Part, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset %d is negative", storage.ErrInvalidArgument, offset)
	}
	parts, err := Plan(length, partSize)
	if err != nil {
		return nil, err
	}
	for i := range parts {
		parts[i].Offset += offset
	}
	return parts, nil
}

// Validate checks that parts tile [base, base+size) exactly: sorted by part
// number starting at 1, contiguous and non-overlapping.
func Validate(parts []models.Part, base, size int64) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: specification has no parts", storage.ErrInvalidArgument)
	}
	next := base
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return fmt.Errorf("%w: part %d out of order at index %d", storage.ErrInvalidArgument, p.PartNumber, i)
		}
		if p.Offset != next {
			return fmt.Errorf("%w: part %d starts at %d, expected %d", storage.ErrInvalidArgument, p.PartNumber, p.Offset, next)
		}
		if p.PartSize < 0 || (p.PartSize == 0 && len(parts) > 1) {
			return fmt.Errorf("%w: part %d has invalid length %d", storage.ErrInvalidArgument, p.PartNumber, p.PartSize)
		}
		next = p.End()
	}
	if next != base+size {
		return fmt.Errorf("%w: parts cover %d bytes, object has %d", storage.ErrInvalidArgument, next-base, size)
	}
	return nil
}
