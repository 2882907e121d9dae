package models

import "time"

// ObjectSpecification describes an object as a sequence of presigned parts.
// It is issued by the server on initiate or download request and is treated
// as read-only by the client; presigned URLs expire, so a fresh request
// yields a fresh specification.
type ObjectSpecification struct {
	ObjectID   string `json:"objectId"`
	ObjectKey  string `json:"objectKey,omitempty"`
	UploadID   string `json:"uploadId,omitempty"`
	Parts      []Part `json:"parts"`
	ObjectSize int64  `json:"objectSize"`
	ObjectMD5  string `json:"objectMd5,omitempty"`
	// Relative is set on specifications covering a byte range rather than the whole object.
	Relative bool `json:"relative,omitempty"`
}

// Part is a contiguous byte range of an object with its presigned URL.
type Part struct {
	PartNumber int    `json:"partNumber"`
	Offset     int64  `json:"offset"`
	PartSize   int64  `json:"partSize"`
	URL        string `json:"url,omitempty"`
	// MD5 is the checksum recorded for a completed part. Empty until completed.
	MD5 string `json:"md5,omitempty"`
	// SourceMD5 is the checksum the transferred bytes are expected to have, when known.
	SourceMD5 string `json:"sourceMd5,omitempty"`
}

// IsCompleted reports whether the server has recorded a completion for the part.
func (p Part) IsCompleted() bool {
	return p.MD5 != ""
}

// End returns the exclusive end offset of the part.
func (p Part) End() int64 {
	return p.Offset + p.PartSize
}

// PartCompletion is the client's report of a successfully transferred part.
type PartCompletion struct {
	PartNumber int    `json:"partNumber"`
	MD5        string `json:"md5"`
	ETag       string `json:"etag"`
}

// UploadState is the server-side record of one multipart session.
type UploadState struct {
	ObjectID       string                 `json:"objectId"`
	ObjectKey      string                 `json:"objectKey"`
	UploadID       string                 `json:"uploadId"`
	FileSize       int64                  `json:"fileSize"`
	PartSize       int64                  `json:"partSize"`
	Overwrite      bool                   `json:"overwrite"`
	ObjectMD5      string                 `json:"objectMd5,omitempty"`
	CompletedParts map[int]PartCompletion `json:"completedParts"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// Clone returns a deep copy so callers can mutate without affecting stored state.
func (s *UploadState) Clone() *UploadState {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedParts = make(map[int]PartCompletion, len(s.CompletedParts))
	for n, pc := range s.CompletedParts {
		c.CompletedParts[n] = pc
	}
	return &c
}

// TransferProgress is a read-only projection of upload or download state.
type TransferProgress struct {
	ObjectID         string `json:"objectId"`
	UploadID         string `json:"uploadId,omitempty"`
	TotalParts       int    `json:"totalParts"`
	CompletedParts   int    `json:"completedParts"`
	BytesTransferred int64  `json:"bytesTransferred"`
}

// Done reports whether every part has been completed.
func (p TransferProgress) Done() bool {
	return p.TotalParts > 0 && p.CompletedParts >= p.TotalParts
}
