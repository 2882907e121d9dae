package constants

import (
	"time"
)

// Part sizing
const (
	// DefaultPartSize - size of each part the server plans for multipart uploads (20 MB)
	// The server's plan is authoritative; clients only use this value for
	// local progress estimates before a specification has been fetched.
	DefaultPartSize = 20 * 1024 * 1024

	// MinPartSize - AWS S3 minimum part size (5 MB, except last part)
	MinPartSize = 5 * 1024 * 1024

	// MaxPartSize - AWS S3 maximum part size (5 GB)
	MaxPartSize = 5 * 1024 * 1024 * 1024

	// MaxParts - AWS S3 maximum number of parts per multipart upload
	MaxParts = 10000
)

// Retry configuration
//
// Backoff for attempt n is RetryInitialInterval * RetryMultiplier^n,
// capped at RetryMaxInterval.
const (
	// DefaultRetryNumber - retries per part for transient errors (negative = unbounded)
	DefaultRetryNumber = 15

	// RetryInitialInterval - delay before the first retry (100ms)
	RetryInitialInterval = 100 * time.Millisecond

	// RetryMultiplier - growth factor between consecutive delays
	RetryMultiplier = 2.0

	// RetryMaxInterval - maximum delay between retries (30s)
	RetryMaxInterval = 30 * time.Second
)

// Concurrency
const (
	// DefaultWorkers - parallel part transfers per object.
	// Peak memory is bounded by DefaultWorkers * part size.
	DefaultWorkers = 8

	// MaxWorkers - upper bound accepted from configuration
	MaxWorkers = 64

	// DefaultQueueMultiplier - multiplier for job queue size based on worker count
	DefaultQueueMultiplier = 2
)

// HTTP timeouts
const (
	// DefaultConnectTimeout - dial timeout for server and object store connections
	DefaultConnectTimeout = 15 * time.Second

	// DefaultReadTimeout - response header timeout for data transfers
	DefaultReadTimeout = 60 * time.Second

	// PartTimeout - hard ceiling on a single part attempt
	PartTimeout = 10 * time.Minute
)

// Client resume state
const (
	// MaxResumeAge - resume state older than this is discarded (7 days)
	MaxResumeAge = 7 * 24 * time.Hour

	// StaleLockAge - an upload lock older than this is considered abandoned
	StaleLockAge = 30 * time.Minute

	// UploadStateSuffix / DownloadStateSuffix - sidecar file name suffixes
	UploadStateSuffix   = ".upload.resume"
	DownloadStateSuffix = ".download.resume"
)

// Server
const (
	// DefaultListenAddr - default server listen address
	DefaultListenAddr = ":5431"

	// DefaultPresignExpiry - validity of presigned part URLs
	DefaultPresignExpiry = 24 * time.Hour

	// DefaultDataPrefix - key prefix for object data and metadata in the bucket
	DefaultDataPrefix = "data"

	// MetaSuffix - suffix of the per-object metadata record
	MetaSuffix = ".meta"

	// DefaultSentinelObjectID - object probed by GET /download/ping
	DefaultSentinelObjectID = "5b845b9a-3e3b-5e3b-9a6e-ec2a3c3b4a1e"

	// DefaultAuthCacheTTL - how long a token introspection result is reused
	DefaultAuthCacheTTL = 60 * time.Second

	// MaxAuthCacheEntries - introspection results kept at once
	MaxAuthCacheEntries = 10000

	// ShutdownTimeout - graceful shutdown window for the HTTP server
	ShutdownTimeout = 30 * time.Second

	// DefaultRedisKeyPrefix - key prefix for upload sessions in Redis
	DefaultRedisKeyPrefix = "score:upload:"
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for progress bar updates (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond
)
