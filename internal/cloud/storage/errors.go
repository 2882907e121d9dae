package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Kind is the closed set of failure classes that drive the retry loop.
type Kind int

const (
	// KindFatal indicates an environment or programming error. Never retried;
	// the whole transfer aborts immediately.
	KindFatal Kind = iota
	// KindNotResumable indicates the part or session cannot be continued as-is.
	// Local state for the object is discarded and a fresh session is required.
	KindNotResumable
	// KindRetryable indicates a transient failure eligible for backoff retry.
	KindRetryable
)

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "Fatal"
	case KindNotResumable:
		return "NotResumable"
	case KindRetryable:
		return "Retryable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Common storage operation errors
var (
	// ErrInvalidArgument indicates a malformed request (bad sizes, unknown part numbers)
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrResourceExhausted indicates a memory window could not be allocated or mapped
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrTruncatedTransfer indicates a source ended before the part was filled
	ErrTruncatedTransfer = errors.New("truncated transfer")
	// ErrChecksumMismatch indicates part or object integrity check failed
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrChannelReleased indicates use of a data channel after release
	ErrChannelReleased = errors.New("data channel already released")
	// ErrConflict indicates client-declared state diverges from recorded state
	ErrConflict = errors.New("conflict")
	// ErrIncompletePartSet indicates finalize was attempted before every part was done
	ErrIncompletePartSet = errors.New("incomplete part set")
	// ErrNotFound indicates the object or upload session does not exist
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates a request without a usable credential
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates a credential without the required scope
	ErrForbidden = errors.New("forbidden")
	// ErrAborted indicates the transfer was cancelled before completion
	ErrAborted = errors.New("transfer aborted")
	// ErrInsufficientSpace indicates there isn't enough disk space for the operation
	ErrInsufficientSpace = errors.New("insufficient disk space")
	// ErrUnavailable indicates a dependency of the server, such as the
	// authorization server, could not answer
	ErrUnavailable = errors.New("service unavailable")
)

// TransferError attaches a failure kind and part context to an error.
type TransferError struct {
	Kind       Kind
	Op         string
	ObjectID   string
	PartNumber int
	Err        error
}

func (e *TransferError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.ObjectID != "" {
		b.WriteString("object ")
		b.WriteString(e.ObjectID)
		if e.PartNumber > 0 {
			fmt.Fprintf(&b, " part %d", e.PartNumber)
		}
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a KindFatal failure.
func Fatal(err error) error {
	return &TransferError{Kind: KindFatal, Err: err}
}

// NotResumable wraps err as a KindNotResumable failure.
func NotResumable(err error) error {
	return &TransferError{Kind: KindNotResumable, Err: err}
}

// Retryable wraps err as a KindRetryable failure.
func Retryable(err error) error {
	return &TransferError{Kind: KindRetryable, Err: err}
}

// WithPart annotates err with the operation and part it failed in. The kind is
// preserved when err already carries one; otherwise it is classified.
func WithPart(op, objectID string, partNumber int, err error) error {
	if err == nil {
		return nil
	}
	return &TransferError{
		Kind:       KindOf(err),
		Op:         op,
		ObjectID:   objectID,
		PartNumber: partNumber,
		Err:        err,
	}
}

// KindOf classifies err into exactly one failure kind.
//
// An explicit TransferError kind wins. Conflicts map to NotResumable; request
// errors (incomplete part set, invalid arguments, authorization) and context
// cancellation are Fatal; truncation, checksum mismatch, unavailable
// dependencies and network failures are Retryable. Anything unrecognised is Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindRetryable
	}

	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}

	switch {
	case errors.Is(err, ErrConflict), errors.Is(err, ErrChannelReleased):
		return KindNotResumable
	case errors.Is(err, ErrIncompletePartSet),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAborted),
		errors.Is(err, ErrResourceExhausted),
		errors.Is(err, context.Canceled):
		return KindFatal
	case errors.Is(err, ErrTruncatedTransfer),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return KindRetryable
	}

	if IsDiskFullError(err) {
		return KindFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) || IsNetworkError(err) {
		return KindRetryable
	}

	return KindFatal
}

// User-visible failure categories. These strings are part of the CLI and API
// error surface and must not change.
const (
	AdviceRetryLater   = "retry later"
	AdviceStartOver    = "start over"
	AdviceFixRequest   = "fix your request"
	AdviceFatal        = "fatal"
	adviceUnclassified = ""
)

// Advice maps a terminal error to the category shown to the user.
func Advice(err error) string {
	if err == nil {
		return adviceUnclassified
	}
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrIncompletePartSet),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInvalidArgument):
		return AdviceFixRequest
	}
	switch KindOf(err) {
	case KindRetryable:
		return AdviceRetryLater
	case KindNotResumable:
		return AdviceStartOver
	default:
		return AdviceFatal
	}
}

// IsDiskFullError checks if an error is likely caused by running out of disk space
// This catches errors that occur during file operations when disk becomes full
//
// Checks for common error strings across different operating systems:
//   - Linux/Unix: "no space left on device", "enospc"
//   - Generic: "disk full", "not enough space"
//   - Quota: "disk quota exceeded"
func IsDiskFullError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientSpace) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	diskFullIndicators := []string{
		"no space left on device", // Linux/Unix
		"disk full",               // Generic
		"not enough space",        // Generic
		"enospc",                  // Linux errno
		"disk quota exceeded",     // Quota systems
	}

	for _, indicator := range diskFullIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// IsNetworkError checks if an error is network-related
// Useful for determining if an operation should be retried
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkIndicators := []string{
		"connection",    // connection refused, connection reset, etc.
		"timeout",       // i/o timeout, dial timeout, etc.
		"network",       // network unreachable, network error, etc.
		"eof",           // unexpected EOF
		"broken pipe",   // broken pipe
		"tls handshake", // TLS handshake errors
	}

	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
