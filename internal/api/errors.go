// Package api provides error types for transfer server responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	httpx "github.com/overture-stack/score-int/internal/http"
	"github.com/overture-stack/score-int/internal/models"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// APIError is a non-2xx response from the transfer server.
//
// It unwraps to the storage sentinel matching the server's error code, so
// callers test it with errors.Is(err, storage.ErrConflict) and friends.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = nethttp.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s failed: status %d (%s): %s", e.Op, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return sentinelFor(e.Code, e.StatusCode)
}

// sentinelFor resolves the error code first and falls back to the status,
// which covers proxies and routers that answer without a JSON body.
func sentinelFor(code string, status int) error {
	switch code {
	case models.CodeIncompletePartSet:
		return storage.ErrIncompletePartSet
	case models.CodeConflict:
		return storage.ErrConflict
	case models.CodeInvalidArgument:
		return storage.ErrInvalidArgument
	case models.CodeUnauthorized:
		return storage.ErrUnauthorized
	case models.CodeForbidden:
		return storage.ErrForbidden
	case models.CodeNotFound:
		return storage.ErrNotFound
	case models.CodeUnavailable:
		return storage.ErrUnavailable
	case models.CodeInternal:
		return nil
	}
	switch status {
	case nethttp.StatusBadRequest:
		return storage.ErrInvalidArgument
	case nethttp.StatusUnauthorized:
		return storage.ErrUnauthorized
	case nethttp.StatusForbidden:
		return storage.ErrForbidden
	case nethttp.StatusNotFound:
		return storage.ErrNotFound
	case nethttp.StatusConflict:
		return storage.ErrConflict
	}
	return nil
}

// checkResponse converts a non-2xx response into a classified error. The body
// is consumed but not closed.
func checkResponse(op string, resp *nethttp.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload models.ErrorResponse
	if json.Unmarshal(body, &payload) == nil && payload.Code != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	if apiErr.Unwrap() != nil {
		// the sentinel decides the kind
		return apiErr
	}
	return &storage.TransferError{Kind: httpx.ClassifyStatus(resp.StatusCode), Op: op, Err: apiErr}
}

// IsConflict reports whether err is a session or object conflict.
//
// Usage:
//
//	spec, err := client.InitiateUpload(ctx, id, size, false, "")
//	if api.IsConflict(err) {
//	    // object exists or another upload is live, retry with overwrite
//	}
func IsConflict(err error) bool {
	return errors.Is(err, storage.ErrConflict)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
