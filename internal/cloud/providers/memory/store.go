// Package memory implements an in-process object store with presigned URLs.
//
// It backs the server's development mode and the end-to-end tests: Store
// satisfies storage.ObjectStore and is also the http.Handler that serves its
// own presigned part PUTs and ranged GETs.
package memory

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
)

type session struct {
	key   string
	parts map[int][]byte
}

// Store is an in-memory object store.
type Store struct {
	mu        sync.RWMutex
	baseURL   string
	publicURL string
	secret    []byte
	expiry    time.Duration
	now       func() time.Time
	objects   map[string][]byte
	sessions  map[string]*session // uploadID -> session
}

// New creates an empty store. SetBaseURL must be called once the handler is listening.
func New() *Store {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return &Store{
		secret:   secret,
		expiry:   time.Hour,
		now:      time.Now,
		objects:  make(map[string][]byte),
		sessions: make(map[string]*session),
	}
}

// SetBaseURL sets the address presigned URLs point at.
func (s *Store) SetBaseURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimRight(u, "/")
}

// SetPublicURL sets the address used for external download URLs.
func (s *Store) SetPublicURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicURL = strings.TrimRight(u, "/")
}

// SetExpiry changes the validity of newly presigned URLs.
func (s *Store) SetExpiry(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = d
}

// =============================================================================
// storage.MultipartStore
// =============================================================================

func (s *Store) InitiateMultipart(_ context.Context, key string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &session{key: key, parts: make(map[int][]byte)}
	return id, nil
}

func (s *Store) PresignUploadPart(_ context.Context, key, uploadID string, partNumber int, length int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[uploadID]; !ok {
		return "", fmt.Errorf("%w: upload %s", storage.ErrNotFound, uploadID)
	}
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("partNumber", strconv.Itoa(partNumber))
	q.Set("length", strconv.FormatInt(length, 10))
	return s.sign(s.baseURL, http.MethodPut, key, q), nil
}

func (s *Store) ListParts(_ context.Context, key, uploadID string) (map[int]storage.StoredPart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[uploadID]
	if !ok || sess.key != key {
		return nil, fmt.Errorf("%w: upload %s", storage.ErrNotFound, uploadID)
	}
	out := make(map[int]storage.StoredPart, len(sess.parts))
	for n, data := range sess.parts {
		out[n] = storage.StoredPart{PartNumber: n, ETag: etagOf(data), Size: int64(len(data))}
	}
	return out, nil
}

func (s *Store) CompleteMultipart(_ context.Context, key, uploadID string, parts []models.PartCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok || sess.key != key {
		return fmt.Errorf("%w: upload %s", storage.ErrNotFound, uploadID)
	}

	sorted := append([]models.PartCompletion(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var buf bytes.Buffer
	for _, p := range sorted {
		data, ok := sess.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("%w: part %d was never uploaded", storage.ErrInvalidArgument, p.PartNumber)
		}
		if trimETag(p.ETag) != trimETag(etagOf(data)) {
			return fmt.Errorf("%w: part %d etag %s does not match stored %s", storage.ErrInvalidArgument, p.PartNumber, p.ETag, etagOf(data))
		}
		buf.Write(data)
	}
	s.objects[key] = buf.Bytes()
	delete(s.sessions, uploadID)
	return nil
}

func (s *Store) AbortMultipart(_ context.Context, _ string, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, uploadID)
	return nil
}

// =============================================================================
// storage.ObjectReader / storage.ObjectWriter
// =============================================================================

func (s *Store) PresignGet(_ context.Context, key string, offset, length int64, external bool) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	base := s.baseURL
	if external && s.publicURL != "" {
		base = s.publicURL
	}
	q := url.Values{}
	q.Set("range", rangeHeader(offset, length))
	return s.sign(base, http.MethodGet, key, q), nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *Store) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) PutObject(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), body...)
	return nil
}

func (s *Store) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// SessionCount returns the number of open multipart sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// =============================================================================
// Presigned URL handling
// =============================================================================

func (s *Store) sign(base, method, key string, q url.Values) string {
	q.Set("expires", strconv.FormatInt(s.now().Add(s.expiry).Unix(), 10))
	q.Set("signature", s.signature(method, key, q))
	return base + "/" + escapeKey(key) + "?" + q.Encode()
}

func (s *Store) signature(method, key string, q url.Values) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s", method, key)
	keys := make([]string, 0, len(q))
	for k := range q {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(mac, "\n%s=%s", k, q.Get(k))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) verify(r *http.Request, key string) error {
	q := r.URL.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil || s.now().Unix() > expires {
		return fmt.Errorf("request has expired")
	}
	want := s.signature(r.Method, key, q)
	if !hmac.Equal([]byte(want), []byte(q.Get("signature"))) {
		return fmt.Errorf("signature does not match")
	}
	return nil
}

// ServeHTTP serves presigned part uploads and ranged reads.
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		http.Error(w, "bad key", http.StatusBadRequest)
		return
	}
	if err := s.verify(r, key); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.servePart(w, r, key)
	case http.MethodGet:
		s.serveRange(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Store) servePart(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	partNumber, _ := strconv.Atoi(q.Get("partNumber"))
	length, _ := strconv.ParseInt(q.Get("length"), 10, 64)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if int64(len(data)) != length {
		http.Error(w, fmt.Sprintf("expected %d bytes, got %d", length, len(data)), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[q.Get("uploadId")]
	if ok && sess.key == key {
		sess.parts[partNumber] = data
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "NoSuchUpload", http.StatusNotFound)
		return
	}

	w.Header().Set("ETag", etagOf(data))
	w.WriteHeader(http.StatusOK)
}

func (s *Store) serveRange(w http.ResponseWriter, r *http.Request, key string) {
	if got, want := r.Header.Get("Range"), r.URL.Query().Get("range"); got != want {
		http.Error(w, "range header does not match signed range", http.StatusForbidden)
		return
	}

	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "NoSuchKey", http.StatusNotFound)
		return
	}

	start, end, err := parseRange(r.URL.Query().Get("range"), int64(len(data)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	chunk := data[start:end]
	w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(data)))
	w.Header().Set("ETag", etagOf(data))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(chunk)
}

// =============================================================================
// Helpers
// =============================================================================

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func trimETag(e string) string {
	return strings.Trim(e, `"`)
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func rangeHeader(offset, length int64) string {
	if length <= 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

// parseRange understands the two forms rangeHeader produces.
func parseRange(h string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, size, nil
	}
	from, to, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start < 0 || start > size {
		return 0, 0, fmt.Errorf("invalid range %q", h)
	}
	end := size
	if to != "" {
		last, err := strconv.ParseInt(to, 10, 64)
		if err != nil || last < start {
			return 0, 0, fmt.Errorf("invalid range %q", h)
		}
		end = min(last+1, size)
	}
	return start, end, nil
}
