package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/constants"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/util/multipart"
)

// Config configures the upload and download services.
type Config struct {
	Store    storage.ObjectStore
	Sessions SessionStore
	// PartSize is the plan part size for new sessions (default 20 MB)
	PartSize int64
	// DataPrefix is the key prefix for object data and metadata (default "data")
	DataPrefix string
	Logger     *logging.Logger
	Now        func() time.Time
}

func (c *Config) validate() error {
	if c.Store == nil {
		return errors.New("object store is required")
	}
	if c.PartSize <= 0 {
		c.PartSize = constants.DefaultPartSize
	}
	if c.DataPrefix == "" {
		c.DataPrefix = constants.DefaultDataPrefix
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = logging.OrNop(c.Logger)
	return nil
}

func objectKey(prefix, objectID string) string {
	return path.Join(prefix, objectID)
}

func metaKey(prefix, objectID string) string {
	return objectKey(prefix, objectID) + constants.MetaSuffix
}

// UploadService coordinates multipart upload sessions.
//
// Part bytes never pass through the service: clients PUT them to presigned
// URLs and report each part's md5 and ETag back through FinalizeUploadPart.
type UploadService struct {
	cfg Config
}

// NewUploadService creates an upload service.
func NewUploadService(cfg Config) (*UploadService, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	reportOpenSessions(cfg.Store)
	return &UploadService{cfg: cfg}, nil
}

func validateObjectID(objectID string) error {
	if objectID == "" || strings.ContainsAny(objectID, "/\\") || strings.HasPrefix(objectID, ".") {
		return fmt.Errorf("%w: invalid object id %q", storage.ErrInvalidArgument, objectID)
	}
	return nil
}

// InitiateUpload opens a multipart session and returns presigned part URLs.
//
// An existing session, or an already stored object, is a conflict unless
// overwrite is set; with overwrite the earlier session is aborted and its
// state discarded.
func (s *UploadService) InitiateUpload(ctx context.Context, objectID string, fileSize int64, overwrite bool, md5 string) (*models.ObjectSpecification, error) {
	if err := validateObjectID(objectID); err != nil {
		return nil, err
	}
	plan, err := multipart.Plan(fileSize, s.cfg.PartSize)
	if err != nil {
		return nil, err
	}
	if len(plan) > constants.MaxParts {
		return nil, fmt.Errorf("%w: %d parts exceeds the limit of %d", storage.ErrInvalidArgument, len(plan), constants.MaxParts)
	}

	if !overwrite {
		exists, err := s.Exists(ctx, objectID)
		if err != nil {
			return nil, err
		}
		if exists {
			conflictsTotal.WithLabelValues("initiate").Inc()
			return nil, fmt.Errorf("%w: object %s already exists", storage.ErrConflict, objectID)
		}
	}

	key := objectKey(s.cfg.DataPrefix, objectID)
	uploadID, err := s.cfg.Store.InitiateMultipart(ctx, key)
	if err != nil {
		return nil, err
	}

	var superseded *models.UploadState
	err = s.cfg.Sessions.Update(ctx, objectID, func(current *models.UploadState) (*models.UploadState, error) {
		superseded = nil
		if current != nil {
			if !overwrite {
				return nil, fmt.Errorf("%w: upload %s already in progress for %s", storage.ErrConflict, current.UploadID, objectID)
			}
			superseded = current
		}
		return &models.UploadState{
			ObjectID:       objectID,
			ObjectKey:      key,
			UploadID:       uploadID,
			FileSize:       fileSize,
			PartSize:       s.cfg.PartSize,
			Overwrite:      overwrite,
			ObjectMD5:      md5,
			CompletedParts: make(map[int]models.PartCompletion),
			CreatedAt:      s.cfg.Now().UTC(),
		}, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			conflictsTotal.WithLabelValues("initiate").Inc()
		}
		if abortErr := s.cfg.Store.AbortMultipart(ctx, key, uploadID); abortErr != nil {
			s.cfg.Logger.Warn().Err(abortErr).Str("objectId", objectID).Str("uploadId", uploadID).
				Msg("Failed to abort unused multipart upload")
		}
		return nil, err
	}
	sessionsTotal.WithLabelValues("initiated").Inc()

	if superseded != nil {
		sessionsTotal.WithLabelValues("superseded").Inc()
		s.cfg.Logger.Info().
			Str("objectId", objectID).
			Str("uploadId", superseded.UploadID).
			Msg("Superseding upload session")
		if err := s.cfg.Store.AbortMultipart(ctx, superseded.ObjectKey, superseded.UploadID); err != nil {
			s.cfg.Logger.Warn().Err(err).Str("objectId", objectID).Str("uploadId", superseded.UploadID).
				Msg("Failed to abort superseded multipart upload")
		}
	}

	s.cfg.Logger.Info().
		Str("objectId", objectID).
		Str("uploadId", uploadID).
		Int64("fileSize", fileSize).
		Int("parts", len(plan)).
		Msg("Initiated upload")

	return s.specification(ctx, objectID, key, uploadID, fileSize, md5, plan, nil)
}

// UploadSpecification re-issues the specification of the live session with
// fresh URLs. Completed parts carry their recorded md5.
func (s *UploadService) UploadSpecification(ctx context.Context, objectID, uploadID string) (*models.ObjectSpecification, error) {
	st, err := s.session(ctx, objectID, uploadID)
	if err != nil {
		return nil, err
	}
	plan, err := multipart.Plan(st.FileSize, st.PartSize)
	if err != nil {
		return nil, err
	}
	return s.specification(ctx, objectID, st.ObjectKey, st.UploadID, st.FileSize, st.ObjectMD5, plan, st.CompletedParts)
}

func (s *UploadService) specification(ctx context.Context, objectID, key, uploadID string, size int64, md5 string,
	plan []models.Part, done map[int]models.PartCompletion) (*models.ObjectSpecification, error) {
	for i := range plan {
		u, err := s.cfg.Store.PresignUploadPart(ctx, key, uploadID, plan[i].PartNumber, plan[i].PartSize)
		if err != nil {
			return nil, err
		}
		plan[i].URL = u
		if c, ok := done[plan[i].PartNumber]; ok {
			plan[i].MD5 = c.MD5
		}
	}
	return &models.ObjectSpecification{
		ObjectID:   objectID,
		ObjectKey:  key,
		UploadID:   uploadID,
		Parts:      plan,
		ObjectSize: size,
		ObjectMD5:  md5,
	}, nil
}

// session loads the live session and checks it is uploadID.
func (s *UploadService) session(ctx context.Context, objectID, uploadID string) (*models.UploadState, error) {
	st, err := s.cfg.Sessions.Get(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if err := checkUploadID(st, uploadID); err != nil {
		return nil, err
	}
	return st, nil
}

func checkUploadID(st *models.UploadState, uploadID string) error {
	if uploadID != "" && st.UploadID != uploadID {
		return fmt.Errorf("%w: upload id %s does not match active session %s for %s",
			storage.ErrConflict, uploadID, st.UploadID, st.ObjectID)
	}
	return nil
}

// FinalizeUploadPart records a part completion. Re-submitting an identical
// completion is a no-op; a divergent one is a conflict.
func (s *UploadService) FinalizeUploadPart(ctx context.Context, objectID, uploadID string, partNumber int, md5, etag string) error {
	if uploadID == "" || md5 == "" || etag == "" {
		return fmt.Errorf("%w: uploadId, md5 and etag are required", storage.ErrInvalidArgument)
	}
	completion := models.PartCompletion{PartNumber: partNumber, MD5: md5, ETag: etag}

	recorded := false
	err := s.cfg.Sessions.Update(ctx, objectID, func(current *models.UploadState) (*models.UploadState, error) {
		recorded = false
		if current == nil {
			return nil, fmt.Errorf("%w: no upload in progress for %s", storage.ErrNotFound, objectID)
		}
		if err := checkUploadID(current, uploadID); err != nil {
			return nil, err
		}
		if parts := multipart.NumParts(current.FileSize, current.PartSize); partNumber < 1 || int64(partNumber) > parts {
			return nil, fmt.Errorf("%w: part %d outside plan of %d parts", storage.ErrInvalidArgument, partNumber, parts)
		}
		if existing, ok := current.CompletedParts[partNumber]; ok {
			if existing == completion {
				return current, nil
			}
			return nil, fmt.Errorf("%w: part %d of %s already finalized with md5 %s etag %s",
				storage.ErrConflict, partNumber, objectID, existing.MD5, existing.ETag)
		}
		current.CompletedParts[partNumber] = completion
		recorded = true
		return current, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			conflictsTotal.WithLabelValues("finalize_part").Inc()
		}
		return err
	}
	if recorded {
		partsFinalized.Inc()
		s.cfg.Logger.Debug().Str("objectId", objectID).Str("uploadId", uploadID).Int("part", partNumber).
			Msg("Finalized part")
	}
	return nil
}

// DeletePart removes a part's completion record; an absent part is ignored.
func (s *UploadService) DeletePart(ctx context.Context, objectID, uploadID string, partNumber int) error {
	return s.cfg.Sessions.Update(ctx, objectID, func(current *models.UploadState) (*models.UploadState, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: no upload in progress for %s", storage.ErrNotFound, objectID)
		}
		if err := checkUploadID(current, uploadID); err != nil {
			return nil, err
		}
		delete(current.CompletedParts, partNumber)
		return current, nil
	})
}

// FinalizeUpload completes the multipart session once every planned part has
// a recorded completion, writes the object's metadata record and destroys
// the session.
func (s *UploadService) FinalizeUpload(ctx context.Context, objectID, uploadID string) error {
	st, err := s.session(ctx, objectID, uploadID)
	if err != nil {
		return err
	}
	plan, err := multipart.Plan(st.FileSize, st.PartSize)
	if err != nil {
		return err
	}

	var missing []string
	completions := make([]models.PartCompletion, 0, len(plan))
	for i := range plan {
		c, ok := st.CompletedParts[plan[i].PartNumber]
		if !ok {
			missing = append(missing, fmt.Sprint(plan[i].PartNumber))
			continue
		}
		plan[i].MD5 = c.MD5
		completions = append(completions, c)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s has %d of %d parts, missing %s",
			storage.ErrIncompletePartSet, objectID, len(completions), len(plan), strings.Join(missing, ","))
	}

	if err := s.cfg.Store.CompleteMultipart(ctx, st.ObjectKey, st.UploadID, completions); err != nil {
		return err
	}

	meta := models.ObjectSpecification{
		ObjectID:   objectID,
		ObjectKey:  st.ObjectKey,
		UploadID:   st.UploadID,
		Parts:      plan,
		ObjectSize: st.FileSize,
		ObjectMD5:  st.ObjectMD5,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := s.cfg.Store.PutObject(ctx, metaKey(s.cfg.DataPrefix, objectID), data); err != nil {
		return err
	}

	if err := s.deleteSession(ctx, objectID, st.UploadID); err != nil {
		return err
	}
	sessionsTotal.WithLabelValues("finalized").Inc()
	s.cfg.Logger.Info().Str("objectId", objectID).Str("uploadId", st.UploadID).Int("parts", len(plan)).
		Msg("Finalized upload")
	return nil
}

// deleteSession removes the session if it is still uploadID.
func (s *UploadService) deleteSession(ctx context.Context, objectID, uploadID string) error {
	return s.cfg.Sessions.Update(ctx, objectID, func(current *models.UploadState) (*models.UploadState, error) {
		if current == nil || current.UploadID != uploadID {
			return current, nil
		}
		return nil, nil
	})
}

// Recover reconciles the session with what the object store holds.
//
// A session planned for a different file size is invalidated. Completions
// whose part is missing from the store, or whose ETag or size disagree with
// the store, are dropped so the client uploads them again. A session the
// store no longer knows is removed.
func (s *UploadService) Recover(ctx context.Context, objectID string, fileSize int64) error {
	st, err := s.cfg.Sessions.Get(ctx, objectID)
	if err != nil {
		return err
	}
	logger := s.cfg.Logger.Child(s.cfg.Logger.With().Str("objectId", objectID).Str("uploadId", st.UploadID))

	if st.FileSize != fileSize {
		logger.Warn().Int64("sessionSize", st.FileSize).Int64("fileSize", fileSize).
			Msg("File size changed, invalidating upload session")
		return s.invalidate(ctx, st)
	}

	stored, err := s.cfg.Store.ListParts(ctx, st.ObjectKey, st.UploadID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Msg("Object store no longer has the upload, invalidating session")
		return s.invalidate(ctx, st)
	}
	if err != nil {
		return err
	}

	plan, err := multipart.Plan(st.FileSize, st.PartSize)
	if err != nil {
		return err
	}

	dropped := 0
	err = s.cfg.Sessions.Update(ctx, objectID, func(current *models.UploadState) (*models.UploadState, error) {
		dropped = 0
		if current == nil || current.UploadID != st.UploadID {
			return current, nil
		}
		for n, c := range current.CompletedParts {
			sp, ok := stored[n]
			if ok && sameETag(sp.ETag, c.ETag) && n <= len(plan) && sp.Size == plan[n-1].PartSize {
				continue
			}
			delete(current.CompletedParts, n)
			dropped++
		}
		return current, nil
	})
	if err != nil {
		return err
	}
	if dropped > 0 {
		recoveredParts.Add(float64(dropped))
		logger.Info().Int("dropped", dropped).Msg("Recovery dropped part completions")
	}
	return nil
}

func (s *UploadService) invalidate(ctx context.Context, st *models.UploadState) error {
	if err := s.cfg.Store.AbortMultipart(ctx, st.ObjectKey, st.UploadID); err != nil {
		return err
	}
	if err := s.deleteSession(ctx, st.ObjectID, st.UploadID); err != nil {
		return err
	}
	sessionsTotal.WithLabelValues("invalidated").Inc()
	return nil
}

func sameETag(a, b string) bool {
	return strings.Trim(a, `"`) == strings.Trim(b, `"`)
}

// GetUploadStatus reports progress of the live session against the plan for fileSize.
func (s *UploadService) GetUploadStatus(ctx context.Context, objectID, uploadID string, fileSize int64) (models.TransferProgress, error) {
	st, err := s.session(ctx, objectID, uploadID)
	if err != nil {
		return models.TransferProgress{}, err
	}
	plan, err := multipart.Plan(fileSize, st.PartSize)
	if err != nil {
		return models.TransferProgress{}, err
	}

	progress := models.TransferProgress{
		ObjectID:   objectID,
		UploadID:   st.UploadID,
		TotalParts: len(plan),
	}
	for _, p := range plan {
		if _, ok := st.CompletedParts[p.PartNumber]; ok {
			progress.CompletedParts++
			progress.BytesTransferred += p.PartSize
		}
	}
	return progress, nil
}

// GetUploadID returns the upload id of the live session for objectID.
func (s *UploadService) GetUploadID(ctx context.Context, objectID string) (string, error) {
	st, err := s.cfg.Sessions.Get(ctx, objectID)
	if err != nil {
		return "", err
	}
	return st.UploadID, nil
}

// Exists reports whether objectID has been stored. An object counts as
// stored once its metadata record has been written.
func (s *UploadService) Exists(ctx context.Context, objectID string) (bool, error) {
	if err := validateObjectID(objectID); err != nil {
		return false, err
	}
	return s.cfg.Store.Exists(ctx, metaKey(s.cfg.DataPrefix, objectID))
}

// CancelUpload aborts the session and destroys its state.
func (s *UploadService) CancelUpload(ctx context.Context, objectID, uploadID string) error {
	var cancelled *models.UploadState
	err := s.cfg.Sessions.Update(ctx, objectID, func(current *models.UploadState) (*models.UploadState, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: no upload in progress for %s", storage.ErrNotFound, objectID)
		}
		if err := checkUploadID(current, uploadID); err != nil {
			return nil, err
		}
		cancelled = current
		return nil, nil
	})
	if err != nil {
		return err
	}

	sessionsTotal.WithLabelValues("cancelled").Inc()
	s.cfg.Logger.Info().Str("objectId", objectID).Str("uploadId", cancelled.UploadID).Msg("Cancelled upload")
	return s.cfg.Store.AbortMultipart(ctx, cancelled.ObjectKey, cancelled.UploadID)
}

// CancelUploads aborts every live session. Failures are collected and the
// remaining sessions are still cancelled.
func (s *UploadService) CancelUploads(ctx context.Context) error {
	sessions, err := s.cfg.Sessions.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ObjectID < sessions[j].ObjectID })

	var errs []error
	for _, st := range sessions {
		if err := s.CancelUpload(ctx, st.ObjectID, st.UploadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("cancel %s: %w", st.ObjectID, err))
		}
	}
	return errors.Join(errs...)
}
