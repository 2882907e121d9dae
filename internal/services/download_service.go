package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/constants"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/util/multipart"
)

// DownloadService issues presigned download specifications for stored objects.
type DownloadService struct {
	cfg        Config
	sentinelID string
}

// NewDownloadService creates a download service. sentinelID names the object
// served by the liveness ping; empty selects the default.
func NewDownloadService(cfg Config, sentinelID string) (*DownloadService, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sentinelID == "" {
		sentinelID = constants.DefaultSentinelObjectID
	}
	return &DownloadService{cfg: cfg, sentinelID: sentinelID}, nil
}

// GetSentinelObject returns a presigned URL of the sentinel object. A client
// that can fetch it has a working path to both the server and the store.
func (s *DownloadService) GetSentinelObject(ctx context.Context) (string, error) {
	key := objectKey(s.cfg.DataPrefix, s.sentinelID)
	exists, err := s.cfg.Store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: sentinel object %s", storage.ErrNotFound, s.sentinelID)
	}
	return s.cfg.Store.PresignGet(ctx, key, 0, 0, false)
}

// Metadata loads the record written when objectID was finalized.
func (s *DownloadService) Metadata(ctx context.Context, objectID string) (*models.ObjectSpecification, error) {
	if err := validateObjectID(objectID); err != nil {
		return nil, err
	}
	data, err := s.cfg.Store.GetObject(ctx, metaKey(s.cfg.DataPrefix, objectID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: object %s", storage.ErrNotFound, objectID)
		}
		return nil, err
	}
	var meta models.ObjectSpecification
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s: %w", objectID, err)
	}
	return &meta, nil
}

// Download returns a specification for [offset, offset+length) of objectID.
// A length of -1 reads to the end of the object.
//
// Requests for the whole object reuse the stored part layout and carry every
// part's source md5. Ranged requests are re-partitioned from offset and carry
// a source md5 only on parts that coincide with a stored part.
func (s *DownloadService) Download(ctx context.Context, objectID string, offset, length int64, external bool) (*models.ObjectSpecification, error) {
	meta, err := s.Metadata(ctx, objectID)
	if err != nil {
		return nil, err
	}

	if length == -1 {
		length = meta.ObjectSize - offset
	}
	if offset < 0 || length < 0 || offset+length > meta.ObjectSize {
		return nil, fmt.Errorf("%w: range offset %d length %d outside object of %d bytes",
			storage.ErrInvalidArgument, offset, length, meta.ObjectSize)
	}

	spec := &models.ObjectSpecification{
		ObjectID:   objectID,
		ObjectKey:  meta.ObjectKey,
		ObjectSize: length,
	}

	var parts []models.Part
	if offset == 0 && length == meta.ObjectSize {
		parts = make([]models.Part, len(meta.Parts))
		for i, p := range meta.Parts {
			parts[i] = models.Part{PartNumber: p.PartNumber, Offset: p.Offset, PartSize: p.PartSize, SourceMD5: p.MD5}
		}
		spec.ObjectMD5 = meta.ObjectMD5
		downloadSpecs.WithLabelValues("whole").Inc()
	} else {
		parts, err = multipart.PlanRange(offset, length, storedPartSize(meta))
		if err != nil {
			return nil, err
		}
		stored := make(map[int64]models.Part, len(meta.Parts))
		for _, p := range meta.Parts {
			stored[p.Offset] = p
		}
		for i := range parts {
			if sp, ok := stored[parts[i].Offset]; ok && sp.PartSize == parts[i].PartSize {
				parts[i].SourceMD5 = sp.MD5
			}
		}
		spec.Relative = true
		downloadSpecs.WithLabelValues("partial").Inc()
	}

	for i := range parts {
		if parts[i].PartSize == 0 {
			continue
		}
		u, err := s.cfg.Store.PresignGet(ctx, meta.ObjectKey, parts[i].Offset, parts[i].PartSize, external)
		if err != nil {
			return nil, err
		}
		parts[i].URL = u
	}
	spec.Parts = parts

	s.cfg.Logger.Debug().
		Str("objectId", objectID).
		Int64("offset", offset).
		Int64("length", length).
		Bool("external", external).
		Int("parts", len(parts)).
		Msg("Issued download specification")
	return spec, nil
}

func storedPartSize(meta *models.ObjectSpecification) int64 {
	if len(meta.Parts) > 0 && meta.Parts[0].PartSize > 0 {
		return meta.Parts[0].PartSize
	}
	return constants.DefaultPartSize
}
