package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/overture-stack/score-int/internal/auth"
	"github.com/overture-stack/score-int/internal/cloud/storage"
)

func queryInt64(r *http.Request, name string, def int64, required bool) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		if required {
			return 0, fmt.Errorf("%w: %s is required", storage.ErrInvalidArgument, name)
		}
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", storage.ErrInvalidArgument, name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", storage.ErrInvalidArgument, name)
	}
	return b, nil
}

func queryRequired(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", storage.ErrInvalidArgument, name)
	}
	return v, nil
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	u, err := s.cfg.Downloads.GetSentinelObject(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(u))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt64(r, "offset", 0, false)
	if err != nil {
		writeError(w, err)
		return
	}
	length, err := queryInt64(r, "length", -1, false)
	if err != nil {
		writeError(w, err)
		return
	}
	external, err := queryBool(r, "external")
	if err != nil {
		writeError(w, err)
		return
	}
	spec, err := s.cfg.Downloads.Download(r.Context(), r.PathValue("id"), offset, length, external)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, spec)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	fileSize, err := queryInt64(r, "fileSize", 0, true)
	if err != nil {
		writeError(w, err)
		return
	}
	overwrite, err := queryBool(r, "overwrite")
	if err != nil {
		writeError(w, err)
		return
	}
	spec, err := s.cfg.Uploads.InitiateUpload(r.Context(), r.PathValue("id"), fileSize, overwrite, r.URL.Query().Get("md5"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, spec)
}

func (s *Server) handleSpecification(w http.ResponseWriter, r *http.Request) {
	uploadID, err := queryRequired(r, "uploadId")
	if err != nil {
		writeError(w, err)
		return
	}
	spec, err := s.cfg.Uploads.UploadSpecification(r.Context(), r.PathValue("id"), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, spec)
}

func (s *Server) handleFinalizePart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	partNumber, err := queryInt64(r, "partNumber", 0, true)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.cfg.Uploads.FinalizeUploadPart(r.Context(), r.PathValue("id"), q.Get("uploadId"), int(partNumber), q.Get("md5"), q.Get("etag"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeletePart(w http.ResponseWriter, r *http.Request) {
	partNumber, err := queryInt64(r, "partNumber", 0, true)
	if err != nil {
		writeError(w, err)
		return
	}
	uploadID, err := queryRequired(r, "uploadId")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Uploads.DeletePart(r.Context(), r.PathValue("id"), uploadID, int(partNumber)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	uploadID, err := queryRequired(r, "uploadId")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Uploads.FinalizeUpload(r.Context(), r.PathValue("id"), uploadID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	fileSize, err := queryInt64(r, "fileSize", 0, true)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Uploads.Recover(r.Context(), r.PathValue("id"), fileSize); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fileSize, err := queryInt64(r, "fileSize", 0, true)
	if err != nil {
		writeError(w, err)
		return
	}
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		if uploadID, err = s.cfg.Uploads.GetUploadID(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	progress, err := s.cfg.Uploads.GetUploadStatus(r.Context(), id, uploadID, fileSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, progress)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	exists, err := s.cfg.Uploads.Exists(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, exists)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	uploadID, err := s.cfg.Uploads.GetUploadID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Uploads.CancelUpload(r.Context(), id, uploadID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Uploads.CancelUploads(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	ev := s.logger.Warn()
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		ev = ev.Str("user", p.User).Str("clientId", p.ClientID).Str("token", p.TokenHash)
	}
	ev.Msg("Cancelled every upload session")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "UP"}
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"DOWN"}` + "\n"))
			return
		}
	}
	writeJSON(w, status)
}
