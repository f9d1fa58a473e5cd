package web

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for uploaded files
	_ "image/png"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/brrow/uploadq/app/blob"
	"github.com/brrow/uploadq/app/grant"
	"github.com/brrow/uploadq/app/queue"
	"github.com/brrow/uploadq/app/service"
)

// UploadResponse is the JSON response for a single upload
type UploadResponse struct {
	ID    string `json:"id"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// BatchResponse is the JSON response for multi-file upload
type BatchResponse struct {
	Results  []UploadResponse `json:"results"`
	Uploaded int              `json:"uploaded"`
	Queued   int              `json:"queued"`
}

// StatsResponse is the JSON response for /api/v1/uploads/stats
type StatsResponse struct {
	queue.Stats
	Foreground   bool      `json:"foreground"`
	PendingRetry bool      `json:"pending_retry"`
	Timestamp    time.Time `json:"timestamp"`
}

// ResumeResponse is the JSON response for a recovery pass
type ResumeResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// handleUpload accepts multipart form with one or more "image" files.
// Single file is queued and uploaded in background unless sync=true, several files run as a batch.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() // nolint

	req, err := parseRequest(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "image file required")
		return
	}
	imgs := make([]image.Image, 0, len(files))
	for _, fh := range files {
		img, err := decodeImage(fh)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		imgs = append(imgs, img)
	}

	if len(imgs) > 1 {
		resp := BatchResponse{Results: make([]UploadResponse, 0, len(imgs))}
		for _, res := range s.uploads.UploadBatch(r.Context(), imgs, req) {
			ur := UploadResponse{ID: res.ID, URL: res.URL}
			switch {
			case res.Err != nil:
				ur.Error = res.Err.Error()
				if res.ID != "" {
					resp.Queued++
				}
			case res.URL != "":
				resp.Uploaded++
			default:
				resp.Queued++
			}
			resp.Results = append(resp.Results, ur)
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.FormValue("sync") != "true" {
		id, err := s.uploads.Submit(imgs[0], req)
		if err != nil {
			s.writeJSONError(w, enqueueStatus(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusAccepted, UploadResponse{ID: id})
		return
	}

	id, url, err := s.uploads.Upload(r.Context(), imgs[0], req)
	switch {
	case err != nil && id == "":
		s.writeJSONError(w, enqueueStatus(err), err.Error())
	case errors.Is(err, grant.ErrUnavailable):
		s.writeJSON(w, http.StatusAccepted, UploadResponse{ID: id, Error: err.Error()})
	case err != nil:
		log.Printf("[WARN] upload %s failed, kept for retry: %v", id, err)
		s.writeJSON(w, http.StatusBadGateway, UploadResponse{ID: id, Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusOK, UploadResponse{ID: id, URL: url})
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.uploads.List())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Stats:        s.uploads.Stats(),
		Foreground:   s.uploads.IsForeground(),
		PendingRetry: s.uploads.PendingRetry(),
		Timestamp:    time.Now(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.uploads.Clear(); err != nil {
		log.Printf("[ERROR] failed to clear upload queue: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to clear upload queue")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	success, failure := s.uploads.Resume(r.Context())
	s.writeJSON(w, http.StatusOK, ResumeResponse{Success: success, Failure: failure})
}

// handleLifecycle switches app state, foreground or background
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("state") {
	case "foreground":
		s.uploads.Foreground()
	case "background":
		s.uploads.Background()
	default:
		s.writeJSONError(w, http.StatusBadRequest, "state must be foreground or background")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"foreground": s.uploads.IsForeground()})
}

// parseRequest reads owner, type, estimated duration and meta.* fields
func parseRequest(r *http.Request) (service.Request, error) {
	jobType, err := queue.ParseJobType(r.FormValue("type"))
	if err != nil {
		return service.Request{}, err
	}
	res := service.Request{OwnerEntityID: r.FormValue("owner"), JobType: jobType}
	if est := r.FormValue("estimated"); est != "" {
		if res.Estimated, err = time.ParseDuration(est); err != nil {
			return service.Request{}, fmt.Errorf("invalid estimated duration %q", est)
		}
	}
	for k, v := range r.MultipartForm.Value {
		if !strings.HasPrefix(k, "meta.") || len(v) == 0 {
			continue
		}
		if res.Metadata == nil {
			res.Metadata = map[string]string{}
		}
		res.Metadata[strings.TrimPrefix(k, "meta.")] = v[0]
	}
	return res, nil
}

func decodeImage(fh *multipart.FileHeader) (image.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("can't open %s: %w", fh.Filename, err)
	}
	defer f.Close() // nolint
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("can't decode image %s: %w", fh.Filename, err)
	}
	return img, nil
}

func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, blob.ErrEncoding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrStorageWrite), errors.Is(err, blob.ErrWrite):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
