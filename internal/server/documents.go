package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/async"
	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/report"
)

// IngestRequest is the JSON body for POST /api/v1/documents when the PDF is
// already on a path the daemon can read. Uploads use multipart instead.
type IngestRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force"` // enqueue even if the content hash is already known
}

// IngestResponse reports the registered document and whether processing was
// queued.
type IngestResponse struct {
	DocumentID   string `json:"document_id"`
	SourcePath   string `json:"source_path"`
	Deduplicated bool   `json:"deduplicated"`
	ContentHash  string `json:"content_hash"`
	Queued       bool   `json:"queued"`
}

const maxUploadBytes = 100 << 20 // 100 MiB

// handleIngest registers a PDF and queues it for processing.
// POST /api/v1/documents
// Body: JSON {path, force} or multipart form with a "file" part.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var (
		path  string
		force bool
		err   error
	)

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		path, force, err = s.spoolUpload(w, r)
		if err != nil {
			return // spoolUpload already wrote the error
		}
	} else {
		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		v := common.NewValidator()
		v.Field("path", req.Path, common.Required)
		if v.HasErrors() {
			http.Error(w, v.ErrorMessage(), http.StatusBadRequest)
			return
		}
		path = strings.TrimSpace(req.Path)
		force = req.Force
	}

	res, err := s.ingestor.IngestPath(r.Context(), path)
	if err != nil {
		s.logger.Warn("ingest failed", "path", path, "error", err)
		http.Error(w, fmt.Sprintf("ingest: %v", err), http.StatusBadRequest)
		return
	}

	queued := false
	if !res.Deduplicated || force {
		_ = s.queue.Enqueue(r.Context(), async.Job{
			DocumentID:  res.DocumentID,
			Force:       force,
			SubmittedAt: time.Now(),
			TraceID:     middleware.GetReqID(r.Context()),
		})
		queued = true
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(IngestResponse{
		DocumentID:   res.DocumentID.String(),
		SourcePath:   res.SourcePath,
		Deduplicated: res.Deduplicated,
		ContentHash:  res.HashHex,
		Queued:       queued,
	})
}

// spoolUpload writes the uploaded PDF into the spool directory and returns
// its path. On failure the HTTP error is already written.
func (s *Server) spoolUpload(w http.ResponseWriter, r *http.Request) (string, bool, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return "", false, err
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `multipart part "file" is required`, http.StatusBadRequest)
		return "", false, err
	}
	defer file.Close()

	if !constants.AllowedExt(filepath.Ext(hdr.Filename)) {
		http.Error(w, "only PDF uploads are accepted", http.StatusBadRequest)
		return "", false, errors.New("bad extension")
	}
	if err := os.MkdirAll(s.cfg.SpoolDir, 0o755); err != nil {
		s.logger.Error("spool dir create failed", "dir", s.cfg.SpoolDir, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return "", false, err
	}

	dst := filepath.Join(s.cfg.SpoolDir, uuid.NewString()+".pdf")
	out, err := os.Create(dst)
	if err != nil {
		s.logger.Error("spool file create failed", "path", dst, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return "", false, err
	}
	if _, err := io.Copy(out, io.LimitReader(file, maxUploadBytes)); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		s.logger.Error("spool write failed", "path", dst, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return "", false, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return "", false, err
	}

	force := r.FormValue("force") == "true"
	s.logger.Info("upload spooled", "filename", hdr.Filename, "path", dst, "bytes", hdr.Size)
	return dst, force, nil
}

// ListResponse wraps the document summaries for GET /api/v1/documents.
type ListResponse struct {
	Documents []*report.Envelope `json:"documents"`
	Count     int                `json:"count"`
}

// handleList returns document summaries, newest first.
// GET /api/v1/documents?state=DONE&limit=50&offset=0
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state := constants.DocumentState(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state"))))

	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	docs, err := s.store.ListDocuments(r.Context(), state, limit, offset)
	if err != nil {
		s.logger.Error("list documents failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := ListResponse{Documents: make([]*report.Envelope, 0, len(docs)), Count: len(docs)}
	for _, d := range docs {
		out.Documents = append(out.Documents, report.FromDocument(d))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleGet returns the full validated envelope for one document.
// GET /api/v1/documents/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	body, err := s.reports.DocumentEnvelope(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// handleReportXLSX streams the per-page review workbook.
// GET /api/v1/documents/{id}/report.xlsx
func (s *Server) handleReportXLSX(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	body, err := s.reports.DocumentXLSX(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "expedocr-"+id.String()+".xlsx"))
	_, _ = w.Write(body)
}

// handleAudit returns the append-only event trail for one document.
// GET /api/v1/documents/{id}/audit
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": events, "count": len(events)})
}

func (s *Server) writeLookupError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, common.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	s.logger.Error("document lookup failed", "document_id", id, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "id must be a UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, dflt int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return dflt
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return dflt
	}
	return n
}
