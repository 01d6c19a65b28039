package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/async"
	"github.com/expedocr/expedocr/internal/entity"
	"github.com/expedocr/expedocr/internal/ingest"
	"github.com/expedocr/expedocr/internal/report"
	"github.com/expedocr/expedocr/internal/repository"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []async.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, j async.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *fakeQueue) Shutdown(context.Context) {}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fakeProbe struct{ err error }

func (p fakeProbe) Health(context.Context) error { return p.err }

func newTestServer(t *testing.T, probes ...NamedProbe) (*Server, *fakeQueue, repository.Store) {
	t.Helper()
	store := repository.OpenMemory(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := &fakeQueue{}
	ing := ingest.NewFSIngestor(store, "spa", logger)
	rep := report.NewService(store, logger)
	cfg := Config{Addr: ":0", SpoolDir: filepath.Join(t.TempDir(), "spool")}
	return New(cfg, store, ing, q, rep, probes, logger), q, store
}

func doRequest(t *testing.T, s *Server, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

var pdfBytes = []byte("%PDF-1.4\nexpediente http\n%%EOF\n")

func writePDF(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, pdfBytes, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHandleIngest_JSON(t *testing.T) {
	s, q, _ := newTestServer(t)
	path := writePDF(t, "acta.pdf")

	body, _ := json.Marshal(IngestRequest{Path: path})
	rec := doRequest(t, s, http.MethodPost, "/api/v1/documents", bytes.NewReader(body), "application/json")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id, err := uuid.Parse(resp.DocumentID)
	if err != nil {
		t.Fatalf("DocumentID = %q, want a UUID", resp.DocumentID)
	}
	if resp.Deduplicated || !resp.Queued {
		t.Errorf("dedup/queued = %t/%t, want false/true", resp.Deduplicated, resp.Queued)
	}
	if len(resp.ContentHash) != 64 {
		t.Errorf("ContentHash = %q, want a sha256 hex", resp.ContentHash)
	}

	if q.count() != 1 {
		t.Fatalf("queued jobs = %d, want 1", q.count())
	}
	if q.jobs[0].DocumentID != id {
		t.Error("queued job carries a different document")
	}
	if q.jobs[0].TraceID == "" {
		t.Error("job has no trace id from the request")
	}

	// the registered document is immediately visible
	get := doRequest(t, s, http.MethodGet, "/api/v1/documents/"+resp.DocumentID, nil, "")
	if get.Code != http.StatusOK {
		t.Fatalf("GET status = %d: %s", get.Code, get.Body)
	}
	if !strings.Contains(get.Body.String(), `"INGESTED"`) {
		t.Errorf("GET body = %s, want state INGESTED", get.Body)
	}
}

// Re-posting a known file acknowledges the existing document without queueing
// duplicate work; force overrides that.
func TestHandleIngest_Deduplicated(t *testing.T) {
	s, q, _ := newTestServer(t)
	path := writePDF(t, "acta.pdf")

	body, _ := json.Marshal(IngestRequest{Path: path})
	doRequest(t, s, http.MethodPost, "/api/v1/documents", bytes.NewReader(body), "application/json")

	rec := doRequest(t, s, http.MethodPost, "/api/v1/documents", bytes.NewReader(body), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp IngestResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Deduplicated || resp.Queued {
		t.Errorf("dedup/queued = %t/%t, want true/false", resp.Deduplicated, resp.Queued)
	}
	if q.count() != 1 {
		t.Errorf("jobs = %d, duplicate was queued", q.count())
	}

	forced, _ := json.Marshal(IngestRequest{Path: path, Force: true})
	rec = doRequest(t, s, http.MethodPost, "/api/v1/documents", bytes.NewReader(forced), "application/json")
	var forcedResp IngestResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &forcedResp)
	if !forcedResp.Queued {
		t.Error("force=true did not queue reprocessing")
	}
	if q.count() != 2 {
		t.Errorf("jobs = %d, want 2 after force", q.count())
	}
}

func TestHandleIngest_BadRequests(t *testing.T) {
	s, _, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"path":`},
		{"missing path", `{}`},
		{"blank path", `{"path": "   "}`},
		{"unreadable path", `{"path": "/no/such/file.pdf"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/v1/documents", strings.NewReader(tc.body), "application/json")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleIngest_Upload(t *testing.T) {
	s, q, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "acta.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(pdfBytes); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	rec := doRequest(t, s, http.MethodPost, "/api/v1/documents", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp IngestResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Queued {
		t.Error("upload not queued")
	}
	if !strings.HasPrefix(resp.SourcePath, s.cfg.SpoolDir) {
		t.Errorf("SourcePath = %q, want parked under the spool dir", resp.SourcePath)
	}

	entries, err := os.ReadDir(s.cfg.SpoolDir)
	if err != nil || len(entries) != 1 {
		t.Errorf("spool dir entries = %d (%v), want exactly the upload", len(entries), err)
	}
	if q.count() != 1 {
		t.Errorf("jobs = %d, want 1", q.count())
	}
}

func TestHandleIngest_UploadRejectsNonPDF(t *testing.T) {
	s, _, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "notas.txt")
	_, _ = fw.Write([]byte("texto"))
	mw.Close()

	rec := doRequest(t, s, http.MethodPost, "/api/v1/documents", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func seedDocument(t *testing.T, store repository.Store, state constants.DocumentState, at time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	doc := &entity.Document{
		ID:          id,
		SourcePath:  "/data/expedientes/" + id.String() + ".pdf",
		ContentHash: id[:],
		Language:    "spa",
		State:       state,
		Outcome:     constants.OutcomePending,
		IngestedAt:  at,
	}
	if err := store.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return id
}

func TestHandleList(t *testing.T) {
	s, _, store := newTestServer(t)
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	seedDocument(t, store, constants.StateIngested, base)
	newest := seedDocument(t, store, constants.StateAssessing, base.Add(2*time.Second))
	seedDocument(t, store, constants.StateIngested, base.Add(1*time.Second))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/documents", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Documents []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"documents"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 3 || len(out.Documents) != 3 {
		t.Fatalf("count = %d/%d, want 3", out.Count, len(out.Documents))
	}
	if out.Documents[0].ID != newest.String() {
		t.Error("list is not newest first")
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/documents?state=assessing", nil, "")
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Count != 1 || out.Documents[0].State != "ASSESSING" {
		t.Errorf("filtered count = %d, want the one ASSESSING document", out.Count)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/documents?limit=2", nil, "")
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Count != 2 {
		t.Errorf("limited count = %d, want 2", out.Count)
	}
}

func TestHandleGet_Errors(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/documents/not-a-uuid", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/api/v1/documents/"+uuid.NewString(), nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestHandleAudit(t *testing.T) {
	s, _, store := newTestServer(t)
	id := seedDocument(t, store, constants.StateIngested, time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	for _, ev := range []string{"state_changed", "page_gated"} {
		err := store.AppendAudit(context.Background(), &entity.AuditEvent{
			DocumentID: id, At: time.Now().UTC(), Event: ev,
		})
		if err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/documents/"+id.String()+"/audit", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 2 {
		t.Errorf("count = %d, want 2", out.Count)
	}
}

func TestHandleReportXLSX(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()
	id := seedDocument(t, store, constants.StateIngested, time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	doc, err := store.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	fin := time.Date(2026, 8, 1, 9, 0, 2, 0, time.UTC)
	doc.State = constants.StateDone
	doc.Outcome = constants.OutcomeDirect
	doc.PageCount = 1
	doc.FinishedAt = &fin
	doc.Duration = 2 * time.Second
	doc.Pages = []entity.Page{{
		DocumentID: id,
		Index:      0,
		Strategy:   constants.StrategyDirectText,
		Result: &entity.ExtractionResult{
			Text:       "ACTA DE SESION",
			Confidence: 1.0,
			Strategy:   constants.StrategyDirectText,
		},
	}}
	if err := store.Finish(ctx, doc); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/documents/"+id.String()+"/report.xlsx", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, id.String()) {
		t.Errorf("Content-Disposition = %q, want the document id", cd)
	}
	// xlsx is a zip container
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Error("body is not a workbook")
	}
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t, NamedProbe{Name: "tesseract", Probe: fakeProbe{}})

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Checks["store"] != "ok" || resp.Checks["tesseract"] != "ok" {
		t.Errorf("health = %+v", resp)
	}
}

func TestHandleHealth_Degraded(t *testing.T) {
	s, _, _ := newTestServer(t, NamedProbe{
		Name:  "tesseract",
		Probe: fakeProbe{err: errors.New("binary missing")},
	})

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp HealthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "degraded" {
		t.Errorf("Status = %q", resp.Status)
	}
	if !strings.Contains(resp.Checks["tesseract"], "binary missing") {
		t.Errorf("Checks = %v, want the probe failure surfaced", resp.Checks)
	}
}
