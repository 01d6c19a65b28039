package report

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/entity"
)

// finishedDoc is a two-page PARTIAL document: one clean direct page, one
// page that exhausted OCR and fell back to manual.
func finishedDoc() *entity.Document {
	id := uuid.New()
	fin := time.Date(2026, 8, 12, 10, 30, 2, 0, time.UTC)
	return &entity.Document{
		ID:          id,
		SourcePath:  "/data/expedientes/acta-2026-081.pdf",
		ContentHash: id[:],
		Language:    "spa",
		State:       constants.StateDone,
		Outcome:     constants.OutcomePartial,
		NeedsReview: true,
		PageCount:   2,
		Pages: []entity.Page{
			{
				DocumentID: id,
				Index:      0,
				Strategy:   constants.StrategyDirectText,
				Metrics: &entity.QualityMetrics{
					EffectiveDPI: 300,
					ResolutionOK: true,
					Contrast:     0.85,
					SkewDegrees:  -1.2,
					TextDensity:  0.031,
				},
				Result: &entity.ExtractionResult{
					Text:       "ACTA DE SESION ORDINARIA",
					Confidence: 1.0,
					Strategy:   constants.StrategyDirectText,
					Elapsed:    42 * time.Millisecond,
				},
			},
			{
				DocumentID:    id,
				Index:         1,
				Strategy:      constants.StrategyOCR,
				NeedsReview:   true,
				FailureReason: "OCRExecutionError",
				Result: &entity.ExtractionResult{
					Strategy:      constants.StrategyManualFallback,
					Elapsed:       1500 * time.Millisecond,
					FailureReason: "OCRExecutionError",
				},
			},
		},
		IngestedAt: time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC),
		FinishedAt: &fin,
		Duration:   2300 * time.Millisecond,
	}
}

// The envelope is the external contract: durations in milliseconds, times as
// RFC 3339 strings, enums as their wire names.
func TestFromDocument(t *testing.T) {
	doc := finishedDoc()
	env := FromDocument(doc)

	if env.ID != doc.ID.String() {
		t.Errorf("ID = %q, want %q", env.ID, doc.ID.String())
	}
	if env.State != "DONE" || env.Outcome != "PARTIAL" {
		t.Errorf("state/outcome = %s/%s, want DONE/PARTIAL", env.State, env.Outcome)
	}
	if env.DurationMS != 2300 {
		t.Errorf("DurationMS = %d, want 2300", env.DurationMS)
	}
	if env.IngestedAt != "2026-08-12T10:30:00Z" {
		t.Errorf("IngestedAt = %q", env.IngestedAt)
	}
	if env.FinishedAt != "2026-08-12T10:30:02Z" {
		t.Errorf("FinishedAt = %q", env.FinishedAt)
	}
	if len(env.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(env.Pages))
	}

	direct := env.Pages[0]
	if direct.Strategy != "DIRECT_TEXT" {
		t.Errorf("page 0 strategy = %q", direct.Strategy)
	}
	if direct.Metrics == nil || direct.Metrics.EffectiveDPI != 300 || direct.Metrics.SkewDegrees != -1.2 {
		t.Errorf("page 0 metrics = %+v", direct.Metrics)
	}
	if direct.Result == nil || direct.Result.ElapsedMS != 42 {
		t.Errorf("page 0 result = %+v, want elapsed_ms 42", direct.Result)
	}

	failed := env.Pages[1]
	if failed.Metrics != nil {
		t.Error("page 1 has metrics it never produced")
	}
	if failed.Result == nil || failed.Result.Strategy != "MANUAL_FALLBACK" || failed.Result.ElapsedMS != 1500 {
		t.Errorf("page 1 result = %+v", failed.Result)
	}
	if failed.FailureReason != "OCRExecutionError" {
		t.Errorf("page 1 failure reason = %q", failed.FailureReason)
	}
}

// An unfinished document has no finished_at at all, not an empty string.
func TestFromDocument_Unfinished(t *testing.T) {
	doc := finishedDoc()
	doc.State = constants.StateIngested
	doc.Outcome = constants.OutcomePending
	doc.FinishedAt = nil
	doc.Duration = 0
	doc.Pages = nil
	doc.PageCount = 0
	doc.NeedsReview = false

	b, err := MarshalEnvelope(doc)
	if err != nil {
		t.Fatalf("MarshalEnvelope() error = %v", err)
	}
	if strings.Contains(string(b), "finished_at") {
		t.Error("unfinished document serialized a finished_at field")
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["state"] != "INGESTED" || m["outcome"] != "PENDING" {
		t.Errorf("state/outcome = %v/%v", m["state"], m["outcome"])
	}
}

// MarshalEnvelope must produce bytes its own schema accepts, for every
// document shape the pipeline can emit.
func TestMarshalEnvelope_MatchesSchema(t *testing.T) {
	b, err := MarshalEnvelope(finishedDoc())
	if err != nil {
		t.Fatalf("MarshalEnvelope() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pages, ok := m["pages"].([]any)
	if !ok || len(pages) != 2 {
		t.Errorf("pages = %v", m["pages"])
	}
}

// A cancelled run can leave pages that were never gated: empty strategy, no
// metrics, no result. The contract must accept them.
func TestMarshalEnvelope_UngatedPages(t *testing.T) {
	doc := finishedDoc()
	doc.State = constants.StateCancelled
	doc.Outcome = constants.OutcomeCancelled
	doc.NeedsReview = false
	doc.Pages = []entity.Page{
		{DocumentID: doc.ID, Index: 0},
		{DocumentID: doc.ID, Index: 1},
	}
	if _, err := MarshalEnvelope(doc); err != nil {
		t.Fatalf("MarshalEnvelope() error = %v for a cancelled run", err)
	}
}

// Any drift between producer and schema must surface as a validation error,
// not reach a consumer.
func TestValidateEnvelope_RejectsDrift(t *testing.T) {
	valid, err := MarshalEnvelope(finishedDoc())
	if err != nil {
		t.Fatalf("MarshalEnvelope() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"outcome outside enum", func(m map[string]any) { m["outcome"] = "EXPLODED" }},
		{"unexpected top-level field", func(m map[string]any) { m["debug"] = true }},
		{"malformed id", func(m map[string]any) { m["id"] = "doc-1" }},
		{"negative page count", func(m map[string]any) { m["page_count"] = -1 }},
		{"page strategy outside enum", func(m map[string]any) {
			m["pages"].([]any)[0].(map[string]any)["strategy"] = "GUESS"
		}},
		{"confidence above one", func(m map[string]any) {
			m["pages"].([]any)[0].(map[string]any)["result"].(map[string]any)["confidence"] = 1.5
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m map[string]any
			if err := json.Unmarshal(valid, &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tc.mutate(m)
			b, err := json.Marshal(m)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if err := ValidateEnvelope(b); err == nil {
				t.Error("ValidateEnvelope() accepted a drifted envelope")
			}
		})
	}
}

func TestValidateEnvelope_RejectsGarbage(t *testing.T) {
	if err := ValidateEnvelope([]byte(`{"id":`)); err == nil {
		t.Error("ValidateEnvelope() accepted malformed JSON")
	}
	if err := ValidateEnvelope([]byte(`[]`)); err == nil {
		t.Error("ValidateEnvelope() accepted a non-object document")
	}
}

func TestService_DocumentEnvelope_Missing(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.DocumentEnvelope(context.Background(), uuid.New()); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("DocumentEnvelope() error = %v, want ErrNotFound", err)
	}
}
