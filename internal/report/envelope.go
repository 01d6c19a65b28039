// Package report renders finished documents for consumers: a schema-checked
// JSON envelope for machine clients and an XLSX workbook for review queues.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/expedocr/expedocr/constants"
	"github.com/expedocr/expedocr/internal/entity"
)

// Envelope is the stable JSON shape handed to downstream consumers. Entities
// stay internal; this is the contract.
type Envelope struct {
	ID            string      `json:"id"`
	SourcePath    string      `json:"source_path"`
	Language      string      `json:"language"`
	State         string      `json:"state"`
	Outcome       string      `json:"outcome"`
	NeedsReview   bool        `json:"needs_review"`
	FailureReason string      `json:"failure_reason,omitempty"`
	PageCount     int         `json:"page_count"`
	Pages         []PageEntry `json:"pages"`
	IngestedAt    string      `json:"ingested_at"`
	FinishedAt    string      `json:"finished_at,omitempty"`
	DurationMS    int64       `json:"duration_ms"`
}

type PageEntry struct {
	Index         int          `json:"index"`
	Strategy      string       `json:"strategy"`
	NeedsReview   bool         `json:"needs_review"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Metrics       *PageMetrics `json:"metrics,omitempty"`
	Result        *PageResult  `json:"result,omitempty"`
}

type PageMetrics struct {
	EffectiveDPI float64 `json:"effective_dpi"`
	ResolutionOK bool    `json:"resolution_ok"`
	Contrast     float64 `json:"contrast"`
	SkewDegrees  float64 `json:"skew_degrees"`
	TextDensity  float64 `json:"text_density"`
}

type PageResult struct {
	Text          string  `json:"text,omitempty"`
	Confidence    float32 `json:"confidence"`
	Strategy      string  `json:"strategy"`
	ElapsedMS     int64   `json:"elapsed_ms"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// FromDocument maps an entity onto the envelope contract. Durations become
// milliseconds and timestamps RFC 3339 strings here, not in the entity.
func FromDocument(doc *entity.Document) *Envelope {
	env := &Envelope{
		ID:            doc.ID.String(),
		SourcePath:    doc.SourcePath,
		Language:      doc.Language,
		State:         string(doc.State),
		Outcome:       string(doc.Outcome),
		NeedsReview:   doc.NeedsReview,
		FailureReason: doc.FailureReason,
		PageCount:     doc.PageCount,
		Pages:         make([]PageEntry, 0, len(doc.Pages)),
		IngestedAt:    doc.IngestedAt.UTC().Format(timeLayout),
		DurationMS:    doc.Duration.Milliseconds(),
	}
	if doc.FinishedAt != nil {
		env.FinishedAt = doc.FinishedAt.UTC().Format(timeLayout)
	}
	for i := range doc.Pages {
		env.Pages = append(env.Pages, pageEntry(&doc.Pages[i]))
	}
	return env
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func pageEntry(p *entity.Page) PageEntry {
	e := PageEntry{
		Index:         p.Index,
		Strategy:      string(p.Strategy),
		NeedsReview:   p.NeedsReview,
		FailureReason: p.FailureReason,
	}
	if p.Metrics != nil {
		e.Metrics = &PageMetrics{
			EffectiveDPI: p.Metrics.EffectiveDPI,
			ResolutionOK: p.Metrics.ResolutionOK,
			Contrast:     p.Metrics.Contrast,
			SkewDegrees:  p.Metrics.SkewDegrees,
			TextDensity:  p.Metrics.TextDensity,
		}
	}
	if p.Result != nil {
		e.Result = &PageResult{
			Text:          p.Result.Text,
			Confidence:    p.Result.Confidence,
			Strategy:      string(p.Result.Strategy),
			ElapsedMS:     p.Result.Elapsed.Milliseconds(),
			FailureReason: p.Result.FailureReason,
		}
	}
	return e
}

// MarshalEnvelope serializes a document as a validated envelope. Validation
// failure means the envelope and schema drifted apart; that is a bug, not
// bad input.
func MarshalEnvelope(doc *entity.Document) ([]byte, error) {
	b, err := json.MarshalIndent(FromDocument(doc), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := ValidateEnvelope(b); err != nil {
		return nil, err
	}
	return b, nil
}

// BuildEnvelopeSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map. The same schema ships to consumers so they can verify what
// they receive.
func BuildEnvelopeSchema() map[string]any {
	strategies := []string{
		string(constants.StrategyDirectText),
		string(constants.StrategyOCR),
		string(constants.StrategyManualFallback),
	}
	// Pages of a cancelled run may never have been gated.
	pageStrategies := append([]string{""}, strategies...)

	metrics := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"effective_dpi": map[string]any{"type": "number", "minimum": 0.0},
			"resolution_ok": map[string]any{"type": "boolean"},
			"contrast":      map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
			"skew_degrees":  map[string]any{"type": "number"},
			"text_density":  map[string]any{"type": "number", "minimum": 0.0},
		},
		"required": []string{"effective_dpi", "resolution_ok", "contrast", "skew_degrees", "text_density"},
	}
	result := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"text":           map[string]any{"type": "string"},
			"confidence":     map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
			"strategy":       map[string]any{"type": "string", "enum": strategies},
			"elapsed_ms":     map[string]any{"type": "integer", "minimum": 0},
			"failure_reason": map[string]any{"type": "string"},
		},
		"required": []string{"confidence", "strategy", "elapsed_ms"},
	}
	page := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"index":          map[string]any{"type": "integer", "minimum": 0},
			"strategy":       map[string]any{"type": "string", "enum": pageStrategies},
			"needs_review":   map[string]any{"type": "boolean"},
			"failure_reason": map[string]any{"type": "string"},
			"metrics":        metrics,
			"result":         result,
		},
		"required": []string{"index", "strategy", "needs_review"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"id":          map[string]any{"type": "string", "pattern": `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`},
			"source_path": map[string]any{"type": "string", "minLength": 1},
			"language":    map[string]any{"type": "string"},
			"state": map[string]any{"type": "string", "enum": []string{
				string(constants.StateIngested),
				string(constants.StateAssessing),
				string(constants.StateExtracting),
				string(constants.StateAggregating),
				string(constants.StateDone),
				string(constants.StateCancelled),
			}},
			"outcome": map[string]any{"type": "string", "enum": []string{
				string(constants.OutcomePending),
				string(constants.OutcomeDirect),
				string(constants.OutcomeOCRRecovered),
				string(constants.OutcomePartial),
				string(constants.OutcomeManualRequired),
				string(constants.OutcomeCancelled),
			}},
			"needs_review":   map[string]any{"type": "boolean"},
			"failure_reason": map[string]any{"type": "string"},
			"page_count":     map[string]any{"type": "integer", "minimum": 0},
			"pages":          map[string]any{"type": "array", "items": page},
			"ingested_at":    map[string]any{"type": "string", "pattern": datePattern},
			"finished_at":    map[string]any{"type": "string", "pattern": datePattern},
			"duration_ms":    map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"id", "source_path", "state", "outcome", "needs_review", "page_count", "pages", "ingested_at", "duration_ms"},
	}
}

const datePattern = `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(BuildEnvelopeSchema())
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("envelope.json")
	})
	return schema, schemaErr
}

// ValidateEnvelope validates serialized envelope bytes against the contract.
func ValidateEnvelope(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("envelope does not match schema: %w", err)
	}
	return nil
}
