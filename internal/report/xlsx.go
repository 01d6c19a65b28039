package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/expedocr/expedocr/internal/entity"
	"github.com/expedocr/expedocr/internal/repository"
)

// Service is a tiny façade over the store that renders documents for export.
type Service struct {
	store  repository.Store
	logger *slog.Logger
}

func NewService(store repository.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// DocumentEnvelope loads a document and serializes it as a validated envelope.
func (s *Service) DocumentEnvelope(ctx context.Context, id uuid.UUID) ([]byte, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return MarshalEnvelope(doc)
}

// DocumentXLSX returns an XLSX workbook (as bytes) with one row per page of
// the document, for reviewers triaging manual-fallback and low-confidence
// pages.
func (s *Service) DocumentXLSX(ctx context.Context, id uuid.UUID) ([]byte, error) {
	start := time.Now()

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	const sheet = "Pages"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Page",
		"Gate Strategy",
		"Result Strategy",
		"Confidence",
		"Needs Review",
		"Failure Reason",
		"Effective DPI",
		"Contrast",
		"Skew (deg)",
		"Text Density",
		"Text Preview",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for i := range doc.Pages {
		p := &doc.Pages[i]

		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, p.Index+1)
		write(2, string(p.Strategy))

		if p.Result != nil {
			write(3, string(p.Result.Strategy))
			write(4, fmt.Sprintf("%.2f", p.Result.Confidence))
		} else {
			write(3, "")
			write(4, "")
		}

		write(5, p.NeedsReview)
		write(6, firstNonEmpty(p.FailureReason, resultReason(p)))

		if p.Metrics != nil {
			write(7, fmt.Sprintf("%.0f", p.Metrics.EffectiveDPI))
			write(8, fmt.Sprintf("%.2f", p.Metrics.Contrast))
			write(9, fmt.Sprintf("%.1f", p.Metrics.SkewDegrees))
			write(10, fmt.Sprintf("%.2f", p.Metrics.TextDensity))
		}

		if p.Result != nil {
			write(11, truncate(p.Result.Text, 140))
		}

		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 6)  // page
	_ = f.SetColWidth(sheet, "B", "C", 18) // strategies
	_ = f.SetColWidth(sheet, "D", "D", 11) // confidence
	_ = f.SetColWidth(sheet, "E", "F", 16) // review + reason
	_ = f.SetColWidth(sheet, "G", "J", 12) // metrics
	_ = f.SetColWidth(sheet, "K", "K", 60) // preview

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("report.xlsx.ok",
		"document_id", doc.ID.String(),
		"rows", len(doc.Pages),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func resultReason(p *entity.Page) string {
	if p.Result == nil {
		return ""
	}
	return p.Result.FailureReason
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
