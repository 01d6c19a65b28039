// Package pdftext reads a PDF's embedded text layer per page without
// rendering. It parses content stream text operators directly, which is
// enough to measure whether a usable text layer exists and to return it
// when it does; image-only pages simply come back empty.
package pdftext

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Document is a validated, in-memory PDF. Open reads the whole file; the
// handle needs no Close.
type Document struct {
	path   string
	ctx    *model.Context
	dims   []types.Dim
	logger *slog.Logger
}

// Open validates and optimizes the PDF at path. Structural corruption
// surfaces here, before any page work is scheduled.
func Open(path string, logger *slog.Logger) (*Document, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read %s: %w", path, err)
	}
	dims, err := ctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("pdfcpu page dims %s: %w", path, err)
	}
	return &Document{path: path, ctx: ctx, dims: dims, logger: logger}, nil
}

func (d *Document) Path() string { return d.path }

func (d *Document) PageCount() int { return d.ctx.PageCount }

// PageSize returns the page's media box in points. Pages are 0-indexed.
func (d *Document) PageSize(pageIndex int) (w, h float64, err error) {
	if pageIndex < 0 || pageIndex >= len(d.dims) {
		return 0, 0, fmt.Errorf("page %d out of range (0..%d)", pageIndex, len(d.dims)-1)
	}
	dim := d.dims[pageIndex]
	return dim.Width, dim.Height, nil
}

// PageText returns the page's text layer. An unparseable content stream is
// an empty text layer, not an error; the page will route through OCR or
// manual fallback on quality grounds.
func (d *Document) PageText(pageIndex int) (string, error) {
	if pageIndex < 0 || pageIndex >= d.ctx.PageCount {
		return "", fmt.Errorf("page %d out of range (0..%d)", pageIndex, d.ctx.PageCount-1)
	}
	r, err := pdfcpu.ExtractPageContent(d.ctx, pageIndex+1)
	if err != nil {
		d.logger.Debug("pdftext.page.no_content", "path", d.path, "page_index", pageIndex, "error", err)
		return "", nil
	}
	if r == nil {
		return "", nil
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return "", nil
	}
	return textFromStream(data), nil
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// textFromStream walks content stream lines and collects the text-showing
// operators: Tj, TJ and the quote forms. Positioning operators become
// whitespace so words and lines stay separated.
func textFromStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")), bytes.HasSuffix(line, []byte("\"")):
			if bytes.Contains(line, []byte("(")) {
				sb.WriteByte('\n')
				for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
					sb.WriteString(decodePDFString(m[1]))
				}
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanText(sb.String())
}

// decodePDFString handles the standard escape sequences, including octal.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// cleanText collapses runs of spaces and drops unprintables but keeps line
// breaks, so the returned layer still reads page-shaped.
func cleanText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			sb.WriteByte('\n')
			prevSpace = true
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
