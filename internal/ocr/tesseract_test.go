package ocr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
)

// scriptedRunner answers the text pass and the tsv pass separately; the tsv
// pass is recognized by its trailing output-format argument.
type scriptedRunner struct {
	calls   [][]string
	textOut []byte
	textErr error
	tsvOut  []byte
	tsvErr  error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if len(args) > 0 && args[len(args)-1] == "tsv" {
		return r.tsvOut, nil, r.tsvErr
	}
	return r.textOut, nil, r.textErr
}

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t10\t10\t40\t12\t96.5\tACTA\n" +
	"5\t1\t1\t1\t1\t2\t60\t10\t20\t12\t88.1\tNo\n" +
	"5\t1\t1\t1\t1\t3\t90\t10\t20\t12\t91.0\t42\n"

func TestTesseractCLI_Recognize(t *testing.T) {
	runner := &scriptedRunner{
		textOut: []byte("ACTA No 42\n"),
		tsvOut:  []byte(sampleTSV),
	}
	cli := NewTesseractCLI(TesseractConfig{
		Binary:      "/usr/bin/tesseract",
		TessdataDir: "/usr/share/tessdata",
		PSM:         6,
		OEM:         1,
	}, runner, nil)

	res, err := cli.Recognize(context.Background(), Request{ImagePath: "/tmp/p.png", DPI: 300, Language: "spa"})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Text != "ACTA No 42\n" {
		t.Errorf("Text = %q, want raw tesseract output", res.Text)
	}
	if !res.Scored {
		t.Fatal("Scored = false with scored tsv words")
	}
	// mean of 96.5, 88.1 and 91.0 scaled into 0..1
	want := (96.5 + 88.1 + 91.0) / 3 / 100
	if math.Abs(float64(res.Confidence)-want) > 1e-4 {
		t.Errorf("Confidence = %v, want %v", res.Confidence, want)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("runner calls = %d, want text pass + tsv pass", len(runner.calls))
	}
	wantArgs := []string{
		"/usr/bin/tesseract", "/tmp/p.png", "stdout", "-l", "spa",
		"--dpi", "300", "--psm", "6", "--oem", "1",
		"--tessdata-dir", "/usr/share/tessdata",
	}
	if got := strings.Join(runner.calls[0], " "); got != strings.Join(wantArgs, " ") {
		t.Errorf("text pass = %q, want %q", got, strings.Join(wantArgs, " "))
	}
	if got := strings.Join(runner.calls[1], " "); got != strings.Join(append(wantArgs, "tsv"), " ") {
		t.Errorf("tsv pass = %q, want %q", got, strings.Join(append(wantArgs, "tsv"), " "))
	}
}

// Optional settings that were left zero stay off the command line: tesseract
// treats an explicit flag differently from its built-in default.
func TestTesseractCLI_MinimalArgs(t *testing.T) {
	runner := &scriptedRunner{textOut: []byte("x"), tsvOut: []byte(sampleTSV)}
	cli := NewTesseractCLI(TesseractConfig{Binary: "tesseract"}, runner, nil)

	if _, err := cli.Recognize(context.Background(), Request{ImagePath: "p.png", Language: "spa"}); err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	want := "tesseract p.png stdout -l spa"
	if got := strings.Join(runner.calls[0], " "); got != want {
		t.Errorf("text pass = %q, want %q", got, want)
	}
}

// A failed scoring pass must not throw away text that was already
// recognized; the result just comes back unscored.
func TestTesseractCLI_TSVFailureDegrades(t *testing.T) {
	runner := &scriptedRunner{
		textOut: []byte("texto reconocido"),
		tsvErr:  fmt.Errorf("exit status 1"),
	}
	cli := NewTesseractCLI(TesseractConfig{Binary: "tesseract"}, runner, nil)

	res, err := cli.Recognize(context.Background(), Request{ImagePath: "p.png", Language: "spa"})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Text != "texto reconocido" {
		t.Errorf("Text = %q, want the recognized text", res.Text)
	}
	if res.Scored {
		t.Error("Scored = true after a failed tsv pass")
	}
}

// A blank page produces only unscored tsv rows; that is not an error, just
// an unscored result.
func TestTesseractCLI_NoScoredWords(t *testing.T) {
	runner := &scriptedRunner{
		textOut: []byte(""),
		tsvOut: []byte("level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
			"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n"),
	}
	cli := NewTesseractCLI(TesseractConfig{Binary: "tesseract"}, runner, nil)

	res, err := cli.Recognize(context.Background(), Request{ImagePath: "p.png", Language: "spa"})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Scored {
		t.Error("Scored = true for a page with no scored words")
	}
	if res.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", res.Confidence)
	}
}

func TestTesseractCLI_RunFailure(t *testing.T) {
	runner := &scriptedRunner{textErr: fmt.Errorf("exit status 1")}
	cli := NewTesseractCLI(TesseractConfig{Binary: "tesseract"}, runner, nil)

	_, err := cli.Recognize(context.Background(), Request{ImagePath: "p.png", Language: "spa"})
	var xerr *ExecutionError
	if !errors.As(err, &xerr) {
		t.Fatalf("Recognize() error = %v, want *ExecutionError", err)
	}
	if xerr.TimedOut {
		t.Error("TimedOut = true for a plain run failure")
	}
	if xerr.Backend != "tesseract-cli" {
		t.Errorf("Backend = %q, want tesseract-cli", xerr.Backend)
	}
}
