package pdftext

import "testing"

func TestTextFromStream_TjOperator(t *testing.T) {
	stream := []byte("BT\n/F1 12 Tf\n(ACTA DE SESION) Tj\nET\n")
	if got := textFromStream(stream); got != "ACTA DE SESION" {
		t.Errorf("textFromStream() = %q, want %q", got, "ACTA DE SESION")
	}
}

// TJ arrays interleave kerning numbers with string fragments; only the
// fragments are text.
func TestTextFromStream_TJArray(t *testing.T) {
	stream := []byte("BT\n[(Expe)-250(diente)] TJ\nET\n")
	if got := textFromStream(stream); got != "Expediente" {
		t.Errorf("textFromStream() = %q, want %q", got, "Expediente")
	}
}

// Positioning operators separate words and lines: Td becomes a space, T*
// a line break. A leading Td must not produce a leading space.
func TestTextFromStream_PositioningBecomesWhitespace(t *testing.T) {
	stream := []byte("BT\n72 700 Td\n(uno) Tj\n10 0 Td\n(dos) Tj\nT*\n(tres) Tj\nET\n")
	if got := textFromStream(stream); got != "uno dos\ntres" {
		t.Errorf("textFromStream() = %q, want %q", got, "uno dos\ntres")
	}
}

// The quote operators show text on the next line.
func TestTextFromStream_QuoteOperators(t *testing.T) {
	stream := []byte("BT\n(uno) Tj\n(dos) '\n0.5 0.5 (tres) \"\nET\n")
	if got := textFromStream(stream); got != "uno\ndos\ntres" {
		t.Errorf("textFromStream() = %q, want %q", got, "uno\ndos\ntres")
	}
}

// A page of pure graphics has no text layer; that is an empty string, not
// an error.
func TestTextFromStream_GraphicsOnly(t *testing.T) {
	stream := []byte("q\n1 0 0 1 0 0 cm\n0 0 612 792 re\nf\nQ\n")
	if got := textFromStream(stream); got != "" {
		t.Errorf("textFromStream() = %q, want empty", got)
	}
}

func TestDecodePDFString(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "acta", "acta"},
		{"newline escape", `a\nb`, "a\nb"},
		{"tab escape", `a\tb`, "a\tb"},
		{"escaped parens", `\(x\)`, "(x)"},
		{"escaped backslash", `a\\b`, `a\b`},
		{"octal three digits", `\101BC`, "ABC"},
		{"octal two digits", `a\12b`, "a\nb"},
		{"octal stops at non-digit", `\0458`, "%8"},
		{"unknown escape passes through", `\z`, "z"},
		{"trailing backslash kept", `ab\`, `ab\`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := decodePDFString([]byte(tc.in)); got != tc.want {
				t.Errorf("decodePDFString(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCleanText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"collapses space runs", "uno   dos", "uno dos"},
		{"keeps line breaks", "uno\n\ndos", "uno\n\ndos"},
		{"trims surrounding space", "  acta  ", "acta"},
		{"drops control characters", "ac\x07ta", "acta"},
		{"tab reads as space", "folio\t42", "folio 42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cleanText(tc.in); got != tc.want {
				t.Errorf("cleanText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
