package constants

import "strings"

// AllowedExtensions holds the file extensions accepted for expediente ingestion.
// Expedientes arrive as PDFs only; scans embedded in other containers are
// normalized upstream before they reach us.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// AllowedExt reports whether ext (with or without dot, any case) is ingestible.
func AllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}
