// Package classifier infers an uploaded file's format from its declared
// content type and its object key.
package classifier

import (
	"path"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
)

// Classification is the outcome of Classify. Ext is the lower-cased
// extension of the key without the dot, empty when the key has none.
type Classification struct {
	Format ingestion.Format `json:"format"`
	Ext    string           `json:"ext"`
}

var byContentType = map[string]ingestion.Format{
	"application/pdf": ingestion.FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ingestion.FormatDOCX,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ingestion.FormatXLSX,
	"application/vnd.ms-excel":                                                ingestion.FormatXLSX,
}

var byExtension = map[string]ingestion.Format{
	"pdf":  ingestion.FormatPDF,
	"docx": ingestion.FormatDOCX,
	"xlsx": ingestion.FormatXLSX,
	"xls":  ingestion.FormatXLSX,
}

// Classify never fails: anything it does not recognise is FormatUnknown.
// A declared content type wins over the extension.
func Classify(contentType, fileKey string) Classification {
	ext := Extension(fileKey)
	if f, ok := byContentType[mediaType(contentType)]; ok {
		return Classification{Format: f, Ext: ext}
	}
	if f, ok := byExtension[ext]; ok {
		return Classification{Format: f, Ext: ext}
	}
	return Classification{Format: ingestion.FormatUnknown, Ext: ext}
}

// Extension returns the lower-cased extension of key, ignoring any query
// string or fragment (pre-signed URLs are sometimes passed by mistake).
func Extension(key string) string {
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		key = key[:i]
	}
	ext := path.Ext(key)
	if ext == "" || ext == "." {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// PathFor maps a format to the extraction branch that handles it.
func PathFor(f ingestion.Format) ingestion.Path {
	switch f {
	case ingestion.FormatXLSX:
		return ingestion.PathSheet
	case ingestion.FormatPDF, ingestion.FormatDOCX:
		return ingestion.PathOCR
	default:
		return ingestion.PathNone
	}
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
