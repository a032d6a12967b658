package constants

import "strings"

// DocumentFormats holds the coarse formats recorded on a fax job.
var DocumentFormats = []string{"PDF", "IMAGE"}

// AllowedContentTypes maps the inbound content types accepted at ingestion to their format.
var AllowedContentTypes = map[string]string{
	"application/pdf": "PDF",
	"image/png":       "IMAGE",
	"image/jpeg":      "IMAGE",
	"image/tiff":      "IMAGE",
}

// AllowedExtensions holds the file extensions picked up by the inbox watcher.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"tif":  {},
	"tiff": {},
}

// DocumentKind distinguishes inbound documents from artifacts derived by the pipeline.
type DocumentKind string

const (
	DocumentRaw     DocumentKind = "raw"
	DocumentDerived DocumentKind = "derived"
)

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// FormatForContentType returns "PDF" or "IMAGE" for an accepted content type.
func FormatForContentType(contentType string) (string, bool) {
	base := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	f, ok := AllowedContentTypes[base]
	return f, ok
}
