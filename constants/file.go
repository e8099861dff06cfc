package constants

import (
	"mime"
	"net/http"
	"strings"
)

// Formats for the routing decision in the batch orchestrator.
const (
	PDF   = "PDF"
	IMAGE = "IMAGE"
)

// AllowedExtensions holds the file extensions accepted for comprobante uploads.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"tif":  {},
	"tiff": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MapExtToFormat maps a file extension to a processing format.
// Unknown extensions return "".
func MapExtToFormat(ext string) string {
	switch NormalizeExt(ext) {
	case "pdf":
		return PDF
	case "jpg", "jpeg", "png", "tif", "tiff":
		return IMAGE
	default:
		return ""
	}
}

// GuessMime resolves a MIME type for an upload: extension first, then a
// magic-byte sniff over the leading bytes for extensionless uploads.
func GuessMime(filename string, sample []byte) string {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		switch NormalizeExt(filename[i:]) {
		case "pdf":
			return "application/pdf"
		case "jpg", "jpeg":
			return "image/jpeg"
		case "png":
			return "image/png"
		case "tif", "tiff":
			return "image/tiff"
		}
		if mt := mime.TypeByExtension(filename[i:]); mt != "" {
			if j := strings.Index(mt, ";"); j >= 0 {
				mt = strings.TrimSpace(mt[:j])
			}
			return mt
		}
	}
	if len(sample) > 0 {
		if mt := http.DetectContentType(sample); mt != "application/octet-stream" {
			if j := strings.Index(mt, ";"); j >= 0 {
				mt = strings.TrimSpace(mt[:j])
			}
			return mt
		}
	}
	return "application/octet-stream"
}
