package attachment

import (
	"mime"
	"strings"
)

const defaultExtension = "bin"

// extensions is scanned in order and the first matching media type wins.
var extensions = []struct {
	mediaType string
	ext       string
}{
	{"image/png", "png"},
	{"image/jpeg", "jpg"},
	{"image/jpg", "jpg"},
	{"image/gif", "gif"},
	{"image/webp", "webp"},
	{"image/heic", "heic"},
	{"image/heif", "heif"},
	{"image/avif", "avif"},
	{"image/bmp", "bmp"},
	{"image/tiff", "tiff"},
	{"image/svg+xml", "svg"},
	{"video/mp4", "mp4"},
	{"video/quicktime", "mov"},
	{"video/webm", "webm"},
	{"video/3gpp", "3gp"},
	{"video/mpeg", "mpeg"},
	{"audio/aac", "aac"},
	{"audio/mp4", "m4a"},
	{"audio/mpeg", "mp3"},
	{"audio/ogg", "ogg"},
	{"audio/opus", "opus"},
	{"audio/wav", "wav"},
	{"audio/x-wav", "wav"},
	{"audio/flac", "flac"},
	{"application/pdf", "pdf"},
	{"application/zip", "zip"},
	{"application/gzip", "gz"},
	{"application/json", "json"},
	{"application/msword", "doc"},
	{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "docx"},
	{"application/vnd.ms-excel", "xls"},
	{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx"},
	{"application/vnd.ms-powerpoint", "ppt"},
	{"application/vnd.openxmlformats-officedocument.presentationml.presentation", "pptx"},
	{"application/vnd.android.package-archive", "apk"},
	{"text/plain", "txt"},
	{"text/x-signal-plain", "txt"},
	{"text/html", "html"},
	{"text/csv", "csv"},
	{"text/markdown", "md"},
	{"text/vcard", "vcf"},
	{"text/x-vcard", "vcf"},
	{"application/octet-stream", "bin"},
}

// Extension returns the file extension for a MIME type, "bin" when the
// type is absent or unknown. Parameters such as charset are ignored.
func Extension(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return defaultExtension
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	for _, e := range extensions {
		if e.mediaType == mediaType {
			return e.ext
		}
	}
	return defaultExtension
}
