// validation.go - File name sanitisation, collision naming and MIME lookup.
package server

import (
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const (
	// fallbackName replaces a name that sanitises to nothing.
	fallbackName = "file.bin"
	// defaultUploadName is used when the upload carries no name parameter.
	defaultUploadName = "upload.bin"

	maxNameBytes = 255
)

// SanitizeFilename drops path separators, shell and Windows reserved
// characters and control characters, then trims surrounding spaces.
// Names that end up empty or consisting only of dots become "file.bin".
func SanitizeFilename(filename string) string {
	var sb strings.Builder
	for _, r := range filename {
		if r == utf8.RuneError || unicode.IsControl(r) {
			continue
		}
		if strings.ContainsRune(`\/;:*?"<>|`, r) {
			continue
		}
		sb.WriteRune(r)
	}
	name := strings.TrimSpace(sb.String())

	if len(name) > maxNameBytes {
		ext := filepath.Ext(name)
		if len(ext) >= maxNameBytes {
			ext = ""
		}
		stem := truncateUTF8(name[:len(name)-len(ext)], maxNameBytes-len(ext))
		name = stem + ext
	}

	if strings.Trim(name, ".") == "" {
		return fallbackName
	}
	return name
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// candidateName returns name for attempt 0 and "base(n).ext" afterwards.
// A leading dot does not start an extension.
func candidateName(name string, attempt int) string {
	if attempt == 0 {
		return name
	}
	base, ext := name, ""
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		base, ext = name[:dot], name[dot:]
	}
	suffix := "(" + strconv.Itoa(attempt) + ")"
	if over := len(base) + len(suffix) + len(ext) - maxNameBytes; over > 0 {
		if over > len(base) {
			// Only the extension can give way.
			ext = truncateUTF8(ext, len(ext)-(over-len(base)))
			over = len(base)
		}
		base = truncateUTF8(base, len(base)-over)
	}
	return base + suffix + ext
}

// foldName maps a name to its case-insensitive comparison key.
func foldName(name string) string {
	return cases.Fold().String(name)
}

// sameName reports whether a and b name the same file, ignoring case.
func sameName(a, b string) bool {
	return foldName(a) == foldName(b)
}

// MimeType guesses a content type from the file extension.
func MimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".apk":
		return "application/vnd.android.package-archive"
	}
	return "application/octet-stream"
}
