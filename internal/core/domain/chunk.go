package domain

import (
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"time"
)

// IntermediatePrefix marks scratch artifacts produced by a finalize attempt.
// Sanitized chunk names can never start with it.
const IntermediatePrefix = "~"

const maxChunkNameLen = 128

var allowedVideoTypes = map[string]string{
	"video/webm":       ".webm",
	"video/mp4":        ".mp4",
	"video/ogg":        ".ogv",
	"video/x-matroska": ".mkv",
	"video/quicktime":  ".mov",
	"video/avi":        ".avi",
}

// ChunkUpload is one uploaded fragment as received from a client.
type ChunkUpload struct {
	Filename string
	MimeType string
	Body     io.Reader
}

type ChunkReceipt struct {
	ExternalRef string `json:"external_ref"`
	Chunk       string `json:"chunk"`
	Bytes       int64  `json:"bytes"`
	Pending     int    `json:"pending"`
}

// VideoExtension reports the file extension for an accepted video MIME type.
func VideoExtension(mimeType string) (string, bool) {
	mediaType := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	ext, ok := allowedVideoTypes[mediaType]
	return ext, ok
}

var chunkSeq atomic.Uint64

// NewChunkName returns a name whose lexicographic order follows creation order.
func NewChunkName(now time.Time, ext string) string {
	seq := chunkSeq.Add(1) % 1_000_000
	return fmt.Sprintf("chunk-%019d-%06d%s", now.UTC().UnixNano(), seq, ext)
}

// SanitizeChunkName reduces a client supplied filename to a safe basename.
// Directory components are dropped, characters outside [A-Za-z0-9._-] become
// underscores and leading dots are stripped. fallbackExt is appended when the
// result carries no extension.
func SanitizeChunkName(raw, fallbackExt string) (string, error) {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = ""
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	base = strings.TrimLeft(base, ".")
	if base == "" || strings.Trim(base, "_") == "" {
		return "", WrapError(ErrInvalidInput, "sanitize chunk name", fmt.Errorf("unusable filename %q", raw))
	}
	if path.Ext(base) == "" {
		base += fallbackExt
	}
	if len(base) > maxChunkNameLen {
		ext := path.Ext(base)
		if len(ext) > 16 {
			ext = ""
		}
		base = base[:maxChunkNameLen-len(ext)] + ext
	}
	return base, nil
}

// IsPlainName reports whether name is a bare filename that cannot escape its
// directory and is not an intermediate or hidden artifact.
func IsPlainName(name string) bool {
	if name == "" || len(name) > maxChunkNameLen+64 {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, IntermediatePrefix) {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return true
}
