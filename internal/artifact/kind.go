package artifact

import "strings"

// Kind partitions artifacts by media type, one directory per kind.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Dir returns the storage subdirectory for the kind.
func (k Kind) Dir() string {
	switch k {
	case KindImage:
		return "images"
	case KindVideo:
		return "videos"
	case KindAudio:
		return "audio"
	default:
		return ""
	}
}

// Kinds lists all media kinds in storage order.
func Kinds() []Kind {
	return []Kind{KindImage, KindVideo, KindAudio}
}

// KindForDir maps a storage subdirectory back to its kind.
func KindForDir(dir string) (Kind, bool) {
	switch dir {
	case "images":
		return KindImage, true
	case "videos":
		return KindVideo, true
	case "audio":
		return KindAudio, true
	default:
		return "", false
	}
}

// KindForMIME derives the media kind from a MIME type.
func KindForMIME(mime string) (Kind, bool) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage, true
	case strings.HasPrefix(mime, "video/"):
		return KindVideo, true
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio, true
	default:
		return "", false
	}
}

var mimeExtensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/ogg":       ".ogg",
}

var extensionMIMEs = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
}

// ExtensionForMIME returns the canonical file extension for a MIME type.
// Unknown types fall back to ".bin".
func ExtensionForMIME(mime string) string {
	if ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mime))]; ok {
		return ext
	}
	return ".bin"
}

// MIMEForExtension returns the MIME type for a file extension, or
// application/octet-stream when unknown.
func MIMEForExtension(ext string) string {
	if mime, ok := extensionMIMEs[strings.ToLower(ext)]; ok {
		return mime
	}
	return "application/octet-stream"
}
