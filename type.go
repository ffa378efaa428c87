package main

import (
	"mime"
	"strings"

	"github.com/h2non/bimg"
	"github.com/h2non/filetype"
)

// AllowedMimeTypes is the declared Content-Type whitelist for uploads.
var AllowedMimeTypes = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// NormalizeMimeType strips parameters and lowercases a Content-Type value.
func NormalizeMimeType(value string) string {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(value, ";", 2)[0]))
	}
	return mediaType
}

func IsMimeTypeAllowed(value string) bool {
	_, ok := AllowedMimeTypes[NormalizeMimeType(value)]
	return ok
}

// DetectFormat sniffs the image format from the buffer's magic bytes.
// It returns "" when the content is not one of the accepted formats.
func DetectFormat(buf []byte) string {
	kind, err := filetype.Match(buf)
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	format, ok := AllowedMimeTypes[kind.MIME.Value]
	if !ok {
		return ""
	}
	return format
}

func ImageType(name string) bimg.ImageType {
	switch strings.ToLower(name) {
	case "jpeg", "jpg":
		return bimg.JPEG
	case "png":
		return bimg.PNG
	case "webp":
		return bimg.WEBP
	case "gif":
		return bimg.GIF
	default:
		return bimg.UNKNOWN
	}
}
