package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openweaver/wisp/internal/providers"
)

// maxImageBytes bounds what we base64 into a single prompt.
const maxImageBytes = 10 * 1024 * 1024

// loadImages reads local image files into base64 ImageContent for vision
// models. Non-image paths (documents already inlined as text by the
// channel) and unreadable files are skipped with a warning.
func loadImages(paths []string) []providers.ImageContent {
	if len(paths) == 0 {
		return nil
	}

	var images []providers.ImageContent
	for _, p := range paths {
		mime := imageMime(p)
		if mime == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: cannot read image", "path", p, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("vision: image too large, skipping", "path", p, "size", len(data))
			continue
		}
		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// imageMime maps an extension to its MIME type, or "" for non-images.
func imageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
