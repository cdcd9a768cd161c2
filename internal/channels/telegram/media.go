package telegram

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	// defaultMediaMaxBytes is the Bot API download limit (20MB).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3

	// docMaxChars caps text extracted from document attachments.
	docMaxChars = 200_000

	// maxImageDimension is the longest edge kept when downscaling photos
	// before they are handed to the vision model.
	maxImageDimension = 2048
)

// MediaInfo describes one downloaded media item.
type MediaInfo struct {
	Type        string // "image", "audio", "voice", "document"
	FilePath    string // local path after download
	FileID      string
	ContentType string
	FileName    string
	FileSize    int64
}

// resolveMedia extracts and downloads media from a Telegram message.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []MediaInfo {
	var results []MediaInfo

	// Photo: highest resolution is the last element.
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		filePath, err := c.downloadMedia(ctx, photo.FileID, defaultMediaMaxBytes)
		if err != nil {
			slog.Warn("failed to download photo", "file_id", photo.FileID, "error", err)
		} else {
			if scaled, err := downscaleImage(filePath); err != nil {
				slog.Warn("failed to downscale image, using original", "error", err)
			} else {
				filePath = scaled
			}
			results = append(results, MediaInfo{
				Type:        "image",
				FilePath:    filePath,
				FileID:      photo.FileID,
				ContentType: "image/jpeg",
				FileSize:    int64(photo.FileSize),
			})
		}
	}

	if msg.Audio != nil {
		filePath, err := c.downloadMedia(ctx, msg.Audio.FileID, defaultMediaMaxBytes)
		if err != nil {
			slog.Warn("failed to download audio", "file_id", msg.Audio.FileID, "error", err)
		} else {
			results = append(results, MediaInfo{
				Type:        "audio",
				FilePath:    filePath,
				FileID:      msg.Audio.FileID,
				ContentType: msg.Audio.MimeType,
				FileName:    msg.Audio.FileName,
				FileSize:    int64(msg.Audio.FileSize),
			})
		}
	}

	if msg.Voice != nil {
		filePath, err := c.downloadMedia(ctx, msg.Voice.FileID, defaultMediaMaxBytes)
		if err != nil {
			slog.Warn("failed to download voice", "file_id", msg.Voice.FileID, "error", err)
		} else {
			results = append(results, MediaInfo{
				Type:        "voice",
				FilePath:    filePath,
				FileID:      msg.Voice.FileID,
				ContentType: msg.Voice.MimeType,
				FileSize:    int64(msg.Voice.FileSize),
			})
		}
	}

	if msg.Document != nil {
		filePath, err := c.downloadMedia(ctx, msg.Document.FileID, defaultMediaMaxBytes)
		if err != nil {
			slog.Warn("failed to download document", "file_id", msg.Document.FileID, "error", err)
		} else {
			results = append(results, MediaInfo{
				Type:        "document",
				FilePath:    filePath,
				FileID:      msg.Document.FileID,
				ContentType: msg.Document.MimeType,
				FileName:    msg.Document.FileName,
				FileSize:    int64(msg.Document.FileSize),
			})
		}
	}

	return results
}

// downloadMedia fetches a file by file_id with retries and returns the
// local temp file path.
func (c *Channel) downloadMedia(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmpFile, err := os.CreateTemp("", "wisp_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}
	return tmpFile.Name(), nil
}

// downscaleImage bounds an image to maxImageDimension on its longest edge,
// re-encoding as JPEG. Small images are returned unchanged.
func downscaleImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDimension && bounds.Dy() <= maxImageDimension {
		return path, nil
	}

	scaled := imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	out := strings.TrimSuffix(path, filepath.Ext(path)) + "_scaled.jpg"
	if err := imaging.Save(scaled, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save scaled image: %w", err)
	}
	os.Remove(path)
	return out, nil
}

// openInputFile loads a local file into a named reader for upload.
func openInputFile(path string) (telego.InputFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return telego.InputFile{}, err
	}
	return tu.File(tu.NameReader(bytes.NewReader(data), filepath.Base(path))), nil
}

// buildMediaTags generates content placeholders for media items.
func buildMediaTags(mediaList []MediaInfo) string {
	var tags []string
	for _, m := range mediaList {
		switch m.Type {
		case "image":
			tags = append(tags, "<media:image>")
		case "audio":
			tags = append(tags, "<media:audio>")
		case "voice":
			tags = append(tags, "<media:voice>")
		case "document":
			tags = append(tags, "<media:document>")
		}
	}
	return strings.Join(tags, "\n")
}

// textExtensions maps file extensions we can inline as text.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".xml":  "text/xml",
	".log":  "text/plain",
	".ini":  "text/plain",
	".cfg":  "text/plain",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".html": "text/html",
	".css":  "text/css",
	".sql":  "text/x-sql",
	".toml": "text/x-toml",
}

// extractDocumentContent inlines a text document as an escaped <file> block.
// Binary formats get a placeholder instead.
func extractDocumentContent(filePath, fileName string) (string, error) {
	if filePath == "" {
		return fmt.Sprintf("[File: %s — download failed]", fileName), nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	mime, isText := textExtensions[ext]
	if !isText {
		return fmt.Sprintf("[File: %s — binary format not supported, only text files can be processed]", fileName), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", fileName, err)
	}

	content := string(data)
	if len(content) > docMaxChars {
		content = content[:docMaxChars] + "\n... [truncated]"
	}
	return fmt.Sprintf("<file name=%q mime=%q>\n%s\n</file>", fileName, mime, html.EscapeString(content)), nil
}
