package bridge

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// downloadAttachment saves an intercepted attachment, trying strategies in
// order: direct HTTP, in-page fetch (page cookies), simulated click into
// the browser's download pipeline, and finally a copy from the IM app's
// own cache directory. Returns the local path or an error when every
// strategy failed. A failed download never blocks message delivery; the
// caller annotates and forwards anyway.
func (s *Server) downloadAttachment(ctx context.Context, ev hookEvent) (string, error) {
	dir := s.cfg.DownloadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "wisp-bridge-files")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	ext := strings.TrimPrefix(ev.FileExt, ".")
	if ext == "" && ev.FileName != "" {
		ext = strings.TrimPrefix(filepath.Ext(ev.FileName), ".")
	}
	if ext == "" {
		ext = "dat"
	}
	base := safeFilename(ev.SessionID + "_" + ev.IDClient)
	if base == "_" {
		base = "file"
	}
	dest := filepath.Join(dir, base+"."+ext)

	// 1. Direct HTTP. Images usually work; documents often 403 without the
	// page's NOS auth cookies.
	status, err := s.directDownload(ctx, ev.FileURL, dest)
	if err == nil {
		return dest, nil
	}
	authFailure := status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusProxyAuthRequired
	slog.Debug("direct download failed", "status", status, "error", err)

	// 2. Fetch inside the page so its cookies apply.
	if authFailure || status == 0 {
		if data, err := s.cdp.FetchInPage(ev.FileURL); err != nil {
			slog.Debug("in-page fetch failed", "error", err)
		} else if err := os.WriteFile(dest, data, 0o644); err == nil {
			return dest, nil
		}
	}

	// 3. Simulated click-to-download, then wait for the file to land in the
	// app's cache.
	if err := s.cdp.ClickDownload(ev.FileURL, ev.FileName); err != nil {
		slog.Debug("click download failed", "error", err)
	} else {
		time.Sleep(2 * time.Second)
		if path := copyFromCache(s.cfg.LocalCacheDir, ev.FileName, dest); path != "" {
			return path, nil
		}
	}

	// 4. Last resort: the user may have downloaded it manually.
	if path := copyFromCache(s.cfg.LocalCacheDir, ev.FileName, dest); path != "" {
		return path, nil
	}

	return "", fmt.Errorf("all download strategies failed for %s", ev.FileName)
}

// directDownload fetches a URL straight over HTTP. Returns the response
// status for the caller's auth-failure decision (0 when no response).
func (s *Server) directDownload(ctx context.Context, url, dest string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return resp.StatusCode, err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dest)
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// copyFromCache searches the IM app's download directory for a file whose
// name matches and copies it to dest. Fuzzy stem match because the app
// appends timestamps.
func copyFromCache(cacheDir, fileName, dest string) string {
	if cacheDir == "" || fileName == "" {
		return ""
	}
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	var found string
	_ = filepath.WalkDir(cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}
		name := d.Name()
		if name == fileName || strings.Contains(strings.TrimSuffix(name, filepath.Ext(name)), stem) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if found == "" {
		return ""
	}

	data, err := os.ReadFile(found)
	if err != nil {
		return ""
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return ""
	}
	slog.Info("copied attachment from app cache", "source", filepath.Base(found))
	return dest
}
