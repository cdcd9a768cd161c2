// Package workspace lays out and seeds the ~/.wisp directory.
package workspace

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openweaver/wisp/internal/agent"
)

//go:embed templates/*.md
var templateFS embed.FS

// templateFiles are seeded on onboard, in order. Existing files are never
// overwritten; they are the user's to edit. HEARTBEAT.md is deliberately
// not seeded: its absence disables heartbeat turns.
var templateFiles = []string{
	agent.PersonaFile,
	agent.UserFile,
	agent.ToolNotesFile,
}

// subdirs created under the workspace root.
var subdirs = []string{
	"sessions",
	"knowledge/long_term",
	"knowledge/short_term/_cache_web",
	"chat_history",
	"cron",
	"media",
}

// DefaultDir resolves the workspace path: WISP_WORKSPACE wins, otherwise
// ~/.wisp.
func DefaultDir() string {
	if dir := os.Getenv("WISP_WORKSPACE"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wisp"
	}
	return filepath.Join(home, ".wisp")
}

// Ensure creates the workspace layout and seeds missing bootstrap files.
// Returns the files it created.
func Ensure(dir string) ([]string, error) {
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			slog.Warn("workspace: failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template unless the file already exists.
func seedTemplate(dir, name string) (bool, error) {
	dst := filepath.Join(dir, name)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
