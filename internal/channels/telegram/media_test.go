package telegram

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildMediaTags(t *testing.T) {
	tests := []struct {
		name  string
		items []MediaInfo
		want  string
	}{
		{"image", []MediaInfo{{Type: "image"}}, "<media:image>"},
		{"audio", []MediaInfo{{Type: "audio"}}, "<media:audio>"},
		{"voice", []MediaInfo{{Type: "voice"}}, "<media:voice>"},
		{"document", []MediaInfo{{Type: "document"}}, "<media:document>"},
		{"empty list", nil, ""},
		{"unknown type ignored", []MediaInfo{{Type: "sticker"}}, ""},
		{"mixed", []MediaInfo{{Type: "image"}, {Type: "document"}}, "<media:image>\n<media:document>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildMediaTags(tt.items); got != tt.want {
				t.Errorf("buildMediaTags(%v) = %q, want %q", tt.items, got, tt.want)
			}
		})
	}
}

func TestExtractDocumentContentEscapesText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# Hello <world>"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := extractDocumentContent(path, "notes.md")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(got, `name="notes.md"`) {
		t.Errorf("missing file name attribute: %q", got)
	}
	if strings.Contains(got, "<world>") {
		t.Errorf("content not escaped: %q", got)
	}
	if !strings.Contains(got, "&lt;world&gt;") {
		t.Errorf("expected escaped content: %q", got)
	}
}

func TestExtractDocumentContentBinaryPlaceholder(t *testing.T) {
	got, err := extractDocumentContent("/tmp/whatever.exe", "tool.exe")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(got, "binary format not supported") {
		t.Errorf("expected binary placeholder, got %q", got)
	}
}

func TestSplitMessageShortPassthrough(t *testing.T) {
	chunks := splitMessage("hello", 4096)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("x", 90) + "\n" + strings.Repeat("y", 50)
	chunks := splitMessage(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Errorf("first chunk should end at the newline, got %q...", chunks[0][:20])
	}
	if chunks[1] != strings.Repeat("y", 50) {
		t.Errorf("second chunk = %q", chunks[1])
	}
}

func TestSplitMessageRuneSafety(t *testing.T) {
	text := strings.Repeat("你好世界", 100) // 400 runes, no newlines
	chunks := splitMessage(text, 150)
	var total int
	for _, chunk := range chunks {
		if strings.ContainsRune(chunk, '�') {
			t.Fatal("chunk contains replacement rune, split broke a character")
		}
		total += len([]rune(chunk))
	}
	if total != 400 {
		t.Fatalf("total runes = %d, want 400", total)
	}
}
