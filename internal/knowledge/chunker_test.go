package knowledge

import (
	"fmt"
	"strings"
	"testing"
)

func TestChunkTextShortInputSingleChunk(t *testing.T) {
	chunks := ChunkText("hello world", 512, 64)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestChunkTextCoversWholeInput(t *testing.T) {
	text := strings.Repeat("abcdefghij", 500) // 5000 chars
	size, overlap := 100, 20                  // 200-char window, 160-char step

	chunks := ChunkText(text, size, overlap)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// Each chunk must equal its sliding window over the input.
	step := (size - overlap) * charsPerToken
	runes := []rune(text)
	for i, c := range chunks {
		start := i * step
		end := start + size*charsPerToken
		if end > len(runes) {
			end = len(runes)
		}
		if c != string(runes[start:end]) {
			t.Fatalf("chunk %d does not match window [%d:%d]", i, start, end)
		}
	}
	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(text, last) {
		t.Fatal("last chunk must end at the end of the input")
	}
}

func TestChunkTextCJKRuneSafe(t *testing.T) {
	text := strings.Repeat("知识库文档内容测试", 200)
	chunks := ChunkText(text, 50, 10)
	for i, c := range chunks {
		if strings.ContainsRune(c, '�') {
			t.Fatalf("chunk %d contains a replacement rune: split mid-character", i)
		}
	}
}

func TestChunkDocumentIDs(t *testing.T) {
	text := strings.Repeat("x", 3000)
	chunks := ChunkDocument("docs/guide.md", text, 100, 0)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		want := fmt.Sprintf("docs/guide.md_%d", i)
		if c.ID != want {
			t.Fatalf("chunk %d id = %q, want %q", i, c.ID, want)
		}
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d index = %d", i, c.ChunkIndex)
		}
		if c.Source != "docs/guide.md" {
			t.Fatalf("chunk %d source = %q", i, c.Source)
		}
	}
}

func TestChunkTextInvalidOverlapFallsBack(t *testing.T) {
	text := strings.Repeat("y", 1000)
	// Overlap >= size would never advance; it must degrade to no overlap.
	chunks := ChunkText(text, 100, 100)
	if len(chunks) == 0 {
		t.Fatal("no chunks produced")
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != len(text) {
		t.Fatalf("total chunk length = %d, want %d", total, len(text))
	}
}
