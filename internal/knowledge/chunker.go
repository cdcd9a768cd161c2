package knowledge

import "fmt"

// charsPerToken is the rough CJK-friendly token estimate used to convert
// token budgets to rune counts.
const charsPerToken = 2

// ChunkText splits text into overlapping chunks. Sizes are given in tokens
// and approximated at two characters per token. The window advances by
// size minus overlap so consecutive chunks share context.
func ChunkText(text string, sizeTokens, overlapTokens int) []string {
	if text == "" {
		return nil
	}
	if sizeTokens <= 0 {
		sizeTokens = 512
	}
	if overlapTokens < 0 || overlapTokens >= sizeTokens {
		overlapTokens = 0
	}

	runes := []rune(text)
	size := sizeTokens * charsPerToken
	step := (sizeTokens - overlapTokens) * charsPerToken

	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// ChunkDocument chunks text and assigns stable IDs of the form
// "<source>_<index>".
func ChunkDocument(source, text string, sizeTokens, overlapTokens int) []Chunk {
	pieces := ChunkText(text, sizeTokens, overlapTokens)
	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, Chunk{
			ID:         fmt.Sprintf("%s_%d", source, i),
			Source:     source,
			Content:    p,
			ChunkIndex: i,
		})
	}
	return chunks
}
