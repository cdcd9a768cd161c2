package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/openweaver/wisp/internal/knowledge"
)

// KnowledgeSearchTool searches the local RAG corpus.
type KnowledgeSearchTool struct {
	kb *knowledge.Manager
}

func NewKnowledgeSearchTool(kb *knowledge.Manager) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{kb: kb}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }
func (t *KnowledgeSearchTool) Description() string {
	return "Search the local knowledge base for relevant document chunks"
}
func (t *KnowledgeSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to search for",
			},
			"top_k": map[string]interface{}{
				"type":        "number",
				"description": "Number of chunks to return (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	topK := 5
	if k, ok := args["top_k"].(float64); ok && int(k) > 0 {
		topK = int(k)
	}

	hits, err := t.kb.Search(ctx, query, topK)
	if err != nil {
		return ErrorResult(fmt.Sprintf("knowledge search failed: %v", err))
	}
	if len(hits) == 0 {
		return SilentResult("no relevant knowledge found")
	}

	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "--- Result %d (source: %s", i+1, h.Source)
		if h.Distance != nil {
			fmt.Fprintf(&sb, ", distance: %.3f", *h.Distance)
		}
		sb.WriteString(") ---\n")
		sb.WriteString(h.Content)
		sb.WriteString("\n\n")
	}
	return SilentResult(strings.TrimSpace(sb.String()))
}

// KnowledgeListTool lists the distinct sources in the knowledge base.
type KnowledgeListTool struct {
	kb *knowledge.Manager
}

func NewKnowledgeListTool(kb *knowledge.Manager) *KnowledgeListTool {
	return &KnowledgeListTool{kb: kb}
}

func (t *KnowledgeListTool) Name() string { return "knowledge_list" }
func (t *KnowledgeListTool) Description() string {
	return "List the documents available in the knowledge base"
}
func (t *KnowledgeListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *KnowledgeListTool) Execute(ctx context.Context, _ map[string]interface{}) *Result {
	sources, err := t.kb.ListSources(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("knowledge list failed: %v", err))
	}
	if len(sources) == 0 {
		return SilentResult("knowledge base is empty")
	}
	return SilentResult(strings.Join(sources, "\n"))
}

// KnowledgeIngestTool ingests a file or directory into the knowledge base.
type KnowledgeIngestTool struct {
	kb *knowledge.Manager
}

func NewKnowledgeIngestTool(kb *knowledge.Manager) *KnowledgeIngestTool {
	return &KnowledgeIngestTool{kb: kb}
}

func (t *KnowledgeIngestTool) Name() string { return "knowledge_ingest" }
func (t *KnowledgeIngestTool) Description() string {
	return "Ingest a file or directory from the workspace knowledge folder into the knowledge base"
}
func (t *KnowledgeIngestTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File or directory to ingest, relative to the workspace knowledge folder",
			},
		},
		"required": []string{"path"},
	}
}

func (t *KnowledgeIngestTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}

	res := t.kb.Ingest(ctx, path)
	msg := fmt.Sprintf("added %d chunks, skipped %d files", res.Added, res.Skipped)
	if len(res.Errors) > 0 {
		msg += fmt.Sprintf(", %d errors: %s", len(res.Errors), strings.Join(res.Errors, "; "))
	}
	return SilentResult(msg)
}

// KnowledgeGetDocumentTool returns the full text of one ingested document.
type KnowledgeGetDocumentTool struct {
	kb *knowledge.Manager
}

func NewKnowledgeGetDocumentTool(kb *knowledge.Manager) *KnowledgeGetDocumentTool {
	return &KnowledgeGetDocumentTool{kb: kb}
}

func (t *KnowledgeGetDocumentTool) Name() string { return "knowledge_get_document" }
func (t *KnowledgeGetDocumentTool) Description() string {
	return "Fetch the full text of a document from the knowledge base by source path"
}
func (t *KnowledgeGetDocumentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"source": map[string]interface{}{
				"type":        "string",
				"description": "Source path as returned by knowledge_list or knowledge_search",
			},
		},
		"required": []string{"source"},
	}
}

func (t *KnowledgeGetDocumentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	source, _ := args["source"].(string)
	if source == "" {
		return ErrorResult("source is required")
	}

	text, err := t.kb.GetDocument(ctx, source)
	if err != nil {
		return ErrorResult(fmt.Sprintf("get document failed: %v", err))
	}
	if text == "" {
		return ErrorResult(fmt.Sprintf("document not found: %s", source))
	}
	if len(text) > maxReadBytes {
		text = truncateUTF8(text, maxReadBytes) + "\n... (truncated)"
	}
	return SilentResult(text)
}
