package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/openweaver/wisp/internal/tools"
)

// toolCaller is the slice of the MCP client a serverTool needs.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// serverTool exposes one remote MCP tool through the local registry.
type serverTool struct {
	server  string
	tool    mcpgo.Tool
	caller  toolCaller
	timeout time.Duration
}

// Name prefixes the server so two servers can offer a "search" tool.
func (t *serverTool) Name() string {
	return t.server + "_" + t.tool.Name
}

func (t *serverTool) Description() string {
	desc := t.tool.Description
	if desc == "" {
		desc = t.tool.Name
	}
	return fmt.Sprintf("[%s] %s", t.server, desc)
}

// Parameters converts the server's input schema into the provider format.
func (t *serverTool) Parameters() map[string]interface{} {
	data, err := json.Marshal(t.tool.InputSchema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil || schema["type"] == nil {
		return map[string]interface{}{"type": "object"}
	}
	return schema
}

func (t *serverTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	res, err := t.caller.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", t.Name(), err)).WithError(err)
	}
	text := extractText(res)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no text content)"
	}
	return tools.NewResult(text)
}

// extractText concatenates the text content items of a result. Non-text
// content (images, resources) is skipped.
func extractText(res *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
