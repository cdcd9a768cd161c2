package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

type fakeCaller struct {
	result *mcpgo.CallToolResult
	err    error
	gotReq mcpgo.CallToolRequest
}

func (f *fakeCaller) CallTool(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	f.gotReq = req
	return f.result, f.err
}

func textResult(texts ...string) *mcpgo.CallToolResult {
	res := &mcpgo.CallToolResult{}
	for _, t := range texts {
		res.Content = append(res.Content, mcpgo.NewTextContent(t))
	}
	return res
}

func newFakeTool(caller *fakeCaller) *serverTool {
	return &serverTool{
		server: "notes",
		tool: mcpgo.Tool{
			Name:        "search",
			Description: "full-text search",
			InputSchema: mcpgo.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{"query": map[string]any{"type": "string"}},
				Required:   []string{"query"},
			},
		},
		caller:  caller,
		timeout: time.Second,
	}
}

func TestServerToolNamePrefixed(t *testing.T) {
	st := newFakeTool(&fakeCaller{})
	if st.Name() != "notes_search" {
		t.Fatalf("Name = %q", st.Name())
	}
	if !strings.HasPrefix(st.Description(), "[notes]") {
		t.Fatalf("Description = %q", st.Description())
	}
}

func TestServerToolParametersFromSchema(t *testing.T) {
	st := newFakeTool(&fakeCaller{})
	params := st.Parameters()
	if params["type"] != "object" {
		t.Fatalf("type = %v", params["type"])
	}
	props, ok := params["properties"].(map[string]interface{})
	if !ok || props["query"] == nil {
		t.Fatalf("properties = %v", params["properties"])
	}
}

func TestServerToolExecute(t *testing.T) {
	caller := &fakeCaller{result: textResult("hit 1", "hit 2")}
	st := newFakeTool(caller)

	res := st.Execute(context.Background(), map[string]interface{}{"query": "go"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if res.ForLLM != "hit 1\nhit 2" {
		t.Fatalf("ForLLM = %q", res.ForLLM)
	}
	if caller.gotReq.Params.Name != "search" {
		t.Fatalf("remote tool name = %q, want unprefixed", caller.gotReq.Params.Name)
	}
}

func TestServerToolExecuteErrorResult(t *testing.T) {
	res := textResult("backend exploded")
	res.IsError = true
	st := newFakeTool(&fakeCaller{result: res})

	got := st.Execute(context.Background(), nil)
	if !got.IsError || got.ForLLM != "backend exploded" {
		t.Fatalf("result = %+v", got)
	}
}

func TestExtractTextSkipsNonText(t *testing.T) {
	res := &mcpgo.CallToolResult{Content: []mcpgo.Content{
		mcpgo.NewTextContent("keep"),
		mcpgo.NewImageContent("aGk=", "image/png"),
	}}
	if got := extractText(res); got != "keep" {
		t.Fatalf("extractText = %q", got)
	}
}
