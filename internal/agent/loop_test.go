package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openweaver/wisp/internal/providers"
	"github.com/openweaver/wisp/internal/sessions"
	"github.com/openweaver/wisp/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     atomic.Int32
	lastReq   providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	i := int(p.calls.Add(1)) - 1
	p.lastReq = req
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

// echoTool returns its "text" argument, counting invocations.
type echoTool struct {
	calls atomic.Int32
	delay time.Duration
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes text back" }
func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *echoTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	t.calls.Add(1)
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	text, _ := args["text"].(string)
	return tools.NewResult("echo: " + text)
}

func newTestLoop(t *testing.T, p providers.Provider, reg *tools.Registry) *Loop {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	return New(Config{
		Provider:  p,
		Model:     "test-model",
		Sessions:  sessions.NewManager(t.TempDir()),
		Registry:  reg,
		Workspace: t.TempDir(),
	})
}

func writeWorkspaceFile(t *testing.T, workspace, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(workspace, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func toolCallResponse(calls ...providers.ToolCall) *providers.ChatResponse {
	return &providers.ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}
}

func TestRunPlainReply(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "hello there", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, nil)

	res, err := loop.Run(context.Background(), RunRequest{
		SessionKey: "telegram:42", Channel: "telegram", ChatID: "42", Content: "hi",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "hello there" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}

	// The committed history holds the user message and the reply.
	history := loop.sessions.GetHistory("telegram:42")
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("history roles = %s, %s", history[0].Role, history[1].Role)
	}
}

// Each requested tool call is dispatched exactly once, and the loop
// resumes until the model stops asking.
func TestRunToolLoop(t *testing.T) {
	tool := &echoTool{}
	reg := tools.NewRegistry()
	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse(providers.ToolCall{
			ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "first"},
		}),
		toolCallResponse(providers.ToolCall{
			ID: "c2", Name: "echo", Arguments: map[string]interface{}{"text": "second"},
		}),
		{Content: "all done", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, reg)

	res, err := loop.Run(context.Background(), RunRequest{
		SessionKey: "telegram:7", Channel: "telegram", Content: "go",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "all done" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if got := tool.calls.Load(); got != 2 {
		t.Fatalf("tool executed %d times, want 2", got)
	}
	if res.Iterations != 3 || res.ToolCalls != 2 {
		t.Fatalf("iterations=%d tool_calls=%d", res.Iterations, res.ToolCalls)
	}

	// The tool result came back as a tool-role message bound to its call id.
	var sawTool bool
	for _, m := range p.lastReq.Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" && m.Content == "echo: first" {
			sawTool = true
		}
	}
	if !sawTool {
		t.Fatal("tool result message missing from follow-up request")
	}
}

// Parallel tool calls come back in the order the model requested them.
func TestRunParallelToolOrdering(t *testing.T) {
	tool := &echoTool{delay: 10 * time.Millisecond}
	reg := tools.NewRegistry()
	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}

	var calls []providers.ToolCall
	for i := 0; i < 4; i++ {
		calls = append(calls, providers.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      "echo",
			Arguments: map[string]interface{}{"text": fmt.Sprintf("n%d", i)},
		})
	}
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse(calls...),
		{Content: "ok", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, reg)

	if _, err := loop.Run(context.Background(), RunRequest{SessionKey: "telegram:9", Content: "go"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var toolMsgs []providers.Message
	for _, m := range p.lastReq.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 4 {
		t.Fatalf("tool messages = %d, want 4", len(toolMsgs))
	}
	for i, m := range toolMsgs {
		if want := fmt.Sprintf("c%d", i); m.ToolCallID != want {
			t.Fatalf("tool message %d bound to %s, want %s", i, m.ToolCallID, want)
		}
	}
}

// An unknown tool surfaces as an error result the model can read, not a
// failed turn.
func TestRunUnknownToolRecovers(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse(providers.ToolCall{
			ID: "c1", Name: "no_such_tool", Arguments: map[string]interface{}{},
		}),
		{Content: "recovered", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, nil)

	res, err := loop.Run(context.Background(), RunRequest{SessionKey: "telegram:1", Content: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "recovered" {
		t.Fatalf("reply = %q", res.Reply)
	}
}

func TestRunIterationBound(t *testing.T) {
	tool := &echoTool{}
	reg := tools.NewRegistry()
	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}

	// The model never stops calling tools.
	var responses []*providers.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, toolCallResponse(providers.ToolCall{
			ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: map[string]interface{}{"text": "x"},
		}))
	}
	p := &scriptedProvider{responses: responses}

	loop := New(Config{
		Provider:      p,
		Sessions:      sessions.NewManager(t.TempDir()),
		Registry:      reg,
		Workspace:     t.TempDir(),
		MaxIterations: 3,
	})

	res, err := loop.Run(context.Background(), RunRequest{SessionKey: "telegram:5", Content: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Reply, "tool steps") {
		t.Fatalf("bound reply = %q", res.Reply)
	}
	if got := tool.calls.Load(); got != 3 {
		t.Fatalf("tool executed %d times, want 3", got)
	}
}

func TestRunProviderErrorIsTerminal(t *testing.T) {
	p := &scriptedProvider{errs: []error{
		&providers.HTTPError{Status: 401, Body: "bad key"},
	}}
	loop := newTestLoop(t, p, nil)

	_, err := loop.Run(context.Background(), RunRequest{SessionKey: "telegram:2", Content: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "LLM call failed (iteration 1)") {
		t.Fatalf("error = %v", err)
	}
	// Nothing was committed: the session stays empty.
	if got := len(loop.sessions.GetHistory("telegram:2")); got != 0 {
		t.Fatalf("history len = %d after failed run, want 0", got)
	}
}

func TestRunNoRetryLayerAroundProvider(t *testing.T) {
	// The provider owns transient-failure retry; a second layer in the
	// loop would multiply HTTP attempts per failing turn.
	p := &scriptedProvider{errs: []error{
		&providers.HTTPError{Status: 500, Body: "upstream down"},
	}}
	loop := newTestLoop(t, p, nil)

	_, err := loop.Run(context.Background(), RunRequest{SessionKey: "telegram:9", Content: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("provider called %d times, want 1", got)
	}
}

func TestSystemPromptIncludesBootstrapFiles(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "ok", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, nil)
	writeWorkspaceFile(t, loop.workspace, PersonaFile, "Speak like a pirate.")

	if _, err := loop.Run(context.Background(), RunRequest{SessionKey: "telegram:3", Channel: "telegram", Content: "hi"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	system := p.lastReq.Messages[0]
	if system.Role != "system" {
		t.Fatalf("first message role = %s", system.Role)
	}
	if !strings.Contains(system.Content, "Speak like a pirate.") {
		t.Fatal("persona file content missing from system prompt")
	}
}

func TestSyntheticSessionPromptNote(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "ok", FinishReason: "stop"},
	}}
	loop := newTestLoop(t, p, nil)

	if _, err := loop.Run(context.Background(), RunRequest{SessionKey: "cron:job-1", Content: "run"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(p.lastReq.Messages[0].Content, "triggered by a schedule") {
		t.Fatal("synthetic session note missing")
	}
}

func TestSanitizeReply(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"<think>mull it over</think>answer", "answer"},
		{"before <reasoning>x</reasoning> after", "before  after"},
		{"prefix <thinking>never closed", "prefix"},
		{"  padded  ", "padded"},
	}
	for _, c := range cases {
		if got := sanitizeReply(c.in); got != c.want {
			t.Errorf("sanitizeReply(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
