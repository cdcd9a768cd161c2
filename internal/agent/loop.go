// Package agent drives the bounded tool-call loop between inbound
// messages and the LLM provider, and dispatches bus traffic onto
// per-session workers.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openweaver/wisp/internal/providers"
	"github.com/openweaver/wisp/internal/sessions"
	"github.com/openweaver/wisp/internal/tools"
)

const (
	defaultMaxIterations = 20
	defaultMaxTokens     = 8192
	defaultTemperature   = 0.7
	defaultToolTimeout   = 60 * time.Second
	defaultHistoryWindow = 50
)

// Config assembles a Loop.
type Config struct {
	Provider      providers.Provider
	Model         string
	Sessions      *sessions.Manager
	Registry      *tools.Registry
	Workspace     string
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	HistoryWindow int
	ToolTimeout   time.Duration
}

// Loop runs one conversation turn at a time. It is safe for concurrent
// use across different session keys; serialization within a key is the
// dispatcher's job.
type Loop struct {
	provider      providers.Provider
	model         string
	sessions      *sessions.Manager
	registry      *tools.Registry
	workspace     string
	maxIterations int
	maxTokens     int
	temperature   float64
	historyWindow int
	toolTimeout   time.Duration
	tracer        trace.Tracer
}

// New creates a Loop, applying defaults for unset limits.
func New(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	return &Loop{
		provider:      cfg.Provider,
		model:         cfg.Model,
		sessions:      cfg.Sessions,
		registry:      cfg.Registry,
		workspace:     cfg.Workspace,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		historyWindow: cfg.HistoryWindow,
		toolTimeout:   cfg.ToolTimeout,
		tracer:        otel.Tracer("wisp/agent"),
	}
}

// RunRequest is one inbound turn.
type RunRequest struct {
	SessionKey string
	Channel    string
	ChatID     string
	Content    string
	Images     []string // local file paths, attached for vision models
	RunID      string
}

// RunResult is the outcome of a completed turn.
type RunResult struct {
	Reply      string
	Iterations int
	ToolCalls  int
	Usage      providers.Usage
}

// Run executes one turn: system prompt + history + user message, then the
// tool loop until the model stops calling tools or the iteration bound is
// hit. Session history is only committed after the turn finishes, so a
// failed run leaves the session as it was.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := l.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.String("run.id", req.RunID),
	))
	defer span.End()

	l.sessions.GetOrCreate(req.SessionKey)
	if req.Channel != "" {
		l.sessions.SetChannel(req.SessionKey, req.Channel)
	}

	system := providers.Message{
		Role:    "system",
		Content: l.buildSystemPrompt(req),
	}
	userMsg := providers.Message{
		Role:    "user",
		Content: req.Content,
		Images:  loadImages(req.Images),
	}

	history := l.sessions.GetHistory(req.SessionKey)
	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, system)
	messages = append(messages, history...)
	messages = append(messages, userMsg)

	// Messages produced by this turn; flushed to the session only on
	// completion.
	pending := []providers.Message{userMsg}
	result := &RunResult{}

	defs := l.registry.ProviderDefs()

	for i := 0; i < l.maxIterations; i++ {
		result.Iterations = i + 1

		resp, err := l.chat(ctx, messages, defs, i)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "llm call failed")
			return nil, fmt.Errorf("LLM call failed (iteration %d): %w", i+1, err)
		}
		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			reply := sanitizeReply(resp.Content)
			assistant := providers.Message{Role: "assistant", Content: reply}
			pending = append(pending, assistant)
			l.commit(req.SessionKey, pending)
			result.Reply = reply
			span.SetAttributes(
				attribute.Int("turn.iterations", result.Iterations),
				attribute.Int("turn.tool_calls", result.ToolCalls),
			)
			return result, nil
		}

		assistant := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		pending = append(pending, assistant)

		toolMsgs := l.executeTools(ctx, resp.ToolCalls)
		result.ToolCalls += len(toolMsgs)
		messages = append(messages, toolMsgs...)
		pending = append(pending, toolMsgs...)
	}

	// The bound is a safety net, not an expected outcome. Commit the
	// partial exchange so the next turn sees what happened.
	slog.Warn("tool iteration bound exceeded",
		"session", req.SessionKey, "iterations", l.maxIterations)
	reply := fmt.Sprintf("I couldn't finish within %d tool steps. Try narrowing the request.", l.maxIterations)
	pending = append(pending, providers.Message{Role: "assistant", Content: reply})
	l.commit(req.SessionKey, pending)
	result.Reply = reply
	span.SetStatus(codes.Error, "iteration bound exceeded")
	return result, nil
}

// chat performs one provider call. Retry on transient failures lives in
// the provider; no second layer here.
func (l *Loop) chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, iteration int) (*providers.ChatResponse, error) {
	ctx, span := l.tracer.Start(ctx, "llm.chat",
		trace.WithAttributes(attribute.Int("iteration", iteration+1)))
	defer span.End()

	req := providers.ChatRequest{
		Messages: messages,
		Tools:    defs,
		Model:    l.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   l.maxTokens,
			providers.OptTemperature: l.temperature,
		},
	}
	resp, err := l.provider.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("finish_reason", resp.FinishReason))
	return resp, nil
}

// indexedResult keeps parallel tool outputs attributable to their call.
type indexedResult struct {
	idx    int
	call   providers.ToolCall
	result *tools.Result
}

// executeTools dispatches the requested tool calls and returns their
// results as tool messages, in the order the model requested them. A
// single call runs inline; multiple calls run in parallel.
func (l *Loop) executeTools(ctx context.Context, calls []providers.ToolCall) []providers.Message {
	if len(calls) == 1 {
		res := l.executeOne(ctx, calls[0])
		return []providers.Message{toolMessage(calls[0], res)}
	}

	results := make(chan indexedResult, len(calls))
	for i, tc := range calls {
		go func(i int, tc providers.ToolCall) {
			results <- indexedResult{idx: i, call: tc, result: l.executeOne(ctx, tc)}
		}(i, tc)
	}

	collected := make([]indexedResult, 0, len(calls))
	for range calls {
		collected = append(collected, <-results)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	msgs := make([]providers.Message, 0, len(collected))
	for _, r := range collected {
		msgs = append(msgs, toolMessage(r.call, r.result))
	}
	return msgs
}

// executeOne runs a single tool call under its own deadline. Errors and
// timeouts come back as the tool result text so the model can recover.
func (l *Loop) executeOne(ctx context.Context, tc providers.ToolCall) *tools.Result {
	ctx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()

	ctx, span := l.tracer.Start(ctx, "tool.exec",
		trace.WithAttributes(attribute.String("tool.name", tc.Name)))
	defer span.End()

	start := time.Now()
	res := l.registry.Execute(ctx, tc.Name, tc.Arguments)
	elapsed := time.Since(start)

	args, _ := json.Marshal(tc.Arguments)
	if res.IsError {
		span.SetStatus(codes.Error, res.ForLLM)
		slog.Warn("tool call failed", "tool", tc.Name, "args", string(args),
			"elapsed", elapsed, "error", res.ForLLM)
	} else {
		slog.Debug("tool call finished", "tool", tc.Name, "elapsed", elapsed)
	}
	return res
}

func toolMessage(tc providers.ToolCall, res *tools.Result) providers.Message {
	return providers.Message{
		Role:       "tool",
		Content:    res.ForLLM,
		ToolCallID: tc.ID,
	}
}

// commit flushes the turn's messages into the session, trims the window,
// and persists.
func (l *Loop) commit(key string, pending []providers.Message) {
	for _, m := range pending {
		l.sessions.AddMessage(key, m)
	}
	l.sessions.TruncateHistory(key, l.historyWindow)
	if err := l.sessions.Save(key); err != nil {
		slog.Warn("failed to persist session", "session", key, "error", err)
	}
}
