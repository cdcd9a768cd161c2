package tools

import (
	"context"
	"strings"
	"testing"
)

type fakeTool struct {
	name    string
	execute func(ctx context.Context, args map[string]interface{}) *Result
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake tool for tests" }
func (f *fakeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return f.execute(ctx, args)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "echo", execute: func(context.Context, map[string]interface{}) *Result {
		return SilentResult("ok")
	}}

	if err := r.Register(tool); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(tool); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
}

func TestRegistryProviderDefsOrdered(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		n := name
		if err := r.Register(&fakeTool{name: n, execute: func(context.Context, map[string]interface{}) *Result {
			return SilentResult(n)
		}}); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}

	defs := r.ProviderDefs()
	got := make([]string, len(defs))
	for i, d := range defs {
		got[i] = d.Function.Name
	}
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("defs order = %v, want %v", got, want)
		}
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "missing", nil)
	if !res.IsError {
		t.Fatal("expected error result for unknown tool")
	}
	if !strings.Contains(res.ForLLM, "unknown tool") {
		t.Fatalf("unexpected error text: %q", res.ForLLM)
	}
}

func TestRegistryExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "boom", execute: func(context.Context, map[string]interface{}) *Result {
		panic("kaboom")
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Execute(context.Background(), "boom", nil)
	if res == nil || !res.IsError {
		t.Fatal("expected panic to surface as error result")
	}
	if !strings.Contains(res.ForLLM, "kaboom") {
		t.Fatalf("error text missing panic value: %q", res.ForLLM)
	}
}

func TestRegistryExecuteNilResult(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "nothing", execute: func(context.Context, map[string]interface{}) *Result {
		return nil
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Execute(context.Background(), "nothing", nil)
	if res == nil || !res.IsError {
		t.Fatal("nil tool result should become an error result")
	}
}
