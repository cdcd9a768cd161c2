package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/config"
)

// fakeAPI mimics the gettoken and message/send endpoints.
type fakeAPI struct {
	srv *httptest.Server

	mu          sync.Mutex
	tokenCalls  int32
	sendErrCode int // returned once, then cleared
	sentBodies  []map[string]any
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/gettoken", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"errcode":      0,
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_in":   7200,
		})
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.sentBodies = append(f.sentBodies, body)
		code := f.sendErrCode
		f.sendErrCode = 0
		f.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{"errcode": code, "errmsg": "msg"})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestChannel(t *testing.T, api *fakeAPI) *Channel {
	ch := NewChannel(config.WeComConfig{
		CorpID:     "corp",
		CorpSecret: "secret",
		AgentID:    7,
	}, bus.New())
	ch.tokenURL = api.srv.URL + "/gettoken"
	ch.sendURL = api.srv.URL + "/send"
	return ch
}

func TestSendFetchesTokenOnce(t *testing.T) {
	api := newFakeAPI(t)
	ch := newTestChannel(t, api)

	for i := 0; i < 3; i++ {
		if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "user1", Content: "hi"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&api.tokenCalls); n != 1 {
		t.Fatalf("token fetched %d times, want 1", n)
	}
	if len(api.sentBodies) != 3 {
		t.Fatalf("sent %d messages, want 3", len(api.sentBodies))
	}
	if got := api.sentBodies[0]["agentid"].(float64); got != 7 {
		t.Fatalf("agentid = %v", got)
	}
}

func TestConcurrentSendsSingleFlightToken(t *testing.T) {
	api := newFakeAPI(t)
	ch := newTestChannel(t, api)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ch.Send(context.Background(), bus.OutboundMessage{ChatID: "user1", Content: "hi"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if n := atomic.LoadInt32(&api.tokenCalls); n != 1 {
		t.Fatalf("token fetched %d times under concurrency, want 1", n)
	}
}

func TestSendRetriesOnceOnExpiredToken(t *testing.T) {
	api := newFakeAPI(t)
	ch := newTestChannel(t, api)

	// Prime the cache, then invalidate server-side.
	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "u", Content: "warm"}); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	api.mu.Lock()
	api.sendErrCode = 42001
	api.mu.Unlock()

	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "u", Content: "retry me"}); err != nil {
		t.Fatalf("send after expiry: %v", err)
	}
	if n := atomic.LoadInt32(&api.tokenCalls); n != 2 {
		t.Fatalf("token fetched %d times, want 2 (initial + refresh)", n)
	}
	// warmup + rejected attempt + retried attempt
	if len(api.sentBodies) != 3 {
		t.Fatalf("send endpoint hit %d times, want 3", len(api.sentBodies))
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	api := newFakeAPI(t)
	ch := newTestChannel(t, api)

	api.mu.Lock()
	api.sendErrCode = 81013 // user not in allowed scope
	api.mu.Unlock()

	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "ghost", Content: "hi"})
	if err == nil || !strings.Contains(err.Error(), "81013") {
		t.Fatalf("err = %v, want errcode 81013", err)
	}
}

func TestStartRequiresCredentials(t *testing.T) {
	ch := NewChannel(config.WeComConfig{}, bus.New())
	if err := ch.Start(context.Background()); err == nil {
		t.Fatal("expected error without corp credentials")
	}
}
