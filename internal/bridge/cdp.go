package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// defaultMutationNames are the store mutation name heuristics used by the
// hook. App versions rename these, so they are config-overridable.
var defaultMutationNames = []string{
	"updateNewMsg", "onReceiveMsg", "putMsg", "addMsg",
	"receiveMsg", "onMsg", "updateCurrSessionMsgs",
}

const evalTimeout = 30 * time.Second

// cdpClient attaches to the Electron app's remote-debugging endpoint and
// evaluates scripts inside the chat renderer.
type cdpClient struct {
	base          string // remote-debugging endpoint, host:port or http URL
	urlPattern    string // substring identifying the chat renderer
	mutationNames []string

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	cancel  context.CancelFunc
	hooked  bool
}

func newCDPClient(base, urlPattern string, mutationNames []string) *cdpClient {
	if len(mutationNames) == 0 {
		mutationNames = defaultMutationNames
	}
	if urlPattern == "" {
		urlPattern = "im-view"
	}
	return &cdpClient{base: base, urlPattern: urlPattern, mutationNames: mutationNames}
}

// Connected reports whether a renderer page is attached.
func (c *cdpClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page != nil
}

// Hooked reports whether the message hook is installed.
func (c *cdpClient) Hooked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hooked
}

func (c *cdpClient) setHooked(v bool) {
	c.mu.Lock()
	c.hooked = v
	c.mu.Unlock()
}

// Connect enumerates debuggable targets, scores them, and attaches to the
// first candidate whose page hosts the chat view.
func (c *cdpClient) Connect(ctx context.Context) error {
	c.Disconnect()

	wsURL, err := launcher.ResolveURL(c.base)
	if err != nil {
		return fmt.Errorf("resolve CDP endpoint %s: %w", c.base, err)
	}

	browserCtx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(wsURL).Context(browserCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect CDP %s: %w", c.base, err)
	}

	pages, err := browser.Pages()
	if err != nil {
		cancel()
		return fmt.Errorf("list CDP targets: %w", err)
	}

	type candidate struct {
		page  *rod.Page
		score int
		title string
		url   string
	}
	var candidates []candidate
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			page:  p,
			score: c.scoreTarget(info.URL, info.Title),
			title: info.Title,
			url:   info.URL,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	for _, cand := range candidates {
		res, err := cand.page.Timeout(10 * time.Second).Eval(detectScript)
		if err != nil {
			slog.Debug("target probe failed", "title", cand.title, "error", err)
			continue
		}
		if res.Value.Str() != "" {
			slog.Info("attached to IM renderer",
				"title", cand.title, "url", cand.url, "vue", res.Value.Str())
			c.mu.Lock()
			c.browser = browser
			c.page = cand.page
			c.cancel = cancel
			c.hooked = false
			c.mu.Unlock()
			return nil
		}
		slog.Debug("target has no reactive root, skipping", "title", cand.title)
	}

	cancel()
	return fmt.Errorf("no debuggable target hosts the chat view (is the IM logged in?)")
}

// scoreTarget orders discovery candidates: chat-view URLs first, then named
// pages, then anything.
func (c *cdpClient) scoreTarget(url, title string) int {
	if c.urlPattern != "" && strings.Contains(url, c.urlPattern) {
		return 0
	}
	if title != "" && title != "index.html" {
		return 1
	}
	return 2
}

// Disconnect drops the CDP attachment. The browser itself keeps running.
func (c *cdpClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.browser = nil
	c.page = nil
	c.hooked = false
}

// eval runs a script in the attached renderer and returns its string value.
func (c *cdpClient) eval(js string, args ...any) (string, error) {
	c.mu.Lock()
	page := c.page
	c.mu.Unlock()
	if page == nil {
		return "", fmt.Errorf("CDP not connected")
	}
	res, err := page.Timeout(evalTimeout).Eval(js, args...)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// InjectHook installs the message hook. Idempotent.
func (c *cdpClient) InjectHook() (bool, error) {
	raw, err := c.eval(hookScript, c.mutationNames)
	if err != nil {
		return false, fmt.Errorf("inject hook: %w", err)
	}
	var result struct {
		OK      bool     `json:"ok"`
		Methods []string `json:"methods"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return false, fmt.Errorf("parse hook result: %w", err)
	}
	if result.OK {
		slog.Info("message hook installed", "methods", result.Methods)
	} else {
		slog.Warn("no hook strategy succeeded, will retry")
	}
	c.setHooked(result.OK)
	return result.OK, nil
}

// PollEvents drains the in-page event queue.
func (c *cdpClient) PollEvents() ([]hookEvent, error) {
	if !c.Hooked() {
		return nil, nil
	}
	raw, err := c.eval(pollScript)
	if err != nil {
		return nil, err
	}
	var events []hookEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, fmt.Errorf("parse poll result: %w", err)
	}
	return events, nil
}

// sendResult is the outcome of a send script evaluation.
type sendResult struct {
	OK       bool   `json:"ok"`
	IDClient string `json:"idClient"`
	Error    string `json:"error"`

	// Timeout marks an eval that hit its deadline rather than a failure
	// reported by the page. Only timeouts are worth one retry.
	Timeout bool `json:"-"`
}

// sendEvalError classifies a failed send evaluation. rod surfaces the eval
// deadline as context.DeadlineExceeded, possibly wrapped.
func sendEvalError(err error) sendResult {
	return sendResult{
		Error:   err.Error(),
		Timeout: errors.Is(err, context.DeadlineExceeded),
	}
}

// SendText drives the in-page send-callable.
func (c *cdpClient) SendText(sessionID, text string) sendResult {
	raw, err := c.eval(sendScript, sessionID, text)
	if err != nil {
		return sendEvalError(err)
	}
	var result sendResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return sendResult{Error: "unparseable send result: " + raw}
	}
	return result
}

// MyID reads the logged-in account id from the page.
func (c *cdpClient) MyID() (string, error) {
	return c.eval(myIDScript)
}

// sessionSnapshot is the current-session query result.
type sessionSnapshot struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	CurrSession string `json:"currSession"`
	Sessions    []struct {
		ID       string `json:"id"`
		Nick     string `json:"nick"`
		LastText string `json:"lastText"`
		Unread   int    `json:"unread"`
	} `json:"sessions"`
}

// SessionInfo snapshots the active session and session list.
func (c *cdpClient) SessionInfo() (sessionSnapshot, error) {
	raw, err := c.eval(sessionInfoScript)
	if err != nil {
		return sessionSnapshot{}, err
	}
	var snap sessionSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return sessionSnapshot{}, fmt.Errorf("parse session info: %w", err)
	}
	return snap, nil
}

// chatDump is the fetch_current_chat query result.
type chatDump struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	CurrSession string `json:"currSession"`
	Msgs        []struct {
		IDClient string  `json:"idClient"`
		Time     float64 `json:"time"`
		From     string  `json:"from"`
		FromNick string  `json:"fromNick"`
		Text     string  `json:"text"`
	} `json:"msgs"`
}

// FetchCurrentChat extracts the message list of the open session.
func (c *cdpClient) FetchCurrentChat() (chatDump, error) {
	raw, err := c.eval(fetchChatScript)
	if err != nil {
		return chatDump{}, err
	}
	var dump chatDump
	if err := json.Unmarshal([]byte(raw), &dump); err != nil {
		return chatDump{}, fmt.Errorf("parse chat dump: %w", err)
	}
	return dump, nil
}

// FetchInPage downloads a URL with the page's session cookies.
func (c *cdpClient) FetchInPage(url string) ([]byte, error) {
	raw, err := c.eval(fetchInPageScript, url)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(raw)
}

// ClickDownload triggers the browser's own download pipeline for a URL.
func (c *cdpClient) ClickDownload(url, name string) error {
	_, err := c.eval(clickDownloadScript, url, name)
	return err
}
