package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const defaultActionTimeout = 15 * time.Second

// BrowserAutomateTool drives a headless browser through a sequence of
// actions. The browser is launched lazily on first use and reused across
// invocations.
type BrowserAutomateTool struct {
	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
}

func NewBrowserAutomateTool() *BrowserAutomateTool {
	return &BrowserAutomateTool{}
}

func (t *BrowserAutomateTool) Name() string { return "browser_automate" }
func (t *BrowserAutomateTool) Description() string {
	return "Run a sequence of browser actions (navigate, fill, click, select, extract, wait) in a headless browser and return extracted content"
}
func (t *BrowserAutomateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"actions": map[string]interface{}{
				"type":        "array",
				"description": "Ordered list of actions to perform",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"action": map[string]interface{}{
							"type":        "string",
							"enum":        []string{"navigate", "fill", "click", "select", "extract", "wait"},
							"description": "Action type",
						},
						"url": map[string]interface{}{
							"type":        "string",
							"description": "URL for navigate",
						},
						"selector": map[string]interface{}{
							"type":        "string",
							"description": "CSS selector for fill/click/select/extract/wait",
						},
						"value": map[string]interface{}{
							"type":        "string",
							"description": "Text for fill, option text for select, or milliseconds for a bare wait",
						},
					},
					"required": []string{"action"},
				},
			},
		},
		"required": []string{"actions"},
	}
}

func (t *BrowserAutomateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawActions, ok := args["actions"].([]interface{})
	if !ok || len(rawActions) == 0 {
		return ErrorResult("actions is required and must be a non-empty array")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	page, err := t.ensurePage(ctx)
	if err != nil {
		return ErrorResult(fmt.Sprintf("browser start failed: %v", err))
	}

	var extracted []string
	for i, raw := range rawActions {
		act, ok := raw.(map[string]interface{})
		if !ok {
			return ErrorResult(fmt.Sprintf("action %d is not an object", i+1))
		}
		name, _ := act["action"].(string)
		selector, _ := act["selector"].(string)
		value, _ := act["value"].(string)
		urlArg, _ := act["url"].(string)

		if err := ctx.Err(); err != nil {
			return ErrorResult(fmt.Sprintf("cancelled at action %d: %v", i+1, err))
		}

		out, err := t.runAction(ctx, page, name, urlArg, selector, value)
		if err != nil {
			return ErrorResult(fmt.Sprintf("action %d (%s) failed: %v", i+1, name, err))
		}
		if out != "" {
			extracted = append(extracted, out)
		}
	}

	if len(extracted) == 0 {
		return SilentResult(fmt.Sprintf("completed %d actions", len(rawActions)))
	}
	return SilentResult(strings.Join(extracted, "\n---\n"))
}

func (t *BrowserAutomateTool) runAction(ctx context.Context, page *rod.Page, name, urlArg, selector, value string) (string, error) {
	p := page.Context(ctx).Timeout(defaultActionTimeout)

	switch name {
	case "navigate":
		if urlArg == "" {
			return "", fmt.Errorf("url is required")
		}
		if err := p.Navigate(urlArg); err != nil {
			return "", err
		}
		return "", p.WaitLoad()

	case "fill":
		if selector == "" {
			return "", fmt.Errorf("selector is required")
		}
		el, err := p.Element(selector)
		if err != nil {
			return "", err
		}
		if err := el.SelectAllText(); err == nil {
			_ = el.Input("")
		}
		return "", el.Input(value)

	case "click":
		if selector == "" {
			return "", fmt.Errorf("selector is required")
		}
		el, err := p.Element(selector)
		if err != nil {
			return "", err
		}
		return "", el.Click(proto.InputMouseButtonLeft, 1)

	case "select":
		if selector == "" {
			return "", fmt.Errorf("selector is required")
		}
		el, err := p.Element(selector)
		if err != nil {
			return "", err
		}
		return "", el.Select([]string{value}, true, rod.SelectorTypeText)

	case "extract":
		if selector == "" {
			selector = "body"
		}
		el, err := p.Element(selector)
		if err != nil {
			return "", err
		}
		text, err := el.Text()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(text), nil

	case "wait":
		if selector != "" {
			el, err := p.Element(selector)
			if err != nil {
				return "", err
			}
			return "", el.WaitVisible()
		}
		ms := 1000
		if value != "" {
			if _, err := fmt.Sscanf(value, "%d", &ms); err != nil {
				return "", fmt.Errorf("invalid wait duration %q", value)
			}
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}

	default:
		return "", fmt.Errorf("unknown action %q", name)
	}
}

func (t *BrowserAutomateTool) ensurePage(ctx context.Context) (*rod.Page, error) {
	if t.page != nil {
		return t.page, nil
	}

	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}

	t.browser = browser
	t.page = page
	return page, nil
}

// Close shuts down the headless browser if one was launched.
func (t *BrowserAutomateTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser == nil {
		return nil
	}
	err := t.browser.Close()
	t.browser = nil
	t.page = nil
	return err
}
