package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the wisp gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Bridge    BridgeConfig    `json:"bridge,omitempty"`
	Knowledge KnowledgeConfig `json:"knowledge,omitempty"`
	Sessions  SessionsConfig  `json:"sessions,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	LogLevel  string          `json:"log_level,omitempty"` // debug, info, warn, error
	mu        sync.RWMutex
}

// AgentConfig holds the agent loop settings.
type AgentConfig struct {
	Workspace         string  `json:"workspace"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
	ContextWindow     int     `json:"context_window"`
	TurnTimeoutSec    int     `json:"turn_timeout_sec,omitempty"`    // soft deadline per inbound turn
	MaxConcurrent     int     `json:"max_concurrent,omitempty"`      // parallel turns across session keys
	DrainTimeoutSec   int     `json:"drain_timeout_sec,omitempty"`   // shutdown drain deadline
	HistoryWindow     int     `json:"history_window,omitempty"`      // session turns kept in context
}

// ProvidersConfig configures the LLM and embedding endpoints.
type ProvidersConfig struct {
	Chat      ProviderConfig `json:"chat"`
	Embedding ProviderConfig `json:"embedding"`
}

// ProviderConfig is one OpenAI-compatible HTTP endpoint.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
	Proxy   string `json:"proxy,omitempty"`
}

// ChannelsConfig holds per-transport settings.
type ChannelsConfig struct {
	WhatsApp  WhatsAppConfig  `json:"whatsapp,omitempty"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	WeCom     WeComConfig     `json:"wecom,omitempty"`
	Shangwang ShangwangConfig `json:"shangwang,omitempty"`
}

// WhatsAppConfig configures the WhatsApp device-link bridge channel.
type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled"`
	BridgeURL string              `json:"bridge_url,omitempty"` // ws:// endpoint of the bridge process
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token,omitempty"`
	Proxy     string              `json:"proxy,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
}

// WeComConfig configures the WeCom (enterprise WeChat) push channel.
type WeComConfig struct {
	Enabled    bool                `json:"enabled"`
	CorpID     string              `json:"corp_id,omitempty"`
	CorpSecret string              `json:"corp_secret,omitempty"`
	AgentID    int                 `json:"agent_id,omitempty"`
	AllowFrom  FlexibleStringSlice `json:"allow_from,omitempty"`
}

// ShangwangConfig configures the 商网 IM channel reached through the CDP bridge.
type ShangwangConfig struct {
	Enabled    bool                `json:"enabled"`
	BridgeURL  string              `json:"bridge_url,omitempty"` // ws:// endpoint of the CDP bridge side-car
	AllowFrom  FlexibleStringSlice `json:"allow_from,omitempty"`
	AdminNames FlexibleStringSlice `json:"admin_names,omitempty"` // transcript role labelling
	AdminIDs   FlexibleStringSlice `json:"admin_ids,omitempty"`
}

// BridgeConfig configures the CDP bridge side-car itself (wisp bridge).
type BridgeConfig struct {
	CDPBase          string              `json:"cdp_base,omitempty"`          // http://host:port of the remote-debugging endpoint
	Listen           string              `json:"listen,omitempty"`            // host:port the bridge WS server binds
	PollIntervalSec  int                 `json:"poll_interval_sec,omitempty"` // hook queue drain interval
	DedupWindowSec   int                 `json:"dedup_window_sec,omitempty"`
	MutationNames    FlexibleStringSlice `json:"mutation_names,omitempty"` // store mutation heuristics, app versions vary
	DownloadDir      string              `json:"download_dir,omitempty"`   // where intercepted attachments are saved
	LocalCacheDir    string              `json:"local_cache_dir,omitempty"` // the IM app's own download directory, last-resort copy source
	TargetURLPattern string              `json:"target_url_pattern,omitempty"` // substring that identifies the chat renderer
}

// KnowledgeConfig configures the RAG store.
type KnowledgeConfig struct {
	ChunkSizeTokens    int  `json:"chunk_size_tokens,omitempty"`
	ChunkOverlapTokens int  `json:"chunk_overlap_tokens,omitempty"`
	TopK               int  `json:"top_k,omitempty"`
	RetentionDays      int  `json:"retention_days,omitempty"` // short_term eviction age
	Watch              bool `json:"watch,omitempty"`          // auto-ingest on file changes
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	Storage        string `json:"storage,omitempty"`
	IdleEvictMin   int    `json:"idle_evict_min,omitempty"`
	MaxHistory     int    `json:"max_history,omitempty"`
}

// CronConfig configures the scheduler.
type CronConfig struct {
	StorePath string `json:"store_path,omitempty"` // jobs.json location, default <workspace>/cron/jobs.json
}

// HeartbeatConfig configures the periodic maintenance turn.
type HeartbeatConfig struct {
	Every string `json:"every,omitempty"` // Go duration, "0" disables (default "30m")
}

// ToolsConfig configures built-in tools.
type ToolsConfig struct {
	WebSearch WebSearchConfig   `json:"web_search,omitempty"`
	Browser   BrowserToolConfig `json:"browser,omitempty"`
	Shell     ShellToolConfig   `json:"shell,omitempty"`
}

// WebSearchConfig configures the web_search tool.
type WebSearchConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results,omitempty"`
}

// BrowserToolConfig configures the browser_automate tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless"`
}

// ShellToolConfig configures shell_exec.
type ShellToolConfig struct {
	Enabled    bool `json:"enabled"`
	TimeoutSec int  `json:"timeout_sec,omitempty"`
}

// MCPConfig lists external MCP tool servers to merge into the registry.
type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport,omitempty"` // "stdio" (default) or "http"
	Command   string            `json:"command,omitempty"`   // stdio
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"` // http
}

// TelemetryConfig configures OpenTelemetry export for agent-turn spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // OTLP endpoint
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Providers = src.Providers
	c.Channels = src.Channels
	c.Bridge = src.Bridge
	c.Knowledge = src.Knowledge
	c.Sessions = src.Sessions
	c.Cron = src.Cron
	c.Heartbeat = src.Heartbeat
	c.Tools = src.Tools
	c.MCP = src.MCP
	c.Telemetry = src.Telemetry
	c.LogLevel = src.LogLevel
}
