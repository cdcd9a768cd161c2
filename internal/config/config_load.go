package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:         "~/.wisp",
			Model:             "gpt-4o",
			MaxTokens:         4096,
			Temperature:       0.7,
			MaxToolIterations: 20,
			ContextWindow:     128000,
			TurnTimeoutSec:    120,
			MaxConcurrent:     8,
			DrainTimeoutSec:   10,
			HistoryWindow:     50,
		},
		Providers: ProvidersConfig{
			Chat: ProviderConfig{
				APIBase: "https://api.openai.com/v1",
				Model:   "gpt-4o",
			},
			Embedding: ProviderConfig{
				APIBase: "https://api.openai.com/v1",
				Model:   "text-embedding-3-small",
			},
		},
		Bridge: BridgeConfig{
			CDPBase:          "http://127.0.0.1:9222",
			Listen:           "127.0.0.1:3010",
			PollIntervalSec:  3,
			DedupWindowSec:   5,
			MutationNames:    FlexibleStringSlice{"updateNewMsg", "onReceiveMsg", "putMsg", "addMsg", "receiveMsg", "onMsg", "updateCurrSessionMsgs"},
			TargetURLPattern: "im-view",
		},
		Knowledge: KnowledgeConfig{
			ChunkSizeTokens:    512,
			ChunkOverlapTokens: 64,
			TopK:               5,
			RetentionDays:      7,
		},
		Sessions: SessionsConfig{
			Storage:      "~/.wisp/sessions",
			IdleEvictMin: 60,
			MaxHistory:   100,
		},
		Heartbeat: HeartbeatConfig{Every: "30m"},
		Tools: ToolsConfig{
			WebSearch: WebSearchConfig{Enabled: true, MaxResults: 5},
			Browser:   BrowserToolConfig{Enabled: true, Headless: true},
			Shell:     ShellToolConfig{Enabled: true, TimeoutSec: 60},
		},
		LogLevel: "info",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults — onboard writes the first real config.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("WISP_API_KEY", &c.Providers.Chat.APIKey)
	envStr("WISP_API_BASE", &c.Providers.Chat.APIBase)
	envStr("WISP_MODEL", &c.Providers.Chat.Model)
	envStr("WISP_EMBEDDING_API_KEY", &c.Providers.Embedding.APIKey)
	envStr("WISP_EMBEDDING_API_BASE", &c.Providers.Embedding.APIBase)
	envStr("WISP_EMBEDDING_MODEL", &c.Providers.Embedding.Model)

	envStr("WISP_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("WISP_WECOM_CORP_ID", &c.Channels.WeCom.CorpID)
	envStr("WISP_WECOM_CORP_SECRET", &c.Channels.WeCom.CorpSecret)
	if v := os.Getenv("WISP_WECOM_AGENT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Channels.WeCom.AgentID = id
		}
	}

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.WeCom.CorpID != "" && c.Channels.WeCom.CorpSecret != "" {
		c.Channels.WeCom.Enabled = true
	}

	envStr("WISP_WORKSPACE", &c.Agent.Workspace)
	envStr("WISP_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("WISP_BRIDGE_URL", &c.Channels.Shangwang.BridgeURL)
	envStr("WISP_CDP_BASE", &c.Bridge.CDPBase)
	envStr("WISP_LOG_LEVEL", &c.LogLevel)

	// Telemetry
	envStr("WISP_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WISP_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WISP_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("WISP_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WISP_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Shangwang admin lists from env (comma-separated)
	if v := os.Getenv("WISP_ADMIN_NAMES"); v != "" {
		c.Channels.Shangwang.AdminNames = strings.Split(v, ",")
	}
	if v := os.Getenv("WISP_ADMIN_IDS"); v != "" {
		c.Channels.Shangwang.AdminIDs = strings.Split(v, ",")
	}
}

// Save writes the config to a JSON file atomically (temp + rename).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// SessionsPath returns the expanded sessions storage path.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Sessions.Storage != "" {
		return ExpandHome(c.Sessions.Storage)
	}
	return filepath.Join(ExpandHome(c.Agent.Workspace), "sessions")
}

// CronStorePath returns the cron jobs file location.
func (c *Config) CronStorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Cron.StorePath != "" {
		return ExpandHome(c.Cron.StorePath)
	}
	return filepath.Join(ExpandHome(c.Agent.Workspace), "cron", "jobs.json")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
