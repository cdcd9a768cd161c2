package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/agent"
	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/channels"
	"github.com/openweaver/wisp/internal/channels/shangwang"
	"github.com/openweaver/wisp/internal/channels/telegram"
	"github.com/openweaver/wisp/internal/channels/wecom"
	"github.com/openweaver/wisp/internal/channels/whatsapp"
	"github.com/openweaver/wisp/internal/config"
	"github.com/openweaver/wisp/internal/cron"
	"github.com/openweaver/wisp/internal/heartbeat"
	"github.com/openweaver/wisp/internal/history"
	"github.com/openweaver/wisp/internal/knowledge"
	"github.com/openweaver/wisp/internal/mcp"
	"github.com/openweaver/wisp/internal/providers"
	"github.com/openweaver/wisp/internal/sessions"
	"github.com/openweaver/wisp/internal/telemetry"
	"github.com/openweaver/wisp/internal/tools"
	"github.com/openweaver/wisp/internal/workspace"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (channels + agent + scheduler)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	if cfg.Providers.Chat.APIKey == "" {
		fail(fmt.Errorf("no API key configured; run 'wisp onboard' or set WISP_API_KEY"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws := cfg.WorkspacePath()
	if _, err := workspace.Ensure(ws); err != nil {
		fail(fmt.Errorf("prepare workspace: %w", err))
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		fail(fmt.Errorf("telemetry: %w", err))
	}

	msgBus := bus.New()

	provider := providers.NewOpenAIProvider(
		"openai",
		cfg.Providers.Chat.APIKey,
		cfg.Providers.Chat.APIBase,
		cfg.Providers.Chat.Model,
		cfg.Providers.Chat.Proxy,
	)

	sessionMgr := sessions.NewManager(cfg.SessionsPath())

	// Knowledge is optional: without an embedding key the gateway runs
	// with chat and tools only.
	var kb *knowledge.Manager
	embKey := cfg.Providers.Embedding.APIKey
	if embKey == "" {
		embKey = cfg.Providers.Chat.APIKey
	}
	if embKey != "" {
		store, err := knowledge.OpenStore(filepath.Join(ws, "knowledge", "knowledge.db"))
		if err != nil {
			fail(fmt.Errorf("open knowledge store: %w", err))
		}
		defer store.Close()

		embedder := providers.NewOpenAIEmbedder(
			embKey,
			cfg.Providers.Embedding.APIBase,
			cfg.Providers.Embedding.Model,
			cfg.Providers.Embedding.Proxy,
		)
		kb = knowledge.NewManager(store, embedder,
			filepath.Join(ws, "knowledge"),
			cfg.Knowledge.ChunkSizeTokens,
			cfg.Knowledge.ChunkOverlapTokens,
			cfg.Knowledge.TopK,
			cfg.Knowledge.RetentionDays,
		)
		if cfg.Knowledge.Watch {
			watcher, err := knowledge.NewWatcher(kb)
			if err != nil {
				slog.Warn("knowledge watcher unavailable", "error", err)
			} else {
				go watcher.Run(ctx)
			}
		}
	} else {
		slog.Warn("no embedding credentials, knowledge base disabled")
	}

	registry := buildRegistry(cfg, ws, kb)

	mcpMgr := mcp.NewManager(registry, cfg.MCP.Servers)
	mcpMgr.Start(ctx)
	defer mcpMgr.Stop()

	recorder := history.NewRecorder(ws,
		cfg.Channels.Shangwang.AdminNames,
		cfg.Channels.Shangwang.AdminIDs,
	)

	channelMgr := channels.NewManager(msgBus)
	if err := registerChannels(channelMgr, cfg, msgBus, recorder); err != nil {
		fail(err)
	}

	loop := agent.New(agent.Config{
		Provider:      provider,
		Model:         cfg.Agent.Model,
		Sessions:      sessionMgr,
		Registry:      registry,
		Workspace:     ws,
		MaxIterations: cfg.Agent.MaxToolIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		HistoryWindow: cfg.Agent.HistoryWindow,
	})
	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Bus:           msgBus,
		Loop:          loop,
		Recorder:      recorder,
		TurnTimeout:   time.Duration(cfg.Agent.TurnTimeoutSec) * time.Second,
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		DrainTimeout:  time.Duration(cfg.Agent.DrainTimeoutSec) * time.Second,
	})

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	if err := channelMgr.StartAll(ctx); err != nil {
		fail(err)
	}

	cronSvc := cron.NewService(cron.NewStore(cfg.CronStorePath()), msgBus)
	go cronSvc.Run(ctx)

	hbEvery := heartbeat.DefaultInterval
	if cfg.Heartbeat.Every != "" {
		parsed, err := time.ParseDuration(cfg.Heartbeat.Every)
		switch {
		case err != nil:
			slog.Warn("bad heartbeat interval, using default", "value", cfg.Heartbeat.Every)
		case parsed == 0:
			// An explicit "0" turns the heartbeat off.
			hbEvery = -1
		default:
			hbEvery = parsed
		}
	}
	idleEvict := time.Duration(cfg.Sessions.IdleEvictMin) * time.Minute
	hb := heartbeat.New(msgBus, ws, hbEvery, func(ctx context.Context) {
		if n := sessionMgr.EvictIdle(idleEvict); n > 0 {
			slog.Info("evicted idle sessions", "count", n)
		}
		if kb != nil {
			if err := kb.Maintain(ctx); err != nil {
				slog.Warn("knowledge maintenance failed", "error", err)
			}
		}
	})
	go hb.Run(ctx)

	slog.Info("gateway running",
		"workspace", ws,
		"model", cfg.Agent.Model,
		"channels", channelMgr.GetEnabledChannels(),
		"tools", registry.Count(),
	)

	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := channelMgr.StopAll(stopCtx); err != nil {
		slog.Error("error stopping channels", "error", err)
	}
	msgBus.Close()
	<-dispatcherDone

	if err := shutdownTelemetry(stopCtx); err != nil {
		slog.Warn("telemetry flush failed", "error", err)
	}
}

// buildRegistry assembles built-in tools per config.
func buildRegistry(cfg *config.Config, ws string, kb *knowledge.Manager) *tools.Registry {
	registry := tools.NewRegistry()
	register := func(t tools.Tool) {
		if err := registry.Register(t); err != nil {
			slog.Warn("skipping tool", "tool", t.Name(), "error", err)
		}
	}

	register(tools.NewReadFileTool(ws, true))
	register(tools.NewWriteFileTool(ws, true))
	if cfg.Tools.Shell.Enabled {
		register(tools.NewShellExecTool(ws, time.Duration(cfg.Tools.Shell.TimeoutSec)*time.Second))
	}
	if cfg.Tools.WebSearch.Enabled {
		register(tools.NewWebSearchTool(cfg.Tools.WebSearch.MaxResults))
	}
	if cfg.Tools.Browser.Enabled {
		register(tools.NewBrowserAutomateTool())
	}
	if kb != nil {
		register(tools.NewKnowledgeSearchTool(kb))
		register(tools.NewKnowledgeListTool(kb))
		register(tools.NewKnowledgeIngestTool(kb))
		register(tools.NewKnowledgeGetDocumentTool(kb))
	}
	return registry
}

// registerChannels constructs and registers every enabled channel.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, recorder *history.Recorder) error {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		mgr.RegisterChannel("telegram", ch)
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		mgr.RegisterChannel("whatsapp", ch)
	}
	if cfg.Channels.WeCom.Enabled {
		mgr.RegisterChannel("wecom", wecom.NewChannel(cfg.Channels.WeCom, msgBus))
	}
	if cfg.Channels.Shangwang.Enabled {
		ch, err := shangwang.New(cfg.Channels.Shangwang, msgBus, recorder)
		if err != nil {
			return fmt.Errorf("shangwang: %w", err)
		}
		mgr.RegisterChannel("shangwang", ch)
	}
	return nil
}
