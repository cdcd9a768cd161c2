package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/agent"
	"github.com/openweaver/wisp/internal/providers"
	"github.com/openweaver/wisp/internal/sessions"
	"github.com/openweaver/wisp/internal/workspace"
)

func agentCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a single agent turn from the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			if message == "" {
				fail(fmt.Errorf("message required, use -m"))
			}
			if err := runAgentOnce(message); err != nil {
				fail(err)
			}
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send to the agent")
	return cmd
}

// runAgentOnce runs a turn against the "cli:local" session, sharing history
// with previous invocations but not with the gateway's live channels.
func runAgentOnce(message string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Providers.Chat.APIKey == "" {
		return fmt.Errorf("no API key configured; run 'wisp onboard' or set WISP_API_KEY")
	}

	ws := cfg.WorkspacePath()
	if _, err := workspace.Ensure(ws); err != nil {
		return err
	}

	provider := providers.NewOpenAIProvider(
		"openai",
		cfg.Providers.Chat.APIKey,
		cfg.Providers.Chat.APIBase,
		cfg.Providers.Chat.Model,
		cfg.Providers.Chat.Proxy,
	)

	kb, closeStore, err := openKnowledge(cfg)
	if err != nil {
		kb = nil
	} else {
		defer closeStore()
	}

	loop := agent.New(agent.Config{
		Provider:      provider,
		Model:         cfg.Agent.Model,
		Sessions:      sessions.NewManager(cfg.SessionsPath()),
		Registry:      buildRegistry(cfg, ws, kb),
		Workspace:     ws,
		MaxIterations: cfg.Agent.MaxToolIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		HistoryWindow: cfg.Agent.HistoryWindow,
	})

	res, err := loop.Run(context.Background(), agent.RunRequest{
		SessionKey: "cli:local",
		Channel:    "cli",
		ChatID:     "local",
		Content:    message,
	})
	if err != nil {
		return err
	}
	fmt.Println(res.Reply)
	return nil
}
