package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/config"
	"github.com/openweaver/wisp/internal/workspace"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runOnboard(); err != nil {
				fail(err)
			}
		},
	}
}

func runOnboard() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	enableTelegram := cfg.Channels.Telegram.Enabled
	enableShangwang := cfg.Channels.Shangwang.Enabled

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("OpenAI-compatible API key").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Providers.Chat.APIKey),
			huh.NewInput().
				Title("API base URL").
				Description("Leave as-is for api.openai.com").
				Value(&cfg.Providers.Chat.APIBase),
			huh.NewInput().
				Title("Chat model").
				Value(&cfg.Providers.Chat.Model),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Telegram?").
				Value(&enableTelegram),
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather; leave empty to skip").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.Telegram.Token),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the shangwang bridge channel?").
				Description("Requires the CDP side-car: wisp bridge").
				Value(&enableShangwang),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Channels.Telegram.Enabled = enableTelegram && cfg.Channels.Telegram.Token != ""
	cfg.Channels.Shangwang.Enabled = enableShangwang
	cfg.Agent.Model = cfg.Providers.Chat.Model

	ws := cfg.WorkspacePath()
	created, err := workspace.Ensure(ws)
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	for _, f := range created {
		fmt.Println("seeded", f)
	}

	path := configPath()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Println("config written to", path)
	fmt.Println("workspace at", ws)
	fmt.Println("run 'wisp gateway' to start")
	return nil
}
