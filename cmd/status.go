package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/cron"
	"github.com/openweaver/wisp/internal/sessions"
)

// statusCmd reports local state only; it does not probe the running
// gateway or any remote endpoint.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace, config, and stored state",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}

			fmt.Println("config:    ", configPath())
			fmt.Println("workspace: ", cfg.WorkspacePath())
			fmt.Println("model:     ", cfg.Agent.Model)
			if cfg.Providers.Chat.APIKey == "" {
				fmt.Println("api key:    not set")
			} else {
				fmt.Println("api key:    set")
			}

			sessionList := sessions.NewManager(cfg.SessionsPath()).List()
			fmt.Println("sessions:  ", len(sessionList))

			jobs, err := cron.NewStore(cfg.CronStorePath()).Load()
			if err != nil {
				fmt.Println("cron jobs:  unreadable:", err)
			} else {
				enabled := 0
				for _, j := range jobs {
					if j.Enabled {
						enabled++
					}
				}
				fmt.Printf("cron jobs:  %d (%d enabled)\n", len(jobs), enabled)
			}

			if kb, closeStore, err := openKnowledge(cfg); err == nil {
				mainCount, webCount, kerr := kb.Status(context.Background())
				if kerr == nil {
					fmt.Printf("knowledge:  %d chunks, %d web-cached\n", mainCount, webCount)
				}
				closeStore()
			} else {
				fmt.Println("knowledge:  disabled:", err)
			}

			if _, err := os.Stat(configPath()); os.IsNotExist(err) {
				fmt.Println()
				fmt.Println("no config file yet; run 'wisp onboard'")
			}
		},
	}
}
