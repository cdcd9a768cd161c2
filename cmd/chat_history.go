package cmd

import (
	"context"
	"fmt"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/channels/shangwang"
	"github.com/openweaver/wisp/internal/history"
)

func chatHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat-history",
		Short: "Inspect and export recorded chat transcripts",
	}
	cmd.AddCommand(chatHistoryListCmd())
	cmd.AddCommand(chatHistoryExportCmd())
	cmd.AddCommand(chatHistoryDiagnoseCmd())
	cmd.AddCommand(chatHistoryReRoleCmd())
	cmd.AddCommand(chatHistoryFetchCmd())
	return cmd
}

func newRecorder() *history.Recorder {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	return history.NewRecorder(cfg.WorkspacePath(),
		cfg.Channels.Shangwang.AdminNames,
		cfg.Channels.Shangwang.AdminIDs,
	)
}

func chatHistoryListCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded chats for a channel",
		Run: func(cmd *cobra.Command, args []string) {
			chats := newRecorder().ListChats(channel)
			if len(chats) == 0 {
				fmt.Println("no transcripts for channel", channel)
				return
			}
			for _, c := range chats {
				kind := "direct"
				if c.IsGroup {
					kind = "group"
				}
				fmt.Printf("%s %s %d messages\n",
					runewidth.FillRight(c.ChatID, 28),
					runewidth.FillRight(kind, 7),
					c.MsgCount)
			}
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "shangwang", "channel to list")
	return cmd
}

func chatHistoryExportCmd() *cobra.Command {
	var (
		channel string
		chatID  string
		outDir  string
		minLen  int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export customer→admin Q&A pairs as markdown",
		Run: func(cmd *cobra.Command, args []string) {
			pairs, path, err := newRecorder().ExportQAPairs(channel, outDir, minLen, chatID)
			if err != nil {
				fail(err)
			}
			if len(pairs) == 0 {
				fmt.Println("no Q&A pairs found; try 'wisp chat-history diagnose'")
				return
			}
			fmt.Printf("exported %d pairs to %s\n", len(pairs), path)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "shangwang", "channel to export")
	cmd.Flags().StringVar(&chatID, "chat", "", "restrict to one chat ID")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default: workspace)")
	cmd.Flags().IntVar(&minLen, "min-len", 0, "minimum turn length in runes (0 = default)")
	return cmd
}

func chatHistoryDiagnoseCmd() *cobra.Command {
	var (
		channel string
		chatID  string
	)
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Explain why an export produced no Q&A pairs",
		Run: func(cmd *cobra.Command, args []string) {
			d := newRecorder().Diagnose(channel, chatID)
			fmt.Println("admin names:", d.AdminNames)
			fmt.Println("admin ids:  ", d.AdminIDs)
			if !d.AdminConfigured {
				fmt.Println("admin identity not configured")
			}
			for _, c := range d.Chats {
				fmt.Printf("%s total=%d admin=%d customer=%d unknown=%d pairs=%d\n",
					runewidth.FillRight(c.ChatID, 28),
					c.Total, c.Admin, c.Customer, c.Unknown, c.QAPairs)
			}
			if d.Hint != "" {
				fmt.Println("hint:", d.Hint)
			}
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "shangwang", "channel to inspect")
	cmd.Flags().StringVar(&chatID, "chat", "", "restrict to one chat ID")
	return cmd
}

func chatHistoryReRoleCmd() *cobra.Command {
	var (
		channel string
		chatID  string
	)
	cmd := &cobra.Command{
		Use:   "re-role",
		Short: "Relabel transcript roles after changing the admin identity",
		Run: func(cmd *cobra.Command, args []string) {
			changed, err := newRecorder().ReRole(channel, chatID)
			if err != nil {
				fail(err)
			}
			fmt.Printf("relabelled %d rows\n", changed)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "shangwang", "channel to relabel")
	cmd.Flags().StringVar(&chatID, "chat", "", "restrict to one chat ID")
	return cmd
}

// chatHistoryFetchCmd archives the conversation currently open in the IM
// page. Useful for backfilling history from before the hook was installed.
func chatHistoryFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-chat",
		Short: "Archive the conversation currently open in the shangwang page",
		Run: func(cmd *cobra.Command, args []string) {
			withShangwangRecorder(newRecorder(), func(ctx context.Context, ch *shangwang.Channel) error {
				chatID, added, err := ch.FetchCurrentChat(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("archived %d new messages from %s\n", added, chatID)
				return nil
			})
		},
	}
}
