package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/channels/shangwang"
	"github.com/openweaver/wisp/internal/channels/whatsapp"
	"github.com/openweaver/wisp/internal/config"
	"github.com/openweaver/wisp/internal/history"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect and control chat channels",
	}
	cmd.AddCommand(channelsStatusCmd())
	cmd.AddCommand(channelsLoginCmd())
	cmd.AddCommand(channelsSessionsCmd())
	cmd.AddCommand(channelsMyIDCmd())
	cmd.AddCommand(channelsRehookCmd())
	return cmd
}

func channelsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which channels are configured",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}
			rows := [][2]string{
				{"telegram", channelState(cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")},
				{"whatsapp", channelState(cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")},
				{"wecom", channelState(cfg.Channels.WeCom.Enabled, cfg.Channels.WeCom.CorpID != "")},
				{"shangwang", channelState(cfg.Channels.Shangwang.Enabled, cfg.Channels.Shangwang.BridgeURL != "")},
			}
			for _, row := range rows {
				fmt.Printf("%s %s\n", runewidth.FillRight(row[0], 12), row[1])
			}
		},
	}
}

func channelState(enabled, configured bool) string {
	switch {
	case enabled && configured:
		return "enabled"
	case enabled:
		return "enabled (missing credentials)"
	case configured:
		return "disabled (configured)"
	default:
		return "disabled"
	}
}

func channelsLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Link the WhatsApp device through the bridge",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}
			ch, err := whatsapp.New(cfg.Channels.WhatsApp, bus.New())
			if err != nil {
				fail(err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			fmt.Println("waiting for QR code from the bridge...")
			err = ch.Login(ctx, func(code string) {
				fmt.Println("scan this code in WhatsApp > Linked Devices:")
				fmt.Println(code)
			})
			if err != nil {
				fail(err)
			}
			fmt.Println("device linked")
		},
	}
}

func channelsSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List open conversations on the shangwang bridge",
		Run: func(cmd *cobra.Command, args []string) {
			withShangwang(func(ctx context.Context, ch *shangwang.Channel) error {
				sessions, err := ch.Sessions(ctx)
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Println("no open conversations")
					return nil
				}
				for _, s := range sessions {
					nick := s.Nick
					if nick == "" {
						nick = s.ID
					}
					unread := ""
					if s.Unread > 0 {
						unread = fmt.Sprintf(" (%d unread)", s.Unread)
					}
					fmt.Printf("%s %s%s\n",
						runewidth.FillRight(s.ID, 24),
						runewidth.Truncate(nick, 20, "…"),
						unread)
				}
				return nil
			})
		},
	}
}

func channelsMyIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "my-id",
		Short: "Show the shangwang account the bridge is logged in as",
		Run: func(cmd *cobra.Command, args []string) {
			withShangwang(func(ctx context.Context, ch *shangwang.Channel) error {
				id, err := ch.MyID(ctx)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
}

func channelsRehookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rehook",
		Short: "Reinstall the bridge's in-page message hook",
		Run: func(cmd *cobra.Command, args []string) {
			withShangwang(func(ctx context.Context, ch *shangwang.Channel) error {
				if err := ch.Rehook(ctx); err != nil {
					return err
				}
				fmt.Println("rehook requested")
				return nil
			})
		},
	}
}

// withShangwang connects a short-lived shangwang client for control queries.
func withShangwang(fn func(ctx context.Context, ch *shangwang.Channel) error) {
	withShangwangRecorder(nil, fn)
}

func withShangwangRecorder(recorder *history.Recorder, fn func(ctx context.Context, ch *shangwang.Channel) error) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	ch, err := newShangwangClient(cfg, recorder)
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ch.Start(ctx); err != nil {
		fail(err)
	}
	defer ch.Stop(context.Background())

	if err := fn(ctx, ch); err != nil {
		fail(err)
	}
}

func newShangwangClient(cfg *config.Config, recorder *history.Recorder) (*shangwang.Channel, error) {
	swCfg := cfg.Channels.Shangwang
	if swCfg.BridgeURL == "" {
		return nil, fmt.Errorf("shangwang bridge_url not configured; is 'wisp bridge' set up?")
	}
	return shangwang.New(swCfg, bus.New(), recorder)
}
