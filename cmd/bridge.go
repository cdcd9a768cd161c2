package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/bridge"
)

// bridgeCmd runs the CDP side-car that attaches to the IM desktop app's
// renderer and exposes it as a WebSocket bridge for the shangwang channel.
func bridgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Run the CDP bridge side-car for the shangwang channel",
		Long: "bridge attaches to a Chromium-based IM client over the DevTools protocol,\n" +
			"hooks its message store, and serves frames over WebSocket for the gateway.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := bridge.NewServer(cfg.Bridge).Run(ctx); err != nil && ctx.Err() == nil {
				fail(err)
			}
		},
	}
}
