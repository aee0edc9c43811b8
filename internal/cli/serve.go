package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsdeck/opsdeck/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the opsdeck daemon",
	Long:  "Run the polling engine and broker connection until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		d, err := daemon.New(cfg, daemon.Options{Version: Version})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Run(ctx)
	},
}
