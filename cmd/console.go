package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Serve step state and controls over HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Console.Port = port
		}

		env, err := initEnv(ctx, "console")
		if err != nil {
			return err
		}
		defer env.Close()
		session := env.Session

		if err := session.Bootstrap(ctx); err != nil {
			zap.L().Warn("bootstrap incomplete", zap.Error(err))
		}

		return console.New(session, cfg.Console,
			console.WithBreakers(env.Breakers),
			console.WithCommandTimeout(cfg.API.Timeout()),
		).ListenAndServe(ctx)
	},
}

func init() {
	consoleCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	rootCmd.AddCommand(consoleCmd)
}
