package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/render"
)

var watchCmd = &cobra.Command{
	Use:   "watch [step...]",
	Short: "Recover running jobs and follow their progress",
	Long:  "Recovers any job that is already running on the service and prints each step's status as it changes. Watches every step when none are given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		jobID, _ := cmd.Flags().GetString("job")

		steps := make(map[int]bool, len(args))
		for _, arg := range args {
			def, err := parseStepID(arg)
			if err != nil {
				return err
			}
			steps[def.ID] = true
		}

		env, err := initEnv(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()
		session := env.Session

		updates, cancel := session.Subscribe(64)
		defer cancel()

		if err := session.Bootstrap(ctx); err != nil {
			zap.L().Warn("bootstrap incomplete", zap.Error(err))
		}

		if jobID != "" {
			if len(args) != 1 {
				return errJobNeedsOneStep
			}
			c, err := controllerFor(session, args[0])
			if err != nil {
				return err
			}
			if err := c.Select(ctx, jobID); err != nil {
				return err
			}
		}

		term := render.NewTerminal(cmd.OutOrStdout())
		for _, p := range session.Snapshot() {
			if len(steps) > 0 && !steps[p.StepID] {
				continue
			}
			if err := term.Render(p); err != nil {
				return err
			}
		}

		return follow(ctx, term, updates, steps, false)
	},
}

func init() {
	watchCmd.Flags().String("job", "", "attach to this job id (requires exactly one step)")
	rootCmd.AddCommand(watchCmd)
}
