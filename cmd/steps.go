package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/render"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List pipeline steps and whether their input is available",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		output, _ := cmd.Flags().GetString("output")

		env, err := initEnv(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()
		session := env.Session

		if err := session.RefreshAvailability(ctx); err != nil {
			zap.L().Warn("availability incomplete", zap.Error(err))
		}
		snap := session.Snapshot()

		switch output {
		case "yaml":
			out, err := render.YAML(snap)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
		case "text":
			fmt.Fprintln(cmd.OutOrStdout(), render.Steps(snap))
		default:
			return eris.Errorf("unknown output format %q", output)
		}
		return nil
	},
}

func init() {
	stepsCmd.Flags().StringP("output", "o", "text", "output format: text or yaml")
	rootCmd.AddCommand(stepsCmd)
}
