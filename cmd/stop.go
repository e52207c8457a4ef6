package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/jobctl"
)

var stopCmd = &cobra.Command{
	Use:   "stop <step>",
	Short: "Stop the running job of an async step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		env, err := initEnv(ctx, "client")
		if err != nil {
			return err
		}
		defer env.Close()
		session := env.Session

		c, err := controllerFor(session, args[0])
		if err != nil {
			return err
		}

		if !c.Definition().Async() {
			return eris.Errorf("%s is synchronous and cannot be stopped", c.Definition())
		}

		recovered, err := c.Recover(ctx)
		if err != nil {
			return err
		}
		if !recovered {
			fmt.Fprintf(out, "No running job for %s\n", c.Definition())
			return nil
		}

		if err := c.Stop(ctx); err != nil {
			return explain(out, err)
		}
		p := c.Presentation()
		if p.Phase == jobctl.PhaseTerminal {
			fmt.Fprintln(out, p.Caption)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
