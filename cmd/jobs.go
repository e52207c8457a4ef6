package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/render"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <step>",
	Short: "List jobs the service knows for an async step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		output, _ := cmd.Flags().GetString("output")

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
			return eris.Errorf("%s is synchronous and has no jobs", c.Definition())
		}

		jobs, err := c.RefreshJobs(ctx)
		if err != nil {
			return err
		}

		if output == "yaml" {
			out, err := render.YAML(jobs)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		}

		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), render.Jobs(jobs))
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringP("output", "o", "text", "output format: text or yaml")
	rootCmd.AddCommand(jobsCmd)
}
