package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadflow/internal/jobctl"
	"github.com/sells-group/leadflow/internal/render"
	"github.com/sells-group/leadflow/internal/step"
)

var runCmd = &cobra.Command{
	Use:   "run <step>",
	Short: "Validate parameters and start a pipeline step",
	Long:  "Starts a step on the pipeline service. Sync steps print their result; async steps print the job id and, with --watch, follow the job until it finishes.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pairs, _ := cmd.Flags().GetStringArray("param")
		file, _ := cmd.Flags().GetString("params-file")
		watch, _ := cmd.Flags().GetBool("watch")

		raw, err := loadParams(file, pairs)
		if err != nil {
			return err
		}

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

		return runStep(ctx, cmd.OutOrStdout(), session, c, raw, watch)
	},
}

func runStep(ctx context.Context, out io.Writer, session *jobctl.Session, c *jobctl.Controller, raw map[string]string, watch bool) error {
	def := c.Definition()

	if !def.Async() {
		caption, err := c.RunSync(ctx, raw)
		if err != nil {
			return explain(out, err)
		}
		fmt.Fprintln(out, caption)
		return nil
	}

	var (
		updates <-chan jobctl.Presentation
		cancel  = func() {}
	)
	if watch {
		updates, cancel = session.Subscribe(64)
	}
	defer cancel()

	h, err := c.Submit(ctx, raw)
	if err != nil {
		return explain(out, err)
	}
	fmt.Fprintf(out, "Started %s as job %s\n", def, h.JobID)

	if !watch {
		return nil
	}
	return follow(ctx, render.NewTerminal(out), updates, map[int]bool{def.ID: true}, true)
}

// follow renders updates for the selected steps. With untilTerminal it
// returns once every selected step has reached a terminal state.
func follow(ctx context.Context, term *render.Terminal, updates <-chan jobctl.Presentation, steps map[int]bool, untilTerminal bool) error {
	pending := make(map[int]bool, len(steps))
	for id := range steps {
		pending[id] = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, open := <-updates:
			if !open {
				return nil
			}
			if len(steps) > 0 && !steps[p.StepID] {
				continue
			}
			if err := term.Render(p); err != nil {
				return err
			}
			if untilTerminal && p.Phase == jobctl.PhaseTerminal {
				delete(pending, p.StepID)
				if len(pending) == 0 {
					return nil
				}
			}
		}
	}
}

// explain prints the user-facing caption of controller errors before
// returning them.
func explain(out io.Writer, err error) error {
	var (
		verr *step.ValidationError
		serr *jobctl.SubmissionError
		stop *jobctl.StopError
	)
	switch {
	case errors.As(err, &verr):
		for _, f := range verr.Fields {
			fmt.Fprintf(out, "  %s: %s\n", f.Field, f.Message)
		}
	case errors.As(err, &serr):
		fmt.Fprintf(out, "Error: %s\n", serr.Message())
	case errors.As(err, &stop):
		fmt.Fprintf(out, "Error: %s\n", stop.Message())
	case errors.Is(err, jobctl.ErrBusy):
		fmt.Fprintln(out, "Step is already running.")
	}
	return err
}

// loadParams merges a YAML parameter file with key=value pairs; pairs win.
func loadParams(file string, pairs []string) (map[string]string, error) {
	raw := make(map[string]string)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "read params file %s", file)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, eris.Wrapf(err, "parse params file %s", file)
		}
	}

	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, eris.Errorf("invalid --param %q, expected key=value", kv)
		}
		raw[k] = v
	}
	return raw, nil
}

func init() {
	runCmd.Flags().StringArrayP("param", "p", nil, "step parameter as key=value (repeatable)")
	runCmd.Flags().String("params-file", "", "YAML file of step parameters")
	runCmd.Flags().BoolP("watch", "w", false, "follow an async job until it finishes")
	rootCmd.AddCommand(runCmd)
}
