// Package render formats step presentations for a terminal.
package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadflow/internal/jobctl"
	"github.com/sells-group/leadflow/internal/step"
	"github.com/sells-group/leadflow/pkg/stepapi"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

// Marker returns the status glyph for a presentation.
func Marker(p jobctl.Presentation) string {
	switch p.Phase {
	case jobctl.PhaseSubmitting:
		return warnStyle.Render("…")
	case jobctl.PhaseRunning:
		return accentStyle.Render("●")
	case jobctl.PhaseTerminal:
		if strings.HasPrefix(p.Caption, "Job completed") {
			return successStyle.Render("✓")
		}
		return errorStyle.Render("✗")
	default:
		if strings.HasPrefix(p.Caption, "Error:") {
			return errorStyle.Render("✗")
		}
		return mutedStyle.Render("○")
	}
}

// Line renders one presentation as a single line without a trailing newline.
func Line(p jobctl.Presentation) string {
	var sb strings.Builder
	sb.WriteString(Marker(p))
	sb.WriteString(" ")
	sb.WriteString(boldStyle.Render(fmt.Sprintf("step %d", p.StepID)))
	sb.WriteString(" ")
	sb.WriteString(mutedStyle.Render(p.Title))

	var controls []string
	if p.RunEnabled {
		controls = append(controls, "run")
	}
	if p.StopEnabled {
		controls = append(controls, "stop")
	}
	if len(controls) > 0 {
		sb.WriteString(" " + mutedStyle.Render("["+strings.Join(controls, "|")+"]"))
	}

	if p.Caption != "" {
		sb.WriteString("  ")
		sb.WriteString(p.Caption)
	}
	return sb.String()
}

// Terminal writes presentation lines to out. It is safe for concurrent use.
type Terminal struct {
	mu   sync.Mutex
	out  io.Writer
	last map[int]string
}

// NewTerminal creates a Terminal writing to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out, last: make(map[int]string)}
}

// Render prints p unless it is identical to the step's previous line.
func (t *Terminal) Render(p jobctl.Presentation) error {
	line := Line(p)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last[p.StepID] == line {
		return nil
	}
	t.last[p.StepID] = line
	if _, err := fmt.Fprintln(t.out, line); err != nil {
		return eris.Wrap(err, "render: write line")
	}
	return nil
}

// Steps renders the registry joined with current presentations as a table.
func Steps(snap []jobctl.Presentation) string {
	rows := make([][]string, 0, len(snap))
	for _, p := range snap {
		def, _ := step.Lookup(p.StepID)
		input := def.InputFolder
		if input == "" {
			input = "-"
		}
		rows = append(rows, []string{
			strconv.Itoa(p.StepID),
			def.Title,
			string(def.Kind),
			input,
			def.OutputFolder,
			yesNo(p.Available),
			string(p.Phase),
			p.Caption,
		})
	}
	return Table([]string{"ID", "TITLE", "KIND", "INPUT", "OUTPUT", "AVAILABLE", "STATE", "STATUS"}, rows)
}

// Jobs renders job summaries as a table.
func Jobs(jobs []stepapi.JobSummary) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		out := j.OutputCSV
		if out == "" {
			out = "-"
		}
		rows = append(rows, []string{j.JobID, j.InputCSV, out, j.Status})
	}
	return Table([]string{"JOB", "INPUT", "OUTPUT", "STATUS"}, rows)
}

// Table renders a styled table with rounded borders.
func Table(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return cellStyle
			default:
				return oddStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}

// YAML marshals v for machine-readable output.
func YAML(v any) (string, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "render: marshal yaml")
	}
	return string(out), nil
}

func yesNo(v bool) string {
	if v {
		return successStyle.Render("yes")
	}
	return mutedStyle.Render("no")
}
