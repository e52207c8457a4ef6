// Package step describes the stages of the lead pipeline and validates the
// parameters a user supplies before a stage is started.
package step

import (
	"fmt"
	"sort"
)

// Kind distinguishes fire-and-wait steps from remotely tracked jobs.
type Kind string

const (
	KindSync  Kind = "sync"
	KindAsync Kind = "async"
)

// ParamType is the wire type of a step parameter.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeBool   ParamType = "bool"
)

// Constraint restricts the accepted values of a parameter.
type Constraint string

const (
	ConstraintNone        Constraint = ""
	ConstraintPositive    Constraint = "positive"
	ConstraintNonNegative Constraint = "non-negative"
	ConstraintNonEmpty    Constraint = "non-empty"
	// ConstraintSelection is a non-empty value picked from a listing (an
	// input CSV from the step's input folder).
	ConstraintSelection Constraint = "selection"
)

// Parameter names shared across steps.
const (
	ParamHTMLContent        = "html_content"
	ParamOutputFile         = "output_file"
	ParamInputCSV           = "input_csv"
	ParamMaxRows            = "max_rows"
	ParamBatchSize          = "batch_size"
	ParamOffset             = "offset"
	ParamTorRestartInterval = "tor_restart_interval"
	ParamAgentPrompt        = "agent_prompt"
	ParamDeleteNoWebsite    = "delete_no_website"
	ParamDeleteNoEmail      = "delete_no_email"
	ParamDeleteInvalid      = "delete_invalid"
	ParamDeleteNoIcebreaker = "delete_no_icebreaker"
)

// ParamSpec declares one input of a step.
type ParamSpec struct {
	Name       string     `json:"name" yaml:"name"`
	Label      string     `json:"label" yaml:"label"`
	Type       ParamType  `json:"type" yaml:"type"`
	Constraint Constraint `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Default    any        `json:"default,omitempty" yaml:"default,omitempty"`
	// Missing is the message shown when a string value is absent.
	Missing string `json:"-" yaml:"-"`
}

// Required reports whether the parameter has no default and must be supplied.
func (p ParamSpec) Required() bool {
	return p.Default == nil
}

// Definition is the immutable description of a pipeline step.
type Definition struct {
	ID              int         `json:"id" yaml:"id"`
	Title           string      `json:"title" yaml:"title"`
	Kind            Kind        `json:"kind" yaml:"kind"`
	Params          []ParamSpec `json:"params" yaml:"params"`
	InputFolder     string      `json:"input_folder,omitempty" yaml:"input_folder,omitempty"`
	OutputFolder    string      `json:"output_folder" yaml:"output_folder"`
	StartingMessage string      `json:"starting_message" yaml:"starting_message"`
}

// Async reports whether the step runs as a polled remote job.
func (d Definition) Async() bool {
	return d.Kind == KindAsync
}

func (d Definition) String() string {
	return fmt.Sprintf("step %d (%s)", d.ID, d.Title)
}

func inputCSV() ParamSpec {
	return ParamSpec{Name: ParamInputCSV, Label: "Input CSV", Type: TypeString, Constraint: ConstraintSelection, Missing: "Please select an input CSV."}
}

func maxRows() ParamSpec {
	return ParamSpec{Name: ParamMaxRows, Label: "Maximum rows", Type: TypeInt, Constraint: ConstraintPositive, Default: 2000}
}

func batchSize(def int) ParamSpec {
	return ParamSpec{Name: ParamBatchSize, Label: "Batch size", Type: TypeInt, Constraint: ConstraintPositive, Default: def}
}

func offset() ParamSpec {
	return ParamSpec{Name: ParamOffset, Label: "Offset", Type: TypeInt, Constraint: ConstraintNonNegative, Default: 0}
}

func torRestartInterval() ParamSpec {
	return ParamSpec{Name: ParamTorRestartInterval, Label: "Tor restart interval", Type: TypeInt, Constraint: ConstraintPositive, Default: 30}
}

func flag(name, label string) ParamSpec {
	return ParamSpec{Name: name, Label: label, Type: TypeBool, Default: true}
}

// registry is keyed by step id. Step 4 (URL update) is retired upstream and
// intentionally absent.
var registry = map[int]Definition{
	1: {
		ID:    1,
		Title: "Parse Sales Navigator HTML",
		Kind:  KindSync,
		Params: []ParamSpec{
			{Name: ParamHTMLContent, Label: "HTML content", Type: TypeString, Constraint: ConstraintNonEmpty, Missing: "Please paste HTML content."},
			{Name: ParamOutputFile, Label: "Output CSV filename", Type: TypeString, Constraint: ConstraintNonEmpty, Missing: "Please enter an output CSV filename."},
		},
		OutputFolder:    "csv",
		StartingMessage: "Processing...",
	},
	2: {
		ID:              2,
		Title:           "Remove rows without company URL",
		Kind:            KindSync,
		Params:          []ParamSpec{inputCSV()},
		InputFolder:     "csv",
		OutputFolder:    "filtered_url",
		StartingMessage: "Processing...",
	},
	3: {
		ID:              3,
		Title:           "Correct company names",
		Kind:            KindSync,
		Params:          []ParamSpec{inputCSV()},
		InputFolder:     "filtered_url",
		OutputFolder:    "updated_name",
		StartingMessage: "Processing...",
	},
	5: {
		ID:    5,
		Title: "Extract company website and about",
		Kind:  KindAsync,
		Params: []ParamSpec{
			inputCSV(), maxRows(), batchSize(100), offset(),
			flag(ParamDeleteNoWebsite, "Delete rows without website"),
		},
		InputFolder:     "updated_name",
		OutputFolder:    "domain_about",
		StartingMessage: "Processing...",
	},
	6: {
		ID:    6,
		Title: "Find emails",
		Kind:  KindAsync,
		Params: []ParamSpec{
			inputCSV(), maxRows(), batchSize(50), offset(), torRestartInterval(),
			flag(ParamDeleteNoEmail, "Delete rows without email"),
		},
		InputFolder:     "domain_about",
		OutputFolder:    "emails",
		StartingMessage: "Starting email finder process...",
	},
	7: {
		ID:    7,
		Title: "Verify emails",
		Kind:  KindAsync,
		Params: []ParamSpec{
			inputCSV(), maxRows(), batchSize(50), offset(), torRestartInterval(),
			flag(ParamDeleteInvalid, "Delete invalid emails"),
		},
		InputFolder:     "emails",
		OutputFolder:    "verified",
		StartingMessage: "Starting email verification process...",
	},
	8: {
		ID:    8,
		Title: "Generate icebreakers",
		Kind:  KindAsync,
		Params: []ParamSpec{
			inputCSV(), maxRows(), batchSize(50), offset(),
			{Name: ParamAgentPrompt, Label: "Agent prompt", Type: TypeString, Constraint: ConstraintNonEmpty, Missing: "Please enter an agent prompt."},
			flag(ParamDeleteNoIcebreaker, "Delete rows without icebreaker"),
		},
		InputFolder:     "verified",
		OutputFolder:    "icebreakers",
		StartingMessage: "Starting icebreaker generation process...",
	},
}

// Lookup returns the definition for a step id.
func Lookup(id int) (Definition, bool) {
	d, ok := registry[id]
	return d, ok
}

// All returns every registered step ordered by id.
func All() []Definition {
	defs := make([]Definition, 0, len(registry))
	for _, d := range registry {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// AsyncSteps returns the steps that run as tracked jobs, ordered by id.
func AsyncSteps() []Definition {
	var defs []Definition
	for _, d := range All() {
		if d.Async() {
			defs = append(defs, d)
		}
	}
	return defs
}
