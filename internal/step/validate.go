package step

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// FieldError is a single rejected parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every rejected parameter of one submission attempt.
type ValidationError struct {
	StepID int
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return fmt.Sprintf("step %d: invalid parameters: %s", e.StepID, strings.Join(msgs, "; "))
}

// Caption renders the error the way a step's status line shows it.
func (e *ValidationError) Caption() string {
	if len(e.Fields) == 0 {
		return "Error: invalid parameters."
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return "Error: " + strings.Join(msgs, " ")
}

// ErrUnknownStep is returned for ids absent from the registry.
var ErrUnknownStep = eris.New("step: unknown step")

// Params are validated, typed parameters ready for submission.
type Params struct {
	StepID int
	values map[string]any
}

// NewParams builds Params from already-typed values. It performs no
// validation; use Validate for user input.
func NewParams(stepID int, values map[string]any) Params {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Params{StepID: stepID, values: cp}
}

// String returns a string parameter, or "" when absent.
func (p Params) String(name string) string {
	s, _ := p.values[name].(string)
	return s
}

// Int returns an integer parameter, or 0 when absent.
func (p Params) Int(name string) int {
	n, _ := p.values[name].(int)
	return n
}

// Bool returns a boolean parameter, or false when absent.
func (p Params) Bool(name string) bool {
	b, _ := p.values[name].(bool)
	return b
}

// Body returns a copy of the values suitable for a JSON request body.
func (p Params) Body() map[string]any {
	body := make(map[string]any, len(p.values))
	for k, v := range p.values {
		body[k] = v
	}
	return body
}

// Validate checks raw user input against the step's declared parameters and
// returns typed values. It is pure: no I/O, no side effects. All failing
// fields are reported together, in declaration order.
func Validate(stepID int, raw map[string]string) (Params, error) {
	def, ok := Lookup(stepID)
	if !ok {
		return Params{}, eris.Wrapf(ErrUnknownStep, "step: validate %d", stepID)
	}

	values := make(map[string]any, len(def.Params))
	var fields []FieldError
	known := make(map[string]bool, len(def.Params))

	for _, spec := range def.Params {
		known[spec.Name] = true
		v, present := raw[spec.Name]

		switch spec.Type {
		case TypeString:
			s := strings.TrimSpace(v)
			if s == "" && (spec.Constraint == ConstraintNonEmpty || spec.Constraint == ConstraintSelection) {
				fields = append(fields, FieldError{Field: spec.Name, Message: missingMessage(spec)})
				continue
			}
			values[spec.Name] = s

		case TypeInt:
			if !present && spec.Default != nil {
				values[spec.Name] = spec.Default
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || !satisfies(spec.Constraint, n) {
				fields = append(fields, FieldError{Field: spec.Name, Message: intMessage(spec)})
				continue
			}
			values[spec.Name] = n

		case TypeBool:
			if !present {
				if b, ok := spec.Default.(bool); ok {
					values[spec.Name] = b
				} else {
					values[spec.Name] = false
				}
				continue
			}
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				fields = append(fields, FieldError{Field: spec.Name, Message: fmt.Sprintf("%s must be true or false.", spec.Label)})
				continue
			}
			values[spec.Name] = b
		}
	}

	var unknown []string
	for name := range raw {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		fields = append(fields, FieldError{Field: name, Message: fmt.Sprintf("Unknown parameter %q.", name)})
	}

	if len(fields) > 0 {
		return Params{}, &ValidationError{StepID: stepID, Fields: fields}
	}
	return Params{StepID: stepID, values: values}, nil
}

func satisfies(c Constraint, n int) bool {
	switch c {
	case ConstraintPositive:
		return n >= 1
	case ConstraintNonNegative:
		return n >= 0
	default:
		return true
	}
}

func missingMessage(spec ParamSpec) string {
	if spec.Missing != "" {
		return spec.Missing
	}
	return fmt.Sprintf("Please enter %s.", strings.ToLower(spec.Label))
}

func intMessage(spec ParamSpec) string {
	switch spec.Constraint {
	case ConstraintPositive:
		return fmt.Sprintf("%s must be a positive number.", spec.Label)
	case ConstraintNonNegative:
		return fmt.Sprintf("%s must be a non-negative number.", spec.Label)
	default:
		return fmt.Sprintf("%s must be a number.", spec.Label)
	}
}
