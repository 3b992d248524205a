// Package schema defines issue types: the declarative contract describing a
// class of tickets, their fields, and their workflow steps. The registry in
// this package is the authoritative answer to "what can this ticket do next".
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Mode describes how an agent session for this type is driven.
type Mode string

const (
	// ModeAutonomous means the agent runs unattended.
	ModeAutonomous Mode = "autonomous"
	// ModePaired means a human co-drives the terminal session.
	ModePaired Mode = "paired"
)

// SourceKind identifies where an issue type was loaded from.
type SourceKind string

const (
	SourceBuiltin  SourceKind = "builtin"
	SourceUser     SourceKind = "user"
	SourceImported SourceKind = "imported"
)

// Source records the origin of an issue type.
type Source struct {
	Kind     SourceKind `json:"kind"`
	Provider string     `json:"provider,omitempty"`
	Project  string     `json:"project,omitempty"`
}

// FieldType enumerates the supported field value types.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldText   FieldType = "text"
	FieldEnum   FieldType = "enum"
	FieldBool   FieldType = "bool"
	FieldDate   FieldType = "date"
)

// FieldSchema describes one frontmatter field of a ticket.
type FieldSchema struct {
	Name         string    `json:"name"`
	Type         FieldType `json:"type"`
	Required     bool      `json:"required,omitempty"`
	Default      string    `json:"default,omitempty"`
	Options      []string  `json:"options,omitempty"`
	Placeholder  string    `json:"placeholder,omitempty"`
	MaxLength    int       `json:"max_length,omitempty"`
	Order        int       `json:"order,omitempty"`
	Auto         string    `json:"auto,omitempty"` // generation strategy, e.g. "sequence"
	UserEditable bool      `json:"user_editable,omitempty"`
}

// RejectPolicy describes where a rejected step sends the ticket and the
// prompt for the retry. The prompt may reference {{ rejection_reason }}.
type RejectPolicy struct {
	GotoStep string `json:"goto_step"`
	Prompt   string `json:"prompt"`
}

// StepPermissions is the step-level fragment of the permission envelope.
type StepPermissions struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
	Run   []string `json:"run,omitempty"`
}

// StepSchema describes a single workflow step.
type StepSchema struct {
	Name           string           `json:"name"`
	DisplayName    string           `json:"display_name,omitempty"`
	Outputs        []string         `json:"outputs,omitempty"`
	Prompt         string           `json:"prompt"`
	AllowedTools   []string         `json:"allowed_tools,omitempty"`
	RequiresReview bool             `json:"requires_review,omitempty"`
	OnReject       *RejectPolicy    `json:"on_reject,omitempty"`
	NextStep       string           `json:"next_step,omitempty"`
	Permissions    *StepPermissions `json:"permissions,omitempty"`
	CLIArgs        []string         `json:"cli_args,omitempty"`
	PermissionMode string           `json:"permission_mode,omitempty"` // default, plan, accept-edits, delegate
	JSONSchema     json.RawMessage  `json:"json_schema,omitempty"`
	JSONSchemaFile string           `json:"json_schema_file,omitempty"`
}

// Display returns the step's display name, falling back to its name.
func (s *StepSchema) Display() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// ProducesOutput reports whether the step declares the given output kind.
func (s *StepSchema) ProducesOutput(kind string) bool {
	for _, o := range s.Outputs {
		if o == kind {
			return true
		}
	}
	return false
}

// IssueType is the declarative contract for one kind of ticket.
type IssueType struct {
	Key             string        `json:"key"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	Glyph           string        `json:"glyph"`
	Color           string        `json:"color,omitempty"`
	Mode            Mode          `json:"mode"`
	ProjectRequired bool          `json:"project_required"`
	Fields          []FieldSchema `json:"fields,omitempty"`
	Steps           []StepSchema  `json:"steps"`
	Source          Source        `json:"source"`
	AgentPrompt     string        `json:"agent_prompt,omitempty"`
	TemplatePrompt  string        `json:"template_prompt,omitempty"`
}

// StepCategory is the derived display category of a step.
type StepCategory string

const (
	CategoryTodo  StepCategory = "TODO"
	CategoryDoing StepCategory = "DOING"
	CategoryAwait StepCategory = "AWAIT"
	CategoryDone  StepCategory = "DONE"
)

// Step returns the step schema with the given name.
func (t *IssueType) Step(name string) (*StepSchema, bool) {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return &t.Steps[i], true
		}
	}
	return nil, false
}

// FirstStep returns the first workflow step. Valid types always have one.
func (t *IssueType) FirstStep() *StepSchema {
	if len(t.Steps) == 0 {
		return nil
	}
	return &t.Steps[0]
}

// StepNames returns the ordered step names.
func (t *IssueType) StepNames() []string {
	names := make([]string, len(t.Steps))
	for i, s := range t.Steps {
		names[i] = s.Name
	}
	return names
}

// StepIndex returns the position of a step by name, or -1.
func (t *IssueType) StepIndex(name string) int {
	for i, s := range t.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Category derives the display category of a step: terminal steps are DONE,
// review-gated steps AWAIT, the first step TODO, everything else DOING.
func (t *IssueType) Category(stepName string) StepCategory {
	step, ok := t.Step(stepName)
	if !ok {
		return CategoryTodo
	}
	switch {
	case step.NextStep == "":
		return CategoryDone
	case step.RequiresReview:
		return CategoryAwait
	case t.StepIndex(stepName) == 0:
		return CategoryTodo
	default:
		return CategoryDoing
	}
}

// IsBuiltin reports whether the type ships with the operator.
func (t *IssueType) IsBuiltin() bool {
	return t.Source.Kind == SourceBuiltin
}

// keyPattern is the contract for issue-type keys: 2-10 uppercase ASCII letters.
var keyPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

// Validate checks the issue type and returns every violation found. The
// result is nil only when the type is fully valid; callers surface each
// reason individually.
func (t *IssueType) Validate() []error {
	var errs []error

	if !keyPattern.MatchString(t.Key) {
		errs = append(errs, fmt.Errorf("invalid key %q: must be 2-10 uppercase ASCII letters", t.Key))
	}
	if t.Name == "" {
		errs = append(errs, fmt.Errorf("%s: name is required", t.Key))
	}
	if n := len([]rune(t.Glyph)); n < 1 || n > 4 {
		errs = append(errs, fmt.Errorf("%s: glyph must be 1-4 characters, got %d", t.Key, n))
	}
	switch t.Mode {
	case ModeAutonomous, ModePaired:
	default:
		errs = append(errs, fmt.Errorf("%s: invalid mode %q", t.Key, t.Mode))
	}

	for _, f := range t.Fields {
		switch f.Type {
		case FieldString, FieldText, FieldEnum, FieldBool, FieldDate:
		default:
			errs = append(errs, fmt.Errorf("%s: field %q has invalid type %q", t.Key, f.Name, f.Type))
		}
		if f.Type == FieldEnum && len(f.Options) == 0 {
			errs = append(errs, fmt.Errorf("%s: enum field %q must list options", t.Key, f.Name))
		}
		if f.Required && f.Auto == "" && f.Default == "" {
			errs = append(errs, fmt.Errorf("%s: required field %q must declare a default", t.Key, f.Name))
		}
	}

	if len(t.Steps) == 0 {
		errs = append(errs, fmt.Errorf("%s: at least one step is required", t.Key))
	}

	known := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		known[s.Name] = true
	}
	for _, s := range t.Steps {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: step with empty name", t.Key))
			continue
		}
		if s.NextStep != "" && !known[s.NextStep] {
			errs = append(errs, fmt.Errorf("%s: step %q references unknown next_step %q", t.Key, s.Name, s.NextStep))
		}
		if s.OnReject != nil && !known[s.OnReject.GotoStep] {
			errs = append(errs, fmt.Errorf("%s: step %q rejection references unknown step %q", t.Key, s.Name, s.OnReject.GotoStep))
		}
		switch s.PermissionMode {
		case "", "default", "plan", "accept-edits", "delegate":
		default:
			errs = append(errs, fmt.Errorf("%s: step %q has invalid permission_mode %q", t.Key, s.Name, s.PermissionMode))
		}
	}

	return errs
}

// Collection is a named ordered subset of issue-type keys. Its order is the
// priority ordering used for queue sort: earlier keys run first.
type Collection struct {
	Name  string   `toml:"name" json:"name"`
	Types []string `toml:"types" json:"types"`
}
