// Package permissions resolves the additive permission envelope for one
// agent launch and translates it into provider-specific CLI flags. The
// merge never subtracts: denial is expressed by absence.
package permissions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/schema"
)

// Set is the abstract permission model: ordered allow-lists for reads,
// writes, and commands.
type Set struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
	Run   []string `json:"run,omitempty"`
}

// Merge unions two sets, preserving order and dropping duplicates. It is
// commutative up to ordering and idempotent.
func (s Set) Merge(other Set) Set {
	return Set{
		Read:  appendUnique(s.Read, other.Read),
		Write: appendUnique(s.Write, other.Write),
		Run:   appendUnique(s.Run, other.Run),
	}
}

func appendUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, v := range base {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range extra {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// FromStep lifts a step schema's permission fragment into a Set.
func FromStep(step *schema.StepSchema) Set {
	if step == nil || step.Permissions == nil {
		return Set{}
	}
	return Set{
		Read:  step.Permissions.Read,
		Write: step.Permissions.Write,
		Run:   step.Permissions.Run,
	}
}

// projectFileName is the per-project permission file, relative to the
// project root.
const projectFileName = ".operator/permissions.json"

// LoadProject reads a project's permission file. A missing file is an
// empty set, not an error.
func LoadProject(projectPath string) (Set, error) {
	data, err := os.ReadFile(filepath.Join(projectPath, projectFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Set{}, nil
		}
		return Set{}, fmt.Errorf("failed to read project permissions: %w", err)
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return Set{}, fmt.Errorf("failed to parse project permissions: %w", err)
	}
	return s, nil
}

// GeneratedConfig is what the launcher splices into the command template.
type GeneratedConfig struct {
	// Flags is the full CLI flag list the provider expects.
	Flags []string
	// AuxFiles lists provider-specific files written under the session dir.
	AuxFiles []string
}

// Request identifies one launch to resolve permissions for.
type Request struct {
	ProjectPath string
	Step        *schema.StepSchema
	Provider    string
	TicketID    string
	SessionID   string
}

// Resolver merges the three envelope layers and dispatches to a provider
// translator. Translators are the only code that knows flag names.
type Resolver struct {
	paths config.Paths
}

// NewResolver creates a permissions resolver over the workspace paths.
func NewResolver(paths config.Paths) *Resolver {
	return &Resolver{paths: paths}
}

// Resolve computes the merged set for a launch, translates it for the
// provider, and writes the audit record alongside the session's files.
func (r *Resolver) Resolve(req Request) (*GeneratedConfig, error) {
	translator, err := translatorFor(req.Provider)
	if err != nil {
		return nil, err
	}

	merged := Set{}
	if req.ProjectPath != "" {
		project, err := LoadProject(req.ProjectPath)
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(project)
	}
	merged = merged.Merge(FromStep(req.Step))
	// The agent must always be able to read its own ticket.
	merged = merged.Merge(Set{Read: []string{r.paths.TicketsDir()}})

	sessionDir := r.paths.SessionDir(req.TicketID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, err
	}

	gen, err := translate(translator, merged, req.Step, sessionDir)
	if err != nil {
		return nil, err
	}
	if req.Step != nil {
		gen.Flags = append(gen.Flags, req.Step.CLIArgs...)
	}

	if err := r.writeAudit(sessionDir, req, gen.Flags); err != nil {
		return nil, err
	}
	return gen, nil
}

// auditRecord is written next to the session's aux files on every resolve.
type auditRecord struct {
	SessionID string    `json:"session_id"`
	TicketID  string    `json:"ticket_id"`
	Timestamp time.Time `json:"timestamp"`
	Flags     []string  `json:"flags"`
}

func (r *Resolver) writeAudit(sessionDir string, req Request, flags []string) error {
	record := auditRecord{
		SessionID: req.SessionID,
		TicketID:  req.TicketID,
		Timestamp: time.Now().UTC(),
		Flags:     flags,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(sessionDir, fmt.Sprintf("permissions-%s.json", req.SessionID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write permission audit: %w", err)
	}
	return nil
}

// resolveSchema picks the structured-output schema for a step: inline wins
// over a file reference. The winner is written into the session dir so the
// flag can point at a stable path.
func resolveSchema(step *schema.StepSchema, sessionDir string) (string, error) {
	if step == nil {
		return "", nil
	}
	var data []byte
	switch {
	case len(step.JSONSchema) > 0:
		data = step.JSONSchema
	case step.JSONSchemaFile != "":
		var err error
		data, err = os.ReadFile(step.JSONSchemaFile)
		if err != nil {
			return "", fmt.Errorf("failed to read json schema %s: %w", step.JSONSchemaFile, err)
		}
	default:
		return "", nil
	}
	path := filepath.Join(sessionDir, "output-schema.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write json schema: %w", err)
	}
	return path, nil
}
