// Package prompt composes the full instruction text handed to an agent
// session. Templates are mustache with non-strict lookups: a missing key
// renders empty instead of failing, so issue types can reference optional
// fields freely.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/status"
	"github.com/operatorhq/operator/internal/ticket"
)

// sectionSeparator joins the assembled prompt sections.
const sectionSeparator = "\n\n---\n\n"

// templateFiles maps context keys to their snippet files under
// <tickets>/operator/templates/. A missing file renders as empty.
var templateFiles = map[string]string{
	"acceptance_criteria": "ACCEPTANCE_CRITERIA.md",
	"definition_of_done":  "DEFINITION_OF_DONE.md",
	"definition_of_ready": "DEFINITION_OF_READY.md",
}

// Carry is the cross-step context threaded from one agent run to the next.
type Carry struct {
	Summary        string
	Recommendation string
}

// Request bundles everything one composition needs.
type Request struct {
	Ticket *ticket.Ticket
	Type   *schema.IssueType
	Step   *schema.StepSchema
	CWD    string
	Carry  *Carry
	// ExtraSections are appended verbatim before the status trailer, e.g.
	// a rendered rejection prompt.
	ExtraSections []string
}

// Composer renders layered prompt templates against ticket context.
type Composer struct {
	paths config.Paths
}

// NewComposer creates a prompt composer over the workspace paths.
func NewComposer(paths config.Paths) *Composer {
	return &Composer{paths: paths}
}

// Compose assembles the final prompt: type-level template, step prompt,
// ticket contents, previous-step carry, extra sections, status trailer.
func (c *Composer) Compose(req Request) (string, error) {
	if req.Ticket == nil || req.Type == nil || req.Step == nil {
		return "", fmt.Errorf("compose requires ticket, type, and step")
	}
	ctx := c.buildContext(req)

	var sections []string

	if req.Type.TemplatePrompt != "" {
		rendered, err := render(req.Type.TemplatePrompt, ctx)
		if err != nil {
			return "", fmt.Errorf("failed to render type prompt for %s: %w", req.Type.Key, err)
		}
		if strings.TrimSpace(rendered) != "" {
			sections = append(sections, rendered)
		}
	}

	stepPrompt, err := render(req.Step.Prompt, ctx)
	if err != nil {
		return "", fmt.Errorf("failed to render step prompt %s: %w", req.Step.Name, err)
	}
	sections = append(sections, stepPrompt)

	if body := strings.TrimSpace(req.Ticket.Body); body != "" {
		sections = append(sections, "## Ticket Contents\n\n"+body)
	}

	if req.Carry != nil && (req.Carry.Summary != "" || req.Carry.Recommendation != "") {
		var b strings.Builder
		b.WriteString("## Previous Step Context\n\n")
		b.WriteString("**Summary:** " + req.Carry.Summary)
		if req.Carry.Recommendation != "" {
			b.WriteString("\n\n**Recommendation:** " + req.Carry.Recommendation)
		}
		sections = append(sections, b.String())
	}

	for _, extra := range req.ExtraSections {
		if strings.TrimSpace(extra) != "" {
			sections = append(sections, extra)
		}
	}

	sections = append(sections, status.Trailer())
	return strings.Join(sections, sectionSeparator), nil
}

func render(template string, ctx map[string]string) (string, error) {
	return mustache.Render(template, ctx)
}

func (c *Composer) buildContext(req Request) map[string]string {
	t := req.Ticket
	stepName := t.Step
	if stepName == "" {
		stepName = req.Step.Name
	}

	ctx := map[string]string{
		"id":          t.ID,
		"ticket_type": t.Type,
		"summary":     t.Summary,
		"priority":    t.Priority,
		"status":      string(t.Status),
		"step":        stepName,
		"content":     t.Body,
		"filename":    t.Filename,
		"filepath":    t.Path,
		"ticket_path": t.Path,
		"timestamp":   t.Timestamp,
		"project":     t.Project,
		"branch":      t.Branch,
		"cwd":         req.CWD,
		"step_count":  strconv.Itoa(len(req.Type.Steps)),
		"step_names":  strings.Join(req.Type.StepNames(), ", "),
	}
	for _, f := range req.Type.Fields {
		if v, ok := t.Fields[f.Name]; ok && ctx[f.Name] == "" {
			ctx[f.Name] = v
		}
	}
	for key, file := range templateFiles {
		ctx[key] = c.loadTemplate(file)
	}
	if req.Carry != nil {
		ctx["previous_summary"] = req.Carry.Summary
		ctx["previous_recommendation"] = req.Carry.Recommendation
	}
	return ctx
}

// loadTemplate reads one snippet file; absence is normal and renders empty.
func (c *Composer) loadTemplate(name string) string {
	data, err := os.ReadFile(filepath.Join(c.paths.TemplatesDir(), name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
