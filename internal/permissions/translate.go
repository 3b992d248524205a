package permissions

import (
	"fmt"
	"strings"

	"github.com/operatorhq/operator/internal/schema"
)

// translator turns the abstract permission model into one provider's flag
// vocabulary.
type translator interface {
	// flags renders the merged set, the step's allowed tools, the
	// permission mode, and an optional schema file path into CLI flags.
	flags(set Set, allowedTools []string, mode, schemaPath string) []string
}

func translatorFor(provider string) (translator, error) {
	switch provider {
	case "claude":
		return claudeTranslator{}, nil
	case "opencode":
		return opencodeTranslator{}, nil
	default:
		return nil, fmt.Errorf("no permission translator for provider %q", provider)
	}
}

func translate(tr translator, set Set, step *schema.StepSchema, sessionDir string) (*GeneratedConfig, error) {
	schemaPath, err := resolveSchema(step, sessionDir)
	if err != nil {
		return nil, err
	}
	var tools []string
	mode := ""
	if step != nil {
		tools = step.AllowedTools
		mode = step.PermissionMode
	}
	gen := &GeneratedConfig{Flags: tr.flags(set, tools, mode, schemaPath)}
	if schemaPath != "" {
		gen.AuxFiles = append(gen.AuxFiles, schemaPath)
	}
	return gen, nil
}

// claudeTranslator emits the Claude Code flag vocabulary: tool-scoped
// entries behind repeated --allowedTools, plus --permission-mode.
type claudeTranslator struct{}

func (claudeTranslator) flags(set Set, allowedTools []string, mode, schemaPath string) []string {
	var entries []string
	for _, p := range set.Read {
		entries = append(entries, fmt.Sprintf("Read(%s)", p))
	}
	for _, p := range set.Write {
		entries = append(entries, fmt.Sprintf("Edit(%s)", p), fmt.Sprintf("Write(%s)", p))
	}
	for _, c := range set.Run {
		entries = append(entries, fmt.Sprintf("Bash(%s:*)", c))
	}
	for _, t := range allowedTools {
		entries = append(entries, claudeToolName(t))
	}

	var flags []string
	if len(entries) > 0 {
		flags = append(flags, "--allowedTools", strings.Join(entries, ","))
	}
	if mode != "" && mode != "default" {
		flags = append(flags, "--permission-mode", mode)
	}
	if schemaPath != "" {
		flags = append(flags, "--output-format", "json", "--json-schema", schemaPath)
	}
	return flags
}

// claudeToolName maps the schema's lowercase tool ids onto Claude Code's
// capitalized tool names.
func claudeToolName(tool string) string {
	switch strings.ToLower(tool) {
	case "read":
		return "Read"
	case "write":
		return "Write"
	case "edit":
		return "Edit"
	case "grep":
		return "Grep"
	case "glob":
		return "Glob"
	case "bash":
		return "Bash"
	default:
		return tool
	}
}

// opencodeTranslator emits opencode's flat flag vocabulary.
type opencodeTranslator struct{}

func (opencodeTranslator) flags(set Set, allowedTools []string, mode, schemaPath string) []string {
	var flags []string
	for _, p := range set.Read {
		flags = append(flags, "--allow-read", p)
	}
	for _, p := range set.Write {
		flags = append(flags, "--allow-write", p)
	}
	for _, c := range set.Run {
		flags = append(flags, "--allow-run", c)
	}
	if len(allowedTools) > 0 {
		flags = append(flags, "--tools", strings.Join(allowedTools, ","))
	}
	if mode != "" && mode != "default" {
		flags = append(flags, "--mode", mode)
	}
	if schemaPath != "" {
		flags = append(flags, "--output-schema", schemaPath)
	}
	return flags
}
