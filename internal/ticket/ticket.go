// Package ticket parses, lists, and mutates ticket markdown files. The
// filesystem is the source of truth: a ticket lives in exactly one of
// queue/, in-progress/, or completed/, and every mutation is a full-file
// rewrite of its frontmatter.
package ticket

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusAwaiting   Status = "awaiting"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultPriority is assigned when a ticket declares none.
const DefaultPriority = "P2-medium"

// Priorities enumerates the recognized priority values, highest first.
var Priorities = []string{"P0-critical", "P1-high", "P2-medium", "P3-low"}

// Ticket is the in-memory mirror of one ticket file.
type Ticket struct {
	ID       string
	Type     string // issue-type key from the filename
	Project  string
	Summary  string
	Priority string
	Status   Status
	Step     string // empty means the type's first step

	// Sessions maps a step name to the session UUID that ran it.
	Sessions map[string]string

	WorktreePath string
	Branch       string

	ExternalID       string
	ExternalURL      string
	ExternalProvider string

	Timestamp string // YYYYMMDD-HHMM from the filename
	Filename  string
	Path      string

	// Fields holds every frontmatter key as a string, including the ones
	// mirrored above.
	Fields map[string]string

	// Body is the markdown after the frontmatter block.
	Body string
}

// Content returns the serialized file content: frontmatter plus body.
func (t *Ticket) Content() string {
	return serializeFrontmatter(t.Fields, t.Sessions) + t.Body
}

// filenameRe is the strict ticket filename contract:
// <YYYYMMDD-HHMM>-<TYPE>-<project>-<slug>.md
var filenameRe = regexp.MustCompile(`^(\d{8}-\d{4})-([A-Z]+)-([a-z0-9]+)-.*\.md$`)

// legacyFieldRe matches the old "**Field**: value" body format.
var legacyFieldRe = regexp.MustCompile(`(?m)^\*\*([A-Za-z][A-Za-z _-]*)\*\*:\s*(.+)$`)

// ParseFilename extracts (timestamp, type, project) from a ticket filename.
// When the strict pattern does not match it falls back to a naive hyphen
// split so oddly named files still surface instead of vanishing.
func ParseFilename(name string) (timestamp, typeKey, project string) {
	if m := filenameRe.FindStringSubmatch(name); m != nil {
		return m[1], m[2], m[3]
	}
	base := strings.TrimSuffix(name, ".md")
	parts := strings.Split(base, "-")
	if len(parts) >= 4 {
		return parts[0] + "-" + parts[1], parts[2], parts[3]
	}
	if len(parts) >= 1 {
		typeKey = parts[0]
	}
	return "", typeKey, ""
}

// Parse builds a Ticket from a file path and its content.
func Parse(path string, content []byte) *Ticket {
	name := filepath.Base(path)
	ts, typeKey, project := ParseFilename(name)

	t := &Ticket{
		Type:      typeKey,
		Project:   project,
		Timestamp: ts,
		Filename:  name,
		Path:      path,
		Fields:    make(map[string]string),
		Sessions:  make(map[string]string),
	}

	body := string(content)
	if fm, rest, ok := splitFrontmatter(body); ok {
		t.Body = rest
		parseYAMLFrontmatter(t, fm)
	} else {
		t.Body = body
		for _, m := range legacyFieldRe.FindAllStringSubmatch(body, -1) {
			key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "_"))
			t.Fields[key] = strings.TrimSpace(m[2])
		}
	}

	t.applyDefaults()
	t.mirrorFields()
	return t
}

// splitFrontmatter separates a leading ----delimited YAML block from the
// rest of the file.
func splitFrontmatter(content string) (frontmatter, body string, ok bool) {
	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return "", "", false
	}
	rest := strings.TrimPrefix(content, "---\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", false
	}
	frontmatter = rest[:idx]
	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return frontmatter, body, true
}

func parseYAMLFrontmatter(t *Ticket, fm string) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(fm), &raw); err != nil {
		return
	}
	for key, value := range raw {
		if key == "sessions" {
			if m, ok := value.(map[string]interface{}); ok {
				for step, id := range m {
					t.Sessions[step] = coerceString(id)
				}
			}
			continue
		}
		t.Fields[key] = coerceString(value)
	}
}

func coerceString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

func (t *Ticket) applyDefaults() {
	if t.Fields["status"] == "" {
		t.Fields["status"] = string(StatusQueued)
	}
	if t.Fields["priority"] == "" {
		t.Fields["priority"] = DefaultPriority
	}
	if _, ok := t.Fields["step"]; !ok {
		t.Fields["step"] = ""
	}
	if t.Fields["ticket_type"] == "" && t.Type != "" {
		t.Fields["ticket_type"] = t.Type
	}
	if t.Fields["project"] == "" && t.Project != "" {
		t.Fields["project"] = t.Project
	}
}

// mirrorFields copies the hot frontmatter keys onto the struct.
func (t *Ticket) mirrorFields() {
	t.ID = t.Fields["id"]
	t.Summary = t.Fields["summary"]
	t.Priority = t.Fields["priority"]
	t.Status = Status(t.Fields["status"])
	t.Step = t.Fields["step"]
	t.WorktreePath = t.Fields["worktree_path"]
	t.Branch = t.Fields["branch"]
	t.ExternalID = t.Fields["external_id"]
	t.ExternalURL = t.Fields["external_url"]
	t.ExternalProvider = t.Fields["external_provider"]
	if v := t.Fields["ticket_type"]; v != "" {
		t.Type = v
	}
	if v := t.Fields["project"]; v != "" {
		t.Project = v
	}
	if t.Summary == "" {
		t.Summary = firstBodyLine(t.Body)
	}
	if t.ID == "" {
		t.ID = strings.TrimSuffix(t.Filename, ".md")
	}
}

func firstBodyLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			return line
		}
	}
	return ""
}

// serializeFrontmatter renders the frontmatter block with sorted keys so
// repeated rewrites of the same ticket are byte-stable.
func serializeFrontmatter(fields map[string]string, sessions map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("---\n")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(yamlScalar(fields[k]))
		b.WriteString("\n")
	}
	if len(sessions) > 0 {
		b.WriteString("sessions:\n")
		steps := make([]string, 0, len(sessions))
		for s := range sessions {
			steps = append(steps, s)
		}
		sort.Strings(steps)
		for _, s := range steps {
			b.WriteString("  ")
			b.WriteString(s)
			b.WriteString(": ")
			b.WriteString(yamlScalar(sessions[s]))
			b.WriteString("\n")
		}
	}
	b.WriteString("---\n")
	return b.String()
}

// yamlScalar quotes values that YAML would otherwise reinterpret.
func yamlScalar(v string) string {
	if v == "" {
		return `""`
	}
	if strings.ContainsAny(v, ":#{}[]&*!|>'\"%@`") || strings.HasPrefix(v, " ") ||
		strings.HasSuffix(v, " ") || v == "true" || v == "false" || v == "null" {
		return fmt.Sprintf("%q", v)
	}
	return v
}
