package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/operatorhq/operator/internal/schema"
)

// CreateOptions describes a new ticket.
type CreateOptions struct {
	Type     string
	Project  string
	Summary  string
	Priority string
	Body     string
	// Fields overrides or extends the type's field defaults.
	Fields map[string]string
}

// Create writes a new ticket into queue/ and returns its parsed form. The
// filename timestamp is the creation time; the id comes from the type's
// auto-sequence field when declared, else <TYPE>-<n> over existing ids.
func (s *Store) Create(opts CreateOptions) (*Ticket, error) {
	it, ok := s.reg.Get(opts.Type)
	if !ok {
		return nil, fmt.Errorf("unknown issue type %q", opts.Type)
	}
	if it.ProjectRequired && opts.Project == "" {
		return nil, fmt.Errorf("issue type %s requires a project", it.Key)
	}

	fields := make(map[string]string)
	for _, f := range it.Fields {
		if f.Default != "" {
			fields[f.Name] = f.Default
		}
	}
	for k, v := range opts.Fields {
		fields[k] = v
	}

	id, err := s.nextID(it)
	if err != nil {
		return nil, err
	}
	fields["id"] = id
	fields["ticket_type"] = it.Key
	fields["status"] = string(StatusQueued)
	fields["step"] = ""
	if opts.Project != "" {
		fields["project"] = opts.Project
	}
	if opts.Summary != "" {
		fields["summary"] = opts.Summary
	}
	if opts.Priority != "" {
		fields["priority"] = opts.Priority
	} else if fields["priority"] == "" {
		fields["priority"] = DefaultPriority
	}

	now := time.Now()
	project := opts.Project
	if project == "" {
		project = "none"
	}
	name := fmt.Sprintf("%s-%s-%s-%s.md",
		now.Format("20060102-1504"), it.Key, project, Slugify(opts.Summary))

	body := opts.Body
	if body == "" {
		body = fmt.Sprintf("# %s\n", opts.Summary)
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}

	if err := os.MkdirAll(s.paths.QueueDir(), 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(s.paths.QueueDir(), name)
	content := serializeFrontmatter(fields, nil) + "\n" + body
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	return Parse(path, []byte(content)), nil
}

// CreateFromAlert files an investigation ticket for an external alert
// message. The message becomes the summary (truncated) and the body;
// the alert severity maps to the ticket priority.
func (s *Store) CreateFromAlert(source, message, project, severity string) (*Ticket, error) {
	summary := message
	if runes := []rune(summary); len(runes) > 80 {
		summary = string(runes[:80])
	}
	fields := map[string]string{}
	if source != "" {
		fields["source"] = source
	}
	if severity != "" {
		fields["severity"] = severity
	}
	return s.Create(CreateOptions{
		Type:     "INV",
		Project:  project,
		Summary:  summary,
		Priority: alertPriority(severity),
		Body:     fmt.Sprintf("# Alert\n\n%s\n", message),
		Fields:   fields,
	})
}

// alertPriority maps an alert severity onto the priority ladder. Unknown
// severities land on high: an alert someone bothered to route here is
// worth looking at soon.
func alertPriority(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "P0-critical"
	case "warning":
		return "P2-medium"
	case "info":
		return "P3-low"
	default:
		return "P1-high"
	}
}

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9]+`)
	idSequenceRe = regexp.MustCompile(`^([A-Z]+)-(\d+)$`)
)

// Slugify lowercases a summary into a filename-safe slug.
func Slugify(s string) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "ticket"
	}
	return slug
}

// nextID picks the next <TYPE>-<n> over every existing ticket of the type.
func (s *Store) nextID(it *schema.IssueType) (string, error) {
	max := 0
	for _, list := range []func() ([]*Ticket, error){s.ListQueue, s.ListInProgress, s.ListCompleted} {
		tickets, err := list()
		if err != nil {
			return "", err
		}
		for _, t := range tickets {
			m := idSequenceRe.FindStringSubmatch(t.ID)
			if m == nil || m[1] != it.Key {
				continue
			}
			if n, err := strconv.Atoi(m[2]); err == nil && n > max {
				max = n
			}
		}
	}
	return fmt.Sprintf("%s-%d", it.Key, max+1), nil
}
