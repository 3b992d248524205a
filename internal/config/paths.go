package config

import "path/filepath"

// Paths resolves the fixed directory layout under the tickets tree.
//
//	.tickets/
//	  queue/ in-progress/ completed/
//	  operator/
//	    config.toml state.json logs/ prompts/ commands/ sessions/
//	    templates/ issuetypes/
type Paths struct {
	Root string // workspace root
	dir  string // tickets dir, usually ".tickets"
}

// NewPaths builds a Paths for the workspace root and tickets dir.
func NewPaths(root, ticketsDir string) Paths {
	return Paths{Root: root, dir: ticketsDir}
}

// PathsFor builds a Paths from a loaded config.
func PathsFor(root string, cfg *Config) Paths {
	return NewPaths(root, cfg.Tickets.Dir)
}

// TicketsDir is the root of the tickets tree.
func (p Paths) TicketsDir() string { return filepath.Join(p.Root, p.dir) }

// QueueDir holds tickets waiting to be claimed.
func (p Paths) QueueDir() string { return filepath.Join(p.TicketsDir(), "queue") }

// InProgressDir holds claimed tickets.
func (p Paths) InProgressDir() string { return filepath.Join(p.TicketsDir(), "in-progress") }

// CompletedDir holds finished tickets; never pruned, it is the audit log.
func (p Paths) CompletedDir() string { return filepath.Join(p.TicketsDir(), "completed") }

// OperatorDir holds operator-owned state and artifacts.
func (p Paths) OperatorDir() string { return filepath.Join(p.TicketsDir(), "operator") }

// StateFile is the persisted agent-state set.
func (p Paths) StateFile() string { return filepath.Join(p.OperatorDir(), "state.json") }

// APISessionFile is the standalone API discovery record.
func (p Paths) APISessionFile() string { return filepath.Join(p.OperatorDir(), "api-session.json") }

// LogsDir holds operator-<iso>.log files.
func (p Paths) LogsDir() string { return filepath.Join(p.OperatorDir(), "logs") }

// PromptsDir holds composed prompts, one <uuid>.txt per session.
func (p Paths) PromptsDir() string { return filepath.Join(p.OperatorDir(), "prompts") }

// CommandsDir holds executable launch scripts, one <uuid>.sh per session.
func (p Paths) CommandsDir() string { return filepath.Join(p.OperatorDir(), "commands") }

// SessionsDir holds per-ticket permission audits and aux config files.
func (p Paths) SessionsDir() string { return filepath.Join(p.OperatorDir(), "sessions") }

// SessionDir is the per-ticket subdirectory of SessionsDir.
func (p Paths) SessionDir(ticketID string) string {
	return filepath.Join(p.SessionsDir(), ticketID)
}

// TemplatesDir holds DEFINITION_OF_*.md and ACCEPTANCE_CRITERIA.md snippets.
func (p Paths) TemplatesDir() string { return filepath.Join(p.OperatorDir(), "templates") }

// IssueTypesDir holds user-defined <KEY>.json type files and collections.toml.
func (p Paths) IssueTypesDir() string { return filepath.Join(p.OperatorDir(), "issuetypes") }

// ImportsDir holds imported issue types under <provider>/<project>/.
func (p Paths) ImportsDir() string { return filepath.Join(p.IssueTypesDir(), "imports") }

// CollectionsFile is the user-defined collections file.
func (p Paths) CollectionsFile() string { return filepath.Join(p.IssueTypesDir(), "collections.toml") }
