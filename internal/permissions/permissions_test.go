package permissions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/schema"
)

func TestMerge_UnionOrderDedupe(t *testing.T) {
	a := Set{Read: []string{"/a", "/b"}, Run: []string{"go test"}}
	b := Set{Read: []string{"/b", "/c"}, Write: []string{"/w"}}

	got := a.Merge(b)
	want := Set{Read: []string{"/a", "/b", "/c"}, Write: []string{"/w"}, Run: []string{"go test"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge() = %+v, want %+v", got, want)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	a := Set{Read: []string{"/a"}, Write: []string{"/w"}, Run: []string{"make"}}
	if got := a.Merge(a); !reflect.DeepEqual(got, a) {
		t.Errorf("Merge(self) = %+v, want %+v", got, a)
	}
}

func TestMerge_CommutativeUpToOrder(t *testing.T) {
	a := Set{Read: []string{"/a", "/b"}}
	b := Set{Read: []string{"/c", "/b"}}

	ab := a.Merge(b)
	ba := b.Merge(a)
	if len(ab.Read) != len(ba.Read) {
		t.Fatalf("Merge() element counts differ: %v vs %v", ab.Read, ba.Read)
	}
	members := make(map[string]bool)
	for _, v := range ab.Read {
		members[v] = true
	}
	for _, v := range ba.Read {
		if !members[v] {
			t.Errorf("Merge() membership differs: %q only on one side", v)
		}
	}
}

func TestLoadProject(t *testing.T) {
	project := t.TempDir()

	// Missing file is an empty set.
	s, err := LoadProject(project)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if len(s.Read)+len(s.Write)+len(s.Run) != 0 {
		t.Errorf("LoadProject() = %+v, want empty", s)
	}

	dir := filepath.Join(project, ".operator")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `{"read": ["src/"], "run": ["go test ./..."]}`
	if err := os.WriteFile(filepath.Join(dir, "permissions.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err = LoadProject(project)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if len(s.Read) != 1 || s.Read[0] != "src/" || len(s.Run) != 1 {
		t.Errorf("LoadProject() = %+v", s)
	}
}

func newResolver(t *testing.T) (*Resolver, config.Paths) {
	t.Helper()
	paths := config.NewPaths(t.TempDir(), ".tickets")
	return NewResolver(paths), paths
}

func TestResolve_Claude(t *testing.T) {
	r, paths := newResolver(t)
	step := &schema.StepSchema{
		Name:         "build",
		AllowedTools: []string{"read", "bash"},
		Permissions:  &schema.StepPermissions{Write: []string{"src/"}, Run: []string{"go build"}},
	}

	gen, err := r.Resolve(Request{
		Step: step, Provider: "claude",
		TicketID: "FEAT-1", SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	joined := strings.Join(gen.Flags, " ")
	for _, want := range []string{
		"--allowedTools",
		"Edit(src/)",
		"Write(src/)",
		"Bash(go build:*)",
		"Read(" + paths.TicketsDir() + ")",
		"Bash",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("Resolve() flags %q missing %q", joined, want)
		}
	}
}

func TestResolve_Opencode(t *testing.T) {
	r, paths := newResolver(t)
	step := &schema.StepSchema{
		Name:           "plan",
		PermissionMode: "plan",
		Permissions:    &schema.StepPermissions{Read: []string{"docs/"}},
	}

	gen, err := r.Resolve(Request{
		Step: step, Provider: "opencode",
		TicketID: "FEAT-1", SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	joined := strings.Join(gen.Flags, " ")
	for _, want := range []string{
		"--allow-read docs/",
		"--allow-read " + paths.TicketsDir(),
		"--mode plan",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("Resolve() flags %q missing %q", joined, want)
		}
	}
}

func TestResolve_UnknownProvider(t *testing.T) {
	r, _ := newResolver(t)
	if _, err := r.Resolve(Request{Provider: "cursor", TicketID: "X-1", SessionID: "s"}); err == nil {
		t.Error("Resolve() = nil error for unknown provider")
	}
}

func TestResolve_CLIArgsAppended(t *testing.T) {
	r, _ := newResolver(t)
	step := &schema.StepSchema{Name: "build", CLIArgs: []string{"--verbose"}}

	gen, err := r.Resolve(Request{Step: step, Provider: "claude", TicketID: "FEAT-1", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if gen.Flags[len(gen.Flags)-1] != "--verbose" {
		t.Errorf("Resolve() flags = %v, want cli_args appended last", gen.Flags)
	}
}

func TestResolve_InlineSchemaWinsOverFile(t *testing.T) {
	r, _ := newResolver(t)
	external := filepath.Join(t.TempDir(), "ext.json")
	if err := os.WriteFile(external, []byte(`{"from":"file"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	step := &schema.StepSchema{
		Name:           "report",
		JSONSchema:     json.RawMessage(`{"from":"inline"}`),
		JSONSchemaFile: external,
	}

	gen, err := r.Resolve(Request{Step: step, Provider: "claude", TicketID: "INV-1", SessionID: "s"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(gen.AuxFiles) != 1 {
		t.Fatalf("AuxFiles = %v, want one schema file", gen.AuxFiles)
	}
	data, err := os.ReadFile(gen.AuxFiles[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "inline") {
		t.Errorf("schema file = %s, want inline content to win", data)
	}
}

func TestResolve_WritesAudit(t *testing.T) {
	r, paths := newResolver(t)
	_, err := r.Resolve(Request{Provider: "claude", TicketID: "FEAT-1", SessionID: "sess-9"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(paths.SessionDir("FEAT-1"), "permissions-sess-9.json"))
	if err != nil {
		t.Fatalf("audit record missing: %v", err)
	}
	var record struct {
		SessionID string   `json:"session_id"`
		TicketID  string   `json:"ticket_id"`
		Timestamp string   `json:"timestamp"`
		Flags     []string `json:"flags"`
	}
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("audit record not JSON: %v", err)
	}
	if record.SessionID != "sess-9" || record.TicketID != "FEAT-1" || record.Timestamp == "" {
		t.Errorf("audit record = %+v", record)
	}
}

func TestFromStep_NilSafe(t *testing.T) {
	if got := FromStep(nil); len(got.Read)+len(got.Write)+len(got.Run) != 0 {
		t.Errorf("FromStep(nil) = %+v, want empty", got)
	}
	if got := FromStep(&schema.StepSchema{Name: "x"}); len(got.Read) != 0 {
		t.Errorf("FromStep(no perms) = %+v, want empty", got)
	}
}
