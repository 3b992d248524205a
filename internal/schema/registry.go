package schema

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/operatorhq/operator/internal/logging"
)

//go:embed builtin/*.json
var builtinFS embed.FS

// Sentinel errors surfaced by the registry.
var (
	ErrTypeNotFound       = errors.New("issue type not found")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrBuiltinReadOnly    = errors.New("builtin issue type is read-only")
	ErrDuplicateKey       = errors.New("issue type key already registered")
)

// ValidationError aggregates per-type validation failures so each reason
// stays individually visible.
type ValidationError struct {
	Key     string
	Reasons []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		msgs[i] = r.Error()
	}
	return fmt.Sprintf("issue type %s invalid: %s", e.Key, strings.Join(msgs, "; "))
}

// Registry holds the known issue types and collections. Reads are common and
// writes rare; everything is guarded by one RWMutex.
type Registry struct {
	mu          sync.RWMutex
	types       map[string]*IssueType
	collections map[string]*Collection
	active      string
	log         *slog.Logger
}

// builtinCollections are the shipped presets, keyed by name.
func builtinCollections() []*Collection {
	return []*Collection{
		{Name: "simple", Types: []string{"TASK"}},
		{Name: "dev", Types: []string{"FIX", "FEAT", "TASK"}},
		{Name: "devops", Types: []string{"INV", "FIX", "FEAT", "TASK", "SPIKE"}},
	}
}

// NewRegistry creates an empty registry with the builtin collections and the
// given active collection name.
func NewRegistry(activeCollection string) *Registry {
	r := &Registry{
		types:       make(map[string]*IssueType),
		collections: make(map[string]*Collection),
		active:      activeCollection,
		log:         logging.WithComponent("schema.registry"),
	}
	for _, c := range builtinCollections() {
		r.collections[c.Name] = c
	}
	return r
}

// LoadOptions locates the on-disk sources layered over the embedded builtins.
type LoadOptions struct {
	// IssueTypesDir is <tickets>/operator/issuetypes, holding user <KEY>.json
	// files and collections.toml. Empty skips user sources.
	IssueTypesDir string
	// ActiveCollection selects the initially active collection.
	ActiveCollection string
}

// Load builds a registry from embedded builtins, then the user directory,
// then the imports subtree. Later sources shadow earlier ones; imported keys
// are namespaced as <PROJECT>_<KEY>.
func Load(opts LoadOptions) (*Registry, error) {
	active := opts.ActiveCollection
	if active == "" {
		active = "dev"
	}
	r := NewRegistry(active)

	if err := r.loadBuiltins(); err != nil {
		return nil, err
	}
	if opts.IssueTypesDir != "" {
		if err := r.loadUserDir(opts.IssueTypesDir); err != nil {
			return nil, err
		}
		if err := r.loadImports(filepath.Join(opts.IssueTypesDir, "imports")); err != nil {
			return nil, err
		}
		if err := r.loadCollections(filepath.Join(opts.IssueTypesDir, "collections.toml")); err != nil {
			return nil, err
		}
	}

	r.pruneCollections()

	if _, ok := r.collections[r.active]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, r.active)
	}
	return r, nil
}

func (r *Registry) loadBuiltins() error {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return fmt.Errorf("failed to read builtin types: %w", err)
	}
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read builtin %s: %w", entry.Name(), err)
		}
		var it IssueType
		if err := json.Unmarshal(data, &it); err != nil {
			return fmt.Errorf("failed to parse builtin %s: %w", entry.Name(), err)
		}
		it.Source = Source{Kind: SourceBuiltin}
		if errs := it.Validate(); len(errs) > 0 {
			return &ValidationError{Key: it.Key, Reasons: errs}
		}
		r.types[it.Key] = &it
	}
	return nil
}

// loadUserDir loads <KEY>.json files; user keys shadow builtins.
func (r *Registry) loadUserDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read issue types dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		it, err := readTypeFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			r.log.Warn("skipping unreadable issue type file", "file", entry.Name(), "error", err)
			continue
		}
		it.Source = Source{Kind: SourceUser}
		if errs := it.Validate(); len(errs) > 0 {
			r.log.Warn("skipping invalid issue type", "key", it.Key, "file", entry.Name(),
				"reasons", (&ValidationError{Key: it.Key, Reasons: errs}).Error())
			continue
		}
		r.types[it.Key] = it
	}
	return nil
}

// loadImports loads imports/<provider>/<project>/<KEY>.json files, namespacing
// keys as <PROJECT>_<KEY> so imports never collide with local types.
func (r *Registry) loadImports(dir string) error {
	providers, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read imports dir: %w", err)
	}
	for _, provider := range providers {
		if !provider.IsDir() {
			continue
		}
		projects, err := os.ReadDir(filepath.Join(dir, provider.Name()))
		if err != nil {
			continue
		}
		for _, project := range projects {
			if !project.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(dir, provider.Name(), project.Name()))
			if err != nil {
				continue
			}
			for _, file := range files {
				if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
					continue
				}
				it, err := readTypeFile(filepath.Join(dir, provider.Name(), project.Name(), file.Name()))
				if err != nil {
					r.log.Warn("skipping unreadable imported type", "file", file.Name(), "error", err)
					continue
				}
				it.Key = strings.ToUpper(project.Name()) + "_" + it.Key
				it.Source = Source{
					Kind:     SourceImported,
					Provider: provider.Name(),
					Project:  project.Name(),
				}
				if errs := it.validateImported(); len(errs) > 0 {
					r.log.Warn("skipping invalid imported type", "key", it.Key,
						"reasons", (&ValidationError{Key: it.Key, Reasons: errs}).Error())
					continue
				}
				r.types[it.Key] = it
			}
		}
	}
	return nil
}

// validateImported relaxes the key pattern: namespaced keys carry an
// underscore that plain keys must not, so validate against the bare key.
func (t *IssueType) validateImported() []error {
	clone := *t
	if _, bare, found := strings.Cut(t.Key, "_"); found {
		clone.Key = bare
	}
	return clone.Validate()
}

func readTypeFile(path string) (*IssueType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var it IssueType
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// collectionsFile is the on-disk shape of collections.toml.
type collectionsFile struct {
	Collections []Collection `toml:"collections"`
}

func (r *Registry) loadCollections(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read collections: %w", err)
	}
	var file collectionsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse collections: %w", err)
	}
	for i := range file.Collections {
		c := file.Collections[i]
		if c.Name == "" {
			r.log.Warn("skipping unnamed collection")
			continue
		}
		r.collections[c.Name] = &c
	}
	return nil
}

// pruneCollections drops references to unknown types, warning per drop, and
// removes collections left with no valid types.
func (r *Registry) pruneCollections() {
	for name, c := range r.collections {
		var valid []string
		for _, key := range c.Types {
			if _, ok := r.types[key]; ok {
				valid = append(valid, key)
			} else {
				r.log.Warn("collection references unknown issue type",
					"collection", name, "type", key)
			}
		}
		if len(valid) == 0 {
			r.log.Warn("skipping collection with no valid types", "collection", name)
			delete(r.collections, name)
			continue
		}
		c.Types = valid
	}
}

// Get returns the issue type for a key.
func (r *Registry) Get(key string) (*IssueType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.types[key]
	return it, ok
}

// AllTypes returns every known issue type, sorted by key.
func (r *Registry) AllTypes() []*IssueType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*IssueType, 0, len(r.types))
	for _, it := range r.types {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AllCollections returns every known collection, sorted by name.
func (r *Registry) AllCollections() []*Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Collection, 0, len(r.collections))
	for _, c := range r.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveCollection returns the currently active collection.
func (r *Registry) ActiveCollection() *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collections[r.active]
}

// ActiveTypes returns the issue types of the active collection, in the
// collection's priority order.
func (r *Registry) ActiveTypes() []*IssueType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[r.active]
	if !ok {
		return nil
	}
	out := make([]*IssueType, 0, len(c.Types))
	for _, key := range c.Types {
		if it, ok := r.types[key]; ok {
			out = append(out, it)
		}
	}
	return out
}

// PriorityIndex returns the position of a type in the active collection;
// lower is higher priority. Types outside the collection sort last.
func (r *Registry) PriorityIndex(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collections[r.active]
	if !ok {
		return math.MaxInt
	}
	for i, k := range c.Types {
		if k == key {
			return i
		}
	}
	return math.MaxInt
}

// ActivateCollection switches the active collection. Activating the already
// active collection is a no-op.
func (r *Registry) ActivateCollection(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.collections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	r.active = name
	return nil
}

// Register validates and inserts a new issue type. Existing keys are
// rejected: builtins with ErrBuiltinReadOnly, others with ErrDuplicateKey.
// A failed validation leaves the registry unchanged.
func (r *Registry) Register(it *IssueType) error {
	if errs := it.Validate(); len(errs) > 0 {
		return &ValidationError{Key: it.Key, Reasons: errs}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[it.Key]; ok {
		if existing.IsBuiltin() {
			return fmt.Errorf("%w: %s", ErrBuiltinReadOnly, it.Key)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateKey, it.Key)
	}
	if it.Source.Kind == "" {
		it.Source = Source{Kind: SourceUser}
	}
	r.types[it.Key] = it
	return nil
}

// Update replaces an existing non-builtin issue type.
func (r *Registry) Update(it *IssueType) error {
	if errs := it.Validate(); len(errs) > 0 {
		return &ValidationError{Key: it.Key, Reasons: errs}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.types[it.Key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTypeNotFound, it.Key)
	}
	if existing.IsBuiltin() {
		return fmt.Errorf("%w: %s", ErrBuiltinReadOnly, it.Key)
	}
	it.Source = existing.Source
	r.types[it.Key] = it
	return nil
}

// Delete removes a non-builtin issue type.
func (r *Registry) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.types[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTypeNotFound, key)
	}
	if existing.IsBuiltin() {
		return fmt.Errorf("%w: %s", ErrBuiltinReadOnly, key)
	}
	delete(r.types, key)
	return nil
}

// RegisterCollection validates and inserts a collection. Types referenced but
// unknown are dropped with a warning; a collection with no valid types fails.
func (r *Registry) RegisterCollection(c *Collection) error {
	if c.Name == "" {
		return errors.New("collection name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var valid []string
	for _, key := range c.Types {
		if _, ok := r.types[key]; ok {
			valid = append(valid, key)
		} else {
			r.log.Warn("collection references unknown issue type",
				"collection", c.Name, "type", key)
		}
	}
	if len(valid) == 0 {
		return fmt.Errorf("collection %s has no valid types", c.Name)
	}
	r.collections[c.Name] = &Collection{Name: c.Name, Types: valid}
	return nil
}
