package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// policyFile is one YAML document under the provider's directory.
type policyFile struct {
	VendorID string         `yaml:"vendor_id"`
	Policies []*AgentPolicy `yaml:"policies"`
}

// FileProvider serves policies from *.yaml / *.yml files in a directory. Every file
// is schema-checked and every policy validated; a reload that fails leaves the
// previous set in place. Start watches the directory and reloads on change.
type FileProvider struct {
	dir      string
	vendorID string
	exprs    *ExpressionEvaluator
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	policies map[string]*AgentPolicy
	watchers []func(PolicyChange)

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewFileProvider loads dir once. exprs may be nil to skip expression compilation.
func NewFileProvider(dir, vendorID string, exprs *ExpressionEvaluator) (*FileProvider, error) {
	f := &FileProvider{
		dir:      dir,
		vendorID: vendorID,
		exprs:    exprs,
		logger:   slog.Default().With("component", "policy.file_provider", "dir", dir),
		debounce: 100 * time.Millisecond,
		policies: make(map[string]*AgentPolicy),
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// WithDebounce sets the quiet period before a change triggers a reload.
func (f *FileProvider) WithDebounce(d time.Duration) *FileProvider {
	f.debounce = d
	return f
}

func (f *FileProvider) GetPolicies(ctx context.Context, scope Scope, req *ExecutionRequest) ([]*AgentPolicy, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return filterPolicies(f.policies, scope, req), nil
}

func (f *FileProvider) Policy(ctx context.Context, id string) (*AgentPolicy, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p.Clone(), nil
}

func (f *FileProvider) Watch(fn func(PolicyChange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, fn)
}

// Reload re-reads the directory and notifies watchers of every difference.
func (f *FileProvider) Reload() error {
	next, err := f.readDir()
	if err != nil {
		return err
	}

	f.mu.Lock()
	prev := f.policies
	for id, p := range next {
		if old, ok := prev[id]; ok {
			if err := checkSupersedes(old, p); err != nil && !samePolicy(old, p) {
				f.mu.Unlock()
				return err
			}
		}
	}
	f.policies = next
	watchers := append([]func(PolicyChange){}, f.watchers...)
	f.mu.Unlock()

	changes := diffPolicies(prev, next)
	for _, ch := range changes {
		for _, fn := range watchers {
			fn(ch)
		}
	}
	if len(changes) > 0 {
		f.logger.Info("policies reloaded", "count", len(next), "changes", len(changes))
	}
	return nil
}

func (f *FileProvider) readDir() (map[string]*AgentPolicy, error) {
	schema, err := policyFileValidator()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}

	out := make(map[string]*AgentPolicy)
	for _, e := range entries {
		if e.IsDir() || !isPolicyFile(e.Name()) {
			continue
		}
		path := filepath.Join(f.dir, e.Name())
		file, err := f.readFile(path, schema)
		if err != nil {
			return nil, err
		}
		info, _ := e.Info()
		for _, p := range file.Policies {
			if _, dup := out[p.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate id %s in %s", ErrInvalidPolicy, p.ID, path)
			}
			if p.VendorID == "" {
				p.VendorID = file.VendorID
			}
			if p.VendorID == "" {
				p.VendorID = f.vendorID
			}
			if p.CreatedAt.IsZero() && info != nil {
				p.CreatedAt = info.ModTime().UTC()
			}
			if err := p.Validate(f.exprs); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out[p.ID] = p
		}
	}
	return out, nil
}

func (f *FileProvider) readFile(path string, schema *jsonschema.Schema) (*policyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Schema validation runs on the JSON form of the document.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("convert %s: %w", path, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: schema validation failed: %v", ErrInvalidPolicy, path, err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &file, nil
}

// Start watches the directory until ctx is cancelled or Close is called. Reload
// errors are logged and the previous policy set stays active.
func (f *FileProvider) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(f.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", f.dir, err)
	}

	f.mu.Lock()
	f.fsw = fsw
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	deb := newDebouncer(f.debounce)
	go func() {
		defer close(done)
		defer deb.stop()
		for {
			select {
			case <-ctx.Done():
				_ = fsw.Close()
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Chmod == fsnotify.Chmod || !isPolicyFile(event.Name) {
					continue
				}
				f.logger.Debug("policy file event", "path", event.Name, "op", event.Op.String())
				deb.trigger(func() {
					if err := f.Reload(); err != nil {
						f.logger.Error("policy reload failed", "error", err)
					}
				})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				f.logger.Error("policy watcher error", "error", err)
			}
		}
	}()

	f.logger.Info("policy watcher started", "debounce_ms", f.debounce.Milliseconds())
	return nil
}

// Close stops a watcher started with Start.
func (f *FileProvider) Close() error {
	f.mu.Lock()
	fsw, done := f.fsw, f.done
	f.fsw = nil
	f.mu.Unlock()
	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	<-done
	return err
}

func isPolicyFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	return ext == ".yaml" || ext == ".yml"
}

func samePolicy(a, b *AgentPolicy) bool {
	da, errA := a.Digest()
	db, errB := b.Digest()
	return errA == nil && errB == nil && da == db && a.Signature == b.Signature
}

func diffPolicies(prev, next map[string]*AgentPolicy) []PolicyChange {
	var changes []PolicyChange
	for id, p := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			changes = append(changes, PolicyChange{Kind: ChangeAdded, New: p.Clone()})
		case !samePolicy(old, p):
			changes = append(changes, PolicyChange{Kind: ChangeUpdated, Old: old.Clone(), New: p.Clone()})
		}
	}
	for id, old := range prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, PolicyChange{Kind: ChangeRemoved, Old: old.Clone()})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changeID(changes[i]) < changeID(changes[j]) })
	return changes
}

func changeID(c PolicyChange) string {
	if c.New != nil {
		return c.New.ID
	}
	return c.Old.ID
}
