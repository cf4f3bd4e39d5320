package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DecodeScopeFile parses a scope file: a mapping of rule key to
// true, false, null or {approve, matchCommandLine}. JSON is used for
// ".json" files and YAML otherwise. An empty file is an empty scope.
func DecodeScopeFile(name string, data []byte) (map[string]RawValue, error) {
	raw := make(map[string]RawValue)
	if len(bytes.TrimSpace(data)) == 0 {
		return raw, nil
	}

	if strings.EqualFold(filepath.Ext(name), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse scope file: %w", err)
		}
		return raw, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse scope file: %w", err)
	}
	if raw == nil {
		raw = make(map[string]RawValue)
	}
	return raw, nil
}

// LoadScopeFile reads and parses a scope file.
func LoadScopeFile(path string) (map[string]RawValue, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scope file: %w", err)
	}
	return DecodeScopeFile(path, b)
}

// Loader feeds scope files into an engine. It satisfies the file loader
// interface used by the hotreload watcher.
type Loader struct {
	engine *Engine
	files  map[string]Scope
	logger *slog.Logger
}

// NewLoader binds scope files to e. Scopes with an empty path are skipped.
func NewLoader(e *Engine, files map[Scope]string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{engine: e, files: make(map[string]Scope), logger: logger}
	for scope, path := range files {
		if path == "" {
			continue
		}
		l.files[absPath(path)] = scope
	}
	return l
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Paths returns the bound file paths, made absolute, in order.
func (l *Loader) Paths() []string {
	out := make([]string, 0, len(l.files))
	for p := range l.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// LoadAll reads every bound file and applies them with a single rebuild.
// Missing files leave their scope empty. Files that fail to parse keep
// whatever that scope held before and are reported in the returned error.
func (l *Loader) LoadAll() error {
	scopes := make(map[Scope]map[string]RawValue)
	var errs []error
	for _, path := range l.Paths() {
		scope := l.files[path]
		raw, err := LoadScopeFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			l.logger.Debug("scope file not found", "scope", scope.String(), "path", path)
			scopes[scope] = nil
		case err != nil:
			errs = append(errs, fmt.Errorf("%s scope %s: %w", scope, path, err))
		default:
			scopes[scope] = raw
		}
	}
	l.engine.SetScopes(scopes)
	return errors.Join(errs...)
}

// Validate parses path without applying it. A removed file is valid and
// clears its scope on load.
func (l *Loader) Validate(path string) error {
	if _, ok := l.scopeFor(path); !ok {
		return fmt.Errorf("%s is not a scope file", path)
	}
	_, err := LoadScopeFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadFromPath re-reads one scope file and rebuilds the engine.
func (l *Loader) LoadFromPath(path string) error {
	scope, ok := l.scopeFor(path)
	if !ok {
		return fmt.Errorf("%s is not a scope file", path)
	}
	raw, err := LoadScopeFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		raw, err = nil, nil
	}
	if err != nil {
		return err
	}
	snap := l.engine.SetScope(scope, raw)
	l.logger.Info("scope reloaded", "scope", scope.String(), "path", path, "version", snap.Version, "rules", snap.Effective.Len())
	return nil
}

func (l *Loader) scopeFor(path string) (Scope, bool) {
	s, ok := l.files[absPath(path)]
	return s, ok
}
