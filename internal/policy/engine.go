package policy

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsh/autoapprove/internal/shell"
	"github.com/agentsh/autoapprove/pkg/hotreload"
)

// ErrNotInitialized is returned when a command is evaluated before any rule
// set has been resolved.
var ErrNotInitialized = errors.New("auto-approve rules not initialized")

// Observer receives engine events. *metrics.Collector implements it.
type Observer interface {
	IncEvaluation(verdict string)
	IncRebuild()
	AddDiagnostics(n int)
	SetRules(n int)
	IncWriteDowngrade()
}

// Snapshot is one immutable generation of the engine's rules.
type Snapshot struct {
	Version        int64
	Effective      EffectiveRuleSet
	Diagnostics    []Diagnostic
	IgnoreDefaults bool
	Guard          *FileWriteGuard
	BuiltAt        time.Time

	rules *RuleSet
}

// Rules returns the compiled rule set.
func (s *Snapshot) Rules() *RuleSet {
	return s.rules
}

// Engine owns the scope inputs and the current snapshot. Mutations rebuild
// and swap the snapshot; evaluations read whichever snapshot is current and
// never observe a partial rebuild.
type Engine struct {
	mu             sync.Mutex
	scopes         map[Scope]map[string]RawValue
	ignoreDefaults bool
	guard          *FileWriteGuard

	dialect  shell.Dialect
	current  *hotreload.Reloadable[Snapshot]
	logger   *slog.Logger
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for rebuild diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver reports evaluations and rebuilds to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithDialect sets the dialect used by Evaluate.
func WithDialect(d shell.Dialect) Option {
	return func(e *Engine) {
		e.dialect = d
	}
}

// WithDefaultRules seeds the default scope with DefaultRules.
func WithDefaultRules() Option {
	return func(e *Engine) {
		e.scopes[ScopeDefault] = DefaultRules()
	}
}

// WithIgnoreDefaults sets the initial ignore-defaults switch.
func WithIgnoreDefaults(ignore bool) Option {
	return func(e *Engine) {
		e.ignoreDefaults = ignore
	}
}

// WithFileWriteGuard sets the initial file write guard.
func WithFileWriteGuard(g *FileWriteGuard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

// NewEngine returns an engine with no resolved rules. The first call to a
// Set method or Rebuild resolves them.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		scopes:  make(map[Scope]map[string]RawValue),
		dialect: shell.DialectBash,
		current: hotreload.NewReloadable[Snapshot](nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetScope replaces the raw entries of one scope and rebuilds. A nil map
// removes the scope.
func (e *Engine) SetScope(scope Scope, raw map[string]RawValue) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setScopeLocked(scope, raw)
	return e.rebuildLocked()
}

// SetScopes replaces several scopes with a single rebuild.
func (e *Engine) SetScopes(scopes map[Scope]map[string]RawValue) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	for s, raw := range scopes {
		e.setScopeLocked(s, raw)
	}
	return e.rebuildLocked()
}

func (e *Engine) setScopeLocked(scope Scope, raw map[string]RawValue) {
	if raw == nil {
		delete(e.scopes, scope)
		return
	}
	cp := make(map[string]RawValue, len(raw))
	for k, v := range raw {
		cp[k] = v
	}
	e.scopes[scope] = cp
}

// SetIgnoreDefaults toggles whether the default scope participates.
func (e *Engine) SetIgnoreDefaults(ignore bool) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignoreDefaults = ignore
	return e.rebuildLocked()
}

// SetFileWriteGuard replaces the file write guard. A nil guard disables it.
func (e *Engine) SetFileWriteGuard(g *FileWriteGuard) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guard = g
	return e.rebuildLocked()
}

// Rebuild resolves the current inputs into a new snapshot.
func (e *Engine) Rebuild() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebuildLocked()
}

func (e *Engine) rebuildLocked() *Snapshot {
	var (
		layers []ScopeRules
		diags  []Diagnostic
	)
	for _, s := range Scopes {
		raw, ok := e.scopes[s]
		if !ok {
			continue
		}
		rules, d := CompileRules(s, raw)
		diags = append(diags, d...)
		layers = append(layers, ScopeRules{Scope: s, Rules: rules})
	}

	eff := Resolve(layers, e.ignoreDefaults)
	rs, d := NewRuleSet(eff)
	diags = append(diags, d...)

	snap := &Snapshot{
		Version:        e.current.Version() + 1,
		Effective:      eff,
		Diagnostics:    diags,
		IgnoreDefaults: e.ignoreDefaults,
		Guard:          e.guard,
		BuiltAt:        time.Now().UTC(),
		rules:          rs,
	}
	e.current.Swap(snap)

	for _, diag := range diags {
		e.logger.Warn("auto-approve rule ignored", "scope", diag.Scope.String(), "key", diag.Key, "error", diag.Err)
	}
	e.logger.Debug("auto-approve rules rebuilt", "version", snap.Version, "rules", rs.Len(), "diagnostics", len(diags))

	if e.observer != nil {
		e.observer.IncRebuild()
		e.observer.AddDiagnostics(len(diags))
		e.observer.SetRules(rs.Len())
	}
	return snap
}

// Snapshot returns the current snapshot.
func (e *Engine) Snapshot() (*Snapshot, error) {
	snap := e.current.Get()
	if snap == nil {
		return nil, ErrNotInitialized
	}
	return snap, nil
}

// Dialect returns the dialect used by Evaluate.
func (e *Engine) Dialect() shell.Dialect {
	return e.dialect
}

// Evaluate decides commandLine using the engine's dialect.
func (e *Engine) Evaluate(commandLine string) (Decision, error) {
	return e.EvaluateDialect(commandLine, e.dialect)
}

// EvaluateDialect decides commandLine read with dialect. It applies the
// file write guard of the current snapshot to approved decisions.
func (e *Engine) EvaluateDialect(commandLine string, dialect shell.Dialect) (Decision, error) {
	snap, err := e.Snapshot()
	if err != nil {
		return Decision{}, err
	}
	return e.decide(snap, commandLine, dialect), nil
}

func (e *Engine) decide(snap *Snapshot, commandLine string, dialect shell.Dialect) Decision {
	d := Evaluate(snap.rules, shell.Decompose(dialect, commandLine), dialect)
	if snap.Guard != nil {
		before := d.Verdict
		d = snap.Guard.Apply(d, commandLine, dialect)
		if before == Approved && d.Verdict != Approved && e.observer != nil {
			e.observer.IncWriteDowngrade()
		}
	}

	if e.observer != nil {
		e.observer.IncEvaluation(d.Verdict.String())
	}
	return d
}

// SubCommandMatches lists every rule matching one sub-command.
type SubCommandMatches struct {
	shell.SubCommand
	Rules []MatchedRule `json:"rules"`
}

// Explanation is a decision together with every rule that matched.
type Explanation struct {
	Decision    Decision            `json:"decision"`
	LineRules   []MatchedRule       `json:"line_rules"`
	SubCommands []SubCommandMatches `json:"sub_commands"`
	Version     int64               `json:"version"`
}

// Explain evaluates commandLine and reports all matching rules, not only
// the ones that decided the outcome.
func (e *Engine) Explain(commandLine string, dialect shell.Dialect) (Explanation, error) {
	snap, err := e.Snapshot()
	if err != nil {
		return Explanation{}, err
	}
	d := e.decide(snap, commandLine, dialect)

	fold := dialect.CaseInsensitive()
	rs := snap.rules
	out := Explanation{Decision: d, Version: snap.Version}
	for _, group := range [][]matcher{rs.lineDeny, rs.lineApprove} {
		for _, m := range group {
			if m.match(commandLine, fold) {
				out.LineRules = append(out.LineRules, m.matched(commandLine))
			}
		}
	}
	for _, sub := range d.SubCommands {
		sm := SubCommandMatches{SubCommand: sub}
		subject := matchSubject(sub.Text, dialect)
		for _, group := range [][]matcher{rs.subDeny, rs.subApprove} {
			for _, m := range group {
				if m.match(subject, fold) {
					sm.Rules = append(sm.Rules, m.matched(sub.Text))
				}
			}
		}
		out.SubCommands = append(out.SubCommands, sm)
	}
	return out, nil
}
