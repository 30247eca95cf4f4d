// Package contracts holds the pre-registered contract integrations and dispatches requests to them.
package contracts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/errs"
)

// State is a plugin lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

const (
	HealthPeriod  = 30 * time.Second
	HealthTimeout = time.Second
)

// Route is an operation a plugin serves. Write routes need a healthy plugin.
type Route struct {
	Name  string `json:"name"`
	Write bool   `json:"write"`
}

// Plugin is one contract integration.
type Plugin interface {
	Name() string
	ProgramID() string
	Version() string
	Metadata() map[string]any
	Routes() []Route
	Init(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Handle(ctx context.Context, route string, body json.RawMessage) (json.RawMessage, error)
}

// Info describes a registered plugin.
type Info struct {
	Name      string     `json:"name"`
	ProgramID string     `json:"program_id"`
	Version   string     `json:"version"`
	State     State      `json:"state"`
	Healthy   bool       `json:"healthy"`
	LastError string     `json:"last_error,omitempty"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	Routes    []Route    `json:"routes"`
}

type entry struct {
	plugin    Plugin
	state     State
	healthy   bool
	lastErr   string
	checkedAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry builds an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log.Named("contracts"), now: time.Now, entries: make(map[string]*entry)}
}

// Register adds p in the uninitialized state. Registering the same name with the same
// program id again is a no-op; a different program id is a conflict.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[p.Name()]; ok {
		if e.plugin.ProgramID() != p.ProgramID() {
			return fmt.Errorf("%w: plugin %q already registered with program %s", errs.ErrConflict, p.Name(), e.plugin.ProgramID())
		}
		return nil
	}
	r.entries[p.Name()] = &entry{plugin: p, state: StateUninitialized}
	return nil
}

// Start initializes every uninitialized plugin.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	var names []string
	for name, e := range r.entries {
		if e.state == StateUninitialized {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	for _, n := range names {
		_ = r.initialize(ctx, n, StateUninitialized)
	}
}

// Retry moves a failed plugin back through initialization.
func (r *Registry) Retry(ctx context.Context, name string) (Info, error) {
	if err := r.initialize(ctx, name, StateFailed); err != nil {
		return Info{}, err
	}
	return r.Get(name)
}

// initialize runs Init if the plugin is currently in from.
func (r *Registry) initialize(ctx context.Context, name string, from State) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: plugin %q", errs.ErrNotFound, name)
	}
	if e.state != from {
		state := e.state
		r.mu.Unlock()
		return fmt.Errorf("%w: plugin %q is %s", errs.ErrConflict, name, state)
	}
	e.state = StateInitializing
	p := e.plugin
	r.mu.Unlock()

	err := p.Init(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		e.state = StateFailed
		e.healthy = false
		e.lastErr = err.Error()
		r.log.Warn("plugin failed to initialize", zap.String("plugin", name), zap.Error(err))
		return nil
	}
	e.state = StateReady
	e.healthy = true
	e.lastErr = ""
	r.log.Info("plugin ready", zap.String("plugin", name), zap.String("program_id", p.ProgramID()))
	return nil
}

func (r *Registry) info(e *entry) Info {
	i := Info{
		Name:      e.plugin.Name(),
		ProgramID: e.plugin.ProgramID(),
		Version:   e.plugin.Version(),
		State:     e.state,
		Healthy:   e.healthy,
		LastError: e.lastErr,
		Routes:    e.plugin.Routes(),
	}
	if !e.checkedAt.IsZero() {
		t := e.checkedAt
		i.CheckedAt = &t
	}
	return i
}

// Get describes one plugin.
func (r *Registry) Get(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: plugin %q", errs.ErrNotFound, name)
	}
	return r.info(e), nil
}

// List describes every plugin, ordered by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.info(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetAll returns the plugins themselves, ordered by name.
func (r *Registry) GetAll() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.plugin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Metadata is served whatever the plugin's health.
func (r *Registry) Metadata(name string) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: plugin %q", errs.ErrNotFound, name)
	}
	md := map[string]any{
		"name":       e.plugin.Name(),
		"program_id": e.plugin.ProgramID(),
		"version":    e.plugin.Version(),
		"routes":     e.plugin.Routes(),
	}
	for k, v := range e.plugin.Metadata() {
		md[k] = v
	}
	return md, nil
}

// Dispatch forwards a request to a ready plugin.
func (r *Registry) Dispatch(ctx context.Context, name, route string, body json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var state State
	var healthy bool
	if ok {
		state, healthy = e.state, e.healthy
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: plugin %q", errs.ErrNotFound, name)
	}
	if state != StateReady {
		return nil, fmt.Errorf("%w: plugin %q is %s", errs.ErrUnavailable, name, state)
	}
	var rt *Route
	for _, candidate := range e.plugin.Routes() {
		if candidate.Name == route {
			rt = &candidate
			break
		}
	}
	if rt == nil {
		return nil, fmt.Errorf("%w: unknown route %q", errs.ErrInvalidInput, route)
	}
	if rt.Write && !healthy {
		return nil, fmt.Errorf("%w: plugin %q is unhealthy", errs.ErrUnavailable, name)
	}
	return e.plugin.Handle(ctx, route, body)
}

// CheckHealth checks every ready plugin once, each bounded by HealthTimeout.
func (r *Registry) CheckHealth(ctx context.Context) {
	for _, p := range r.GetAll() {
		r.mu.RLock()
		ready := r.entries[p.Name()].state == StateReady
		r.mu.RUnlock()
		if !ready {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, HealthTimeout)
		err := p.HealthCheck(cctx)
		cancel()

		r.mu.Lock()
		e := r.entries[p.Name()]
		was := e.healthy
		e.healthy = err == nil
		e.checkedAt = r.now()
		if err != nil {
			e.lastErr = err.Error()
		} else {
			e.lastErr = ""
		}
		r.mu.Unlock()

		if was != (err == nil) {
			r.log.Info("plugin health changed", zap.String("plugin", p.Name()), zap.Bool("healthy", err == nil), zap.Error(err))
		}
	}
}

// RunHealth checks health immediately and then every period until ctx is done.
func (r *Registry) RunHealth(ctx context.Context, period time.Duration) {
	r.CheckHealth(ctx)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.CheckHealth(ctx)
		}
	}
}
