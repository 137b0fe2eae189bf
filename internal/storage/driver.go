package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options carries the settings shared by every backend. Zero values fall
// back to the package defaults.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
	Limits Limits
	Retry  RetryPolicy
	Hooks  Hooks

	// Backend holds pool specific settings (for example a database name).
	Backend map[string]any
}

// Hooks are optional callbacks fired by the write paths.
type Hooks struct {
	PostConflict   func(queue, project string, attempt int)
	MessagesPosted func(queue, project string, n int)
	PostFailed     func(queue, project string)
	ClaimCreated   func(queue, project string, n int)
}

func (o Options) WithDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o.Limits = o.Limits.withDefaults()
	o.Retry = o.Retry.withDefaults()
	return o
}

func (h Hooks) conflict(queue, project string, attempt int) {
	if h.PostConflict != nil {
		h.PostConflict(queue, project, attempt)
	}
}

func (h Hooks) posted(queue, project string, n int) {
	if h.MessagesPosted != nil && n > 0 {
		h.MessagesPosted(queue, project, n)
	}
}

func (h Hooks) failed(queue, project string) {
	if h.PostFailed != nil {
		h.PostFailed(queue, project)
	}
}

// Claimed fires the ClaimCreated hook when at least one message was claimed.
func (h Hooks) Claimed(queue, project string, n int) {
	if h.ClaimCreated != nil && n > 0 {
		h.ClaimCreated(queue, project, n)
	}
}

// BackendString returns a string backend option or def.
func (o Options) BackendString(key, def string) string {
	if v, ok := o.Backend[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Factory opens drivers for one backend kind. Either func may be nil when
// the backend cannot serve that role.
type Factory struct {
	Data    func(ctx context.Context, uri string, opts Options) (DataDriver, error)
	Control func(ctx context.Context, uri string, opts Options) (ControlDriver, error)
}

// Registry maps URI schemes to backend factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(f Factory, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		if scheme == "" {
			continue
		}
		if _, dup := r.factories[scheme]; dup {
			panic("storage: Register called twice for scheme " + scheme)
		}
		r.factories[scheme] = f
	}
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for scheme := range r.factories {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) OpenData(ctx context.Context, uri string, opts Options) (DataDriver, error) {
	f, err := r.lookup(uri)
	if err != nil {
		return nil, err
	}
	if f.Data == nil {
		return nil, fmt.Errorf("storage: %q cannot hold queue data", Scheme(uri))
	}
	return f.Data(ctx, uri, opts.WithDefaults())
}

func (r *Registry) OpenControl(ctx context.Context, uri string, opts Options) (ControlDriver, error) {
	f, err := r.lookup(uri)
	if err != nil {
		return nil, err
	}
	if f.Control == nil {
		return nil, fmt.Errorf("storage: %q cannot hold the pool catalogue", Scheme(uri))
	}
	return f.Control(ctx, uri, opts.WithDefaults())
}

func (r *Registry) lookup(uri string) (Factory, error) {
	scheme := Scheme(uri)
	if scheme == "" {
		return Factory{}, fmt.Errorf("storage: missing scheme in uri %q", uri)
	}
	r.mu.RLock()
	f, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return Factory{}, fmt.Errorf("storage: unknown backend %q (known: %s)", scheme, strings.Join(r.Schemes(), ", "))
	}
	return f, nil
}

// Scheme returns the lower-cased URI scheme, or "" when uri has none.
func Scheme(uri string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(uri), ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
