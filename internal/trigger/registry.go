// Package trigger holds the named trigger callbacks that buckets may
// reference from their pre and post chains. Triggers are ordinary Go
// values registered at startup; bucket configuration selects them by
// name, which keeps extensibility behind an explicit capability
// interface instead of evaluating caller-supplied source.
package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratadb/strata/internal/core"
)

// Registry maps trigger names to registered callbacks. A Registry is
// owned by the server instance; tests construct their own so they don't
// cross-contaminate.
type Registry struct {
	mu   sync.RWMutex
	pre  map[string]core.PreTrigger
	post map[string]core.PostTrigger
}

// NewRegistry creates an empty trigger registry.
func NewRegistry() *Registry {
	return &Registry{
		pre:  make(map[string]core.PreTrigger),
		post: make(map[string]core.PostTrigger),
	}
}

// RegisterPre registers a pre trigger under its name.
func (r *Registry) RegisterPre(t core.PreTrigger) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("pre trigger must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pre[t.Name()]; exists {
		return fmt.Errorf("pre trigger %q is already registered", t.Name())
	}
	r.pre[t.Name()] = t
	return nil
}

// RegisterPost registers a post trigger under its name.
func (r *Registry) RegisterPost(t core.PostTrigger) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("post trigger must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.post[t.Name()]; exists {
		return fmt.Errorf("post trigger %q is already registered", t.Name())
	}
	r.post[t.Name()] = t
	return nil
}

// ResolvePre validates that every named pre trigger is registered.
// An unknown name fails with NotFunctionError.
func (r *Registry) ResolvePre(names []string) ([]core.PreTrigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.PreTrigger, 0, len(names))
	for _, name := range names {
		t, ok := r.pre[name]
		if !ok {
			return nil, &core.NotFunctionError{Trigger: name}
		}
		out = append(out, t)
	}
	return out, nil
}

// ResolvePost validates that every named post trigger is registered.
func (r *Registry) ResolvePost(names []string) ([]core.PostTrigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.PostTrigger, 0, len(names))
	for _, name := range names {
		t, ok := r.post[name]
		if !ok {
			return nil, &core.NotFunctionError{Trigger: name}
		}
		out = append(out, t)
	}
	return out, nil
}

// RunPre runs the bucket's pre chain in order, stopping at the first
// error. Triggers may rewrite args.Key and args.Value.
func (r *Registry) RunPre(ctx context.Context, names []string, args *core.PreTriggerArgs) error {
	chain, err := r.ResolvePre(names)
	if err != nil {
		return err
	}
	for _, t := range chain {
		if err := t.Run(ctx, args); err != nil {
			return fmt.Errorf("pre trigger %q: %w", t.Name(), err)
		}
	}
	return nil
}

// RunPost runs the bucket's post chain in order, stopping at the first
// error. The write is already committed when the chain runs.
func (r *Registry) RunPost(ctx context.Context, names []string, args *core.PostTriggerArgs) error {
	chain, err := r.ResolvePost(names)
	if err != nil {
		return err
	}
	for _, t := range chain {
		if err := t.Run(ctx, args); err != nil {
			return fmt.Errorf("post trigger %q: %w", t.Name(), err)
		}
	}
	return nil
}

// PreFunc adapts a function to core.PreTrigger.
type PreFunc struct {
	TriggerName string
	Fn          func(ctx context.Context, args *core.PreTriggerArgs) error
}

func (f PreFunc) Name() string { return f.TriggerName }
func (f PreFunc) Run(ctx context.Context, args *core.PreTriggerArgs) error {
	return f.Fn(ctx, args)
}

// PostFunc adapts a function to core.PostTrigger.
type PostFunc struct {
	TriggerName string
	Fn          func(ctx context.Context, args *core.PostTriggerArgs) error
}

func (f PostFunc) Name() string { return f.TriggerName }
func (f PostFunc) Run(ctx context.Context, args *core.PostTriggerArgs) error {
	return f.Fn(ctx, args)
}
