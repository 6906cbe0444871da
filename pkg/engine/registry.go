package engine

import (
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc drives one operation against external infrastructure.
// It patches progress through ectx and returns an *ActionError on domain failure.
type HandlerFunc func(ectx *EngineContext, target *Target, action *Action) error

// Engine is a pluggable executor for one class of backing infrastructure.
type Engine interface {
	// Name is the engine_name actions use to select it.
	Name() string

	// Operations returns the engine's fixed handler table.
	Operations() map[OperationKind]HandlerFunc
}

// Registry maps (engine name, operation kind) to handlers. It is filled at
// startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[OperationKind]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[OperationKind]HandlerFunc)}
}

// Register binds a handler. Registering the same pair twice is an error.
func (r *Registry) Register(engineName string, kind OperationKind, h HandlerFunc) error {
	if engineName == "" || kind == "" || h == nil {
		return NewValidationError("engine name, operation kind and handler are required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ops, ok := r.handlers[engineName]
	if !ok {
		ops = make(map[OperationKind]HandlerFunc)
		r.handlers[engineName] = ops
	}
	if _, exists := ops[kind]; exists {
		return fmt.Errorf("handler already registered for %s/%s", engineName, kind)
	}
	ops[kind] = h
	return nil
}

// RegisterEngine binds every operation of e.
func (r *Registry) RegisterEngine(e Engine) error {
	for kind, h := range e.Operations() {
		if err := r.Register(e.Name(), kind, h); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves a handler. The returned handler honors the target's dry_run flag.
func (r *Registry) Lookup(engineName string, kind OperationKind) (HandlerFunc, error) {
	r.mu.RLock()
	h, ok := r.handlers[engineName][kind]
	r.mu.RUnlock()
	if !ok {
		return nil, NewUnknownHandlerError(engineName, kind)
	}
	return dryRunAware(h), nil
}

// Engines returns registered engine names, sorted.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operations returns the operation kinds registered for an engine, sorted.
func (r *Registry) Operations(engineName string) []OperationKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]OperationKind, 0, len(r.handlers[engineName]))
	for kind := range r.handlers[engineName] {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// dryRunAware reports immediate success for dry-run targets without calling h.
func dryRunAware(h HandlerFunc) HandlerFunc {
	return func(ectx *EngineContext, target *Target, action *Action) error {
		if target != nil && target.DryRun() {
			ectx.Logger().Info().Msg("dry run, skipping handler")
			return ectx.Complete()
		}
		return h(ectx, target, action)
	}
}
