package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Target is the resource an action operates on.
type Target struct {
	Kind      TargetKind
	Datastore *Datastore
	Workflow  *Workflow
}

// ID returns the target's record id.
func (t *Target) ID() string {
	switch t.Kind {
	case TargetWorkflow:
		if t.Workflow != nil {
			return t.Workflow.ID
		}
	default:
		if t.Datastore != nil {
			return t.Datastore.ID
		}
	}
	return ""
}

// Args returns the target's arguments.
func (t *Target) Args() Args {
	if t.Kind == TargetWorkflow && t.Workflow != nil {
		return t.Workflow.Args
	}
	if t.Datastore != nil {
		return t.Datastore.Args
	}
	return nil
}

// DryRun reports whether the target asks handlers to skip external side effects.
func (t *Target) DryRun() bool {
	return t.Args().Bool(ArgDryRun)
}

// EngineContext is handed to every handler invocation.
// Its helpers perform version-guarded writes and keep the handler's
// action and target pointers current.
type EngineContext struct {
	ctx    context.Context
	store  Store
	locker *Locker
	logger zerolog.Logger
	action *Action
	target *Target
}

// NewEngineContext binds a handler invocation to its action and target.
func NewEngineContext(ctx context.Context, store Store, locker *Locker, logger zerolog.Logger, action *Action, target *Target) *EngineContext {
	return &EngineContext{
		ctx:    ctx,
		store:  store,
		locker: locker,
		logger: logger,
		action: action,
		target: target,
	}
}

// Context returns the invocation context.
func (c *EngineContext) Context() context.Context { return c.ctx }

// Store returns the shared store.
func (c *EngineContext) Store() Store { return c.store }

// Logger returns a logger tagged with the action.
func (c *EngineContext) Logger() *zerolog.Logger { return &c.logger }

// Progress records a checkpoint. A ConflictError means another writer
// advanced the action and the handler should stop.
func (c *EngineContext) Progress(p float64) error {
	updated, err := c.store.PatchAction(c.ctx, c.action, ActionPatch{Progress: &p})
	if err != nil {
		return err
	}
	*c.action = *updated
	c.logger.Debug().Float64("progress", p).Int64("version", updated.Version).Msg("action progress")
	return nil
}

// Advance records p only if it moves the action forward. Handlers resumed
// after redelivery pass checkpoints they may already have recorded.
func (c *EngineContext) Advance(p float64) error {
	if p <= c.action.Progress {
		return nil
	}
	return c.Progress(p)
}

// Action returns the action being handled, kept current by Progress.
func (c *EngineContext) Action() *Action { return c.action }

// Complete marks the action as terminal success.
func (c *EngineContext) Complete() error {
	return c.Progress(1.0)
}

// UpdateDatastore applies fn to the target datastore and writes it conditionally.
func (c *EngineContext) UpdateDatastore(fn func(ds *Datastore)) error {
	if c.target == nil || c.target.Datastore == nil {
		return NewValidationError("action target is not a datastore", nil)
	}
	next := *c.target.Datastore
	next.Args = c.target.Datastore.Args.Clone()
	next.ExtraData = c.target.Datastore.ExtraData.Clone()
	fn(&next)
	updated, err := c.store.UpdateDatastore(c.ctx, &next)
	if err != nil {
		return err
	}
	*c.target.Datastore = *updated
	return nil
}

// RefreshDatastore re-reads the target datastore so decisions taken under a
// mutex see writes made by the previous holder.
func (c *EngineContext) RefreshDatastore(ctx context.Context) (*Datastore, error) {
	if c.target == nil || c.target.Datastore == nil {
		return nil, NewValidationError("action target is not a datastore", nil)
	}
	fresh, err := c.store.GetDatastore(ctx, c.target.Datastore.ID)
	if err != nil {
		return nil, err
	}
	*c.target.Datastore = *fresh
	return c.target.Datastore, nil
}

// UpdateWorkflow applies fn to the target workflow and writes it conditionally.
func (c *EngineContext) UpdateWorkflow(fn func(wf *Workflow)) error {
	if c.target == nil || c.target.Workflow == nil {
		return NewValidationError("action target is not a workflow", nil)
	}
	next := *c.target.Workflow
	next.Args = c.target.Workflow.Args.Clone()
	next.ExtraData = c.target.Workflow.ExtraData.Clone()
	fn(&next)
	updated, err := c.store.UpdateWorkflow(c.ctx, &next)
	if err != nil {
		return err
	}
	*c.target.Workflow = *updated
	return nil
}

// WithMutex runs fn while holding the named mutex.
func (c *EngineContext) WithMutex(name MutexName, timeout time.Duration, fn func(ctx context.Context) error) error {
	if c.locker == nil {
		return NewValidationError("no locker configured", nil)
	}
	return c.locker.WithMutex(c.ctx, name, timeout, fn)
}
