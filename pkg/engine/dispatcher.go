package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Outcome summarizes what a dispatch did.
type Outcome string

const (
	// OutcomeSucceeded means the handler returned with progress at 1.0.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means the action was patched with an error.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped means the action was already terminal.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeIncomplete means the handler returned without reaching 1.0.
	OutcomeIncomplete Outcome = "incomplete"

	// OutcomeConflict means another worker advanced the action first.
	OutcomeConflict Outcome = "conflict"

	// OutcomeInterrupted means the context ended mid-handler; nothing was written.
	OutcomeInterrupted Outcome = "interrupted"
)

// maxStateWriteAttempts bounds the re-fetch-and-write loop on the failure path.
const maxStateWriteAttempts = 3

// Dispatcher runs one action per call. It never retries a handler;
// redelivery of the triggering message is the retry mechanism.
type Dispatcher struct {
	store    Store
	registry *Registry
	locker   *Locker
	logger   zerolog.Logger
	observe  func(ctx context.Context, action *Action, outcome Outcome, elapsed time.Duration)
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store, registry *Registry, locker *Locker, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		locker:   locker,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// OnDispatch registers fn to be called after every dispatch of a loaded
// action. fn receives the context Dispatch was called with.
func (d *Dispatcher) OnDispatch(fn func(ctx context.Context, action *Action, outcome Outcome, elapsed time.Duration)) {
	d.observe = fn
}

// Dispatch runs the handler for actionID against current stored state.
// A NotFoundError for the action itself is returned to the caller, as is a
// ConflictError from a target write the action has not yet caught up with,
// so the message is redelivered. Failures recorded on the action return a
// nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, actionID string) (outcome Outcome, err error) {
	action, err := d.store.GetAction(ctx, actionID)
	if err != nil {
		return "", err
	}
	if d.observe != nil {
		started := time.Now()
		defer func() { d.observe(ctx, action, outcome, time.Since(started)) }()
	}
	return d.dispatch(ctx, action)
}

func (d *Dispatcher) dispatch(ctx context.Context, action *Action) (Outcome, error) {
	log := d.logger.With().
		Str("action_id", action.ID).
		Str("engine", action.EngineName).
		Str("operation", string(action.Name)).
		Str("target_id", action.TargetID).
		Logger()

	// Redelivery of finished work is a no-op
	if action.Terminal() {
		log.Debug().Msg("action already terminal, skipping")
		return OutcomeSkipped, nil
	}

	target, err := d.loadTarget(ctx, action)
	if err != nil {
		if IsNotFound(err) {
			log.Warn().Err(err).Msg("action target missing")
			return d.fail(ctx, log, action, nil, err)
		}
		return "", err
	}

	handler, err := d.registry.Lookup(action.EngineName, action.Name)
	if err != nil {
		log.Error().Err(err).Msg("no handler for action")
		return d.fail(ctx, log, action, nil, err)
	}

	ectx := NewEngineContext(ctx, d.store, d.locker, log, action, target)
	log.Info().Msg("dispatching action")

	if err := invoke(handler, ectx, target, action); err != nil {
		return d.handleError(ctx, log, action, target, err)
	}

	current, err := d.store.GetAction(ctx, action.ID)
	if err != nil {
		return "", err
	}
	if !current.Succeeded() {
		// Completion is not forced; a stale updated timestamp is left for a watchdog
		log.Error().
			Float64("progress", current.Progress).
			Msg("handler returned without completing action")
		return OutcomeIncomplete, nil
	}

	log.Info().Msg("action succeeded")
	return OutcomeSucceeded, nil
}

func (d *Dispatcher) handleError(ctx context.Context, log zerolog.Logger, action *Action, target *Target, herr error) (Outcome, error) {
	if ctx.Err() != nil {
		log.Warn().Err(herr).Msg("dispatch interrupted, leaving action for redelivery")
		return OutcomeInterrupted, fmt.Errorf("dispatch interrupted: %w", ctx.Err())
	}

	// A conflicting write means another worker holds the same record. Nothing
	// is written; the race is settled by whoever advances the action.
	if _, isActionErr := AsActionError(herr); !isActionErr && IsConflict(herr) {
		current, err := d.store.GetAction(ctx, action.ID)
		if err != nil {
			return "", err
		}
		if current.Terminal() || current.Version != action.Version {
			log.Warn().Err(herr).Int64("version", current.Version).Msg("action advanced by another writer")
			return OutcomeConflict, nil
		}
		log.Warn().Err(herr).Msg("target modified concurrently, leaving action for redelivery")
		return OutcomeConflict, fmt.Errorf("dispatch lost a target write: %w", herr)
	}

	log.Error().Err(herr).Msg("action handler failed")
	return d.fail(ctx, log, action, target, herr)
}

// fail records cause on the action and moves the target to its error state.
func (d *Dispatcher) fail(ctx context.Context, log zerolog.Logger, action *Action, target *Target, cause error) (Outcome, error) {
	failure := FailureFromError(cause)

	current := action
	for attempt := 0; ; attempt++ {
		fresh, err := d.store.GetAction(ctx, current.ID)
		if err != nil {
			return "", err
		}
		if fresh.Terminal() {
			log.Warn().Msg("action reached a terminal state before failure could be recorded")
			return OutcomeConflict, nil
		}
		_, err = d.store.PatchAction(ctx, fresh, ActionPatch{Error: failure})
		if err == nil {
			break
		}
		if !IsConflict(err) || attempt+1 >= maxStateWriteAttempts {
			return "", fmt.Errorf("failed to record action failure: %w", err)
		}
		current = fresh
	}

	// Unknown handlers are configuration errors; the resource itself is fine
	if target != nil && !IsUnknownHandler(cause) {
		if err := d.markTargetFailed(ctx, target, failure.Message); err != nil {
			log.Error().Err(err).Msg("failed to move target to error state")
			return OutcomeFailed, nil
		}
	}
	return OutcomeFailed, nil
}

func (d *Dispatcher) markTargetFailed(ctx context.Context, target *Target, message string) error {
	var lastErr error
	for attempt := 0; attempt < maxStateWriteAttempts; attempt++ {
		switch target.Kind {
		case TargetWorkflow:
			wf, err := d.store.GetWorkflow(ctx, target.ID())
			if err != nil {
				return err
			}
			if wf.State == WorkflowInactive {
				return nil
			}
			wf.State = WorkflowInactive
			wf.ExtraData = wf.ExtraData.Clone()
			wf.ExtraData["last_error"] = message
			_, lastErr = d.store.UpdateWorkflow(ctx, wf)
		default:
			ds, err := d.store.GetDatastore(ctx, target.ID())
			if err != nil {
				return err
			}
			if ds.State == DatastoreError {
				return nil
			}
			ds.State = DatastoreError
			ds.ExtraData = ds.ExtraData.Clone()
			ds.ExtraData["last_error"] = message
			_, lastErr = d.store.UpdateDatastore(ctx, ds)
		}
		if lastErr == nil || !IsConflict(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (d *Dispatcher) loadTarget(ctx context.Context, action *Action) (*Target, error) {
	switch action.TargetKind {
	case TargetWorkflow:
		wf, err := d.store.GetWorkflow(ctx, action.TargetID)
		if err != nil {
			return nil, err
		}
		return &Target{Kind: TargetWorkflow, Workflow: wf}, nil
	default:
		ds, err := d.store.GetDatastore(ctx, action.TargetID)
		if err != nil {
			return nil, err
		}
		return &Target{Kind: TargetDatastore, Datastore: ds}, nil
	}
}

func invoke(h HandlerFunc, ectx *EngineContext, target *Target, action *Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewActionError(fmt.Sprintf("handler panicked: %v", r), map[string]interface{}{
				"code":  ErrCodeHandlerPanic,
				"stack": string(debug.Stack()),
			})
		}
	}()
	return h(ectx, target, action)
}
