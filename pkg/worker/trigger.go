package worker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/conductor/pkg/broker"
	"github.com/openfroyo/conductor/pkg/engine"
)

// ArgTriggerID is added to the args of every action a trigger creates.
const ArgTriggerID = "trigger_id"

// actionNamespace scopes deterministic action ids.
var actionNamespace = uuid.MustParse("9a1f4c2e-6b7d-4e0a-8c3f-5d2b1e7a9c40")

// Firer turns a trigger firing into actions and dispatch messages.
type Firer struct {
	store  engine.Store
	broker broker.Broker
	logger zerolog.Logger
}

// NewFirer creates a trigger firer.
func NewFirer(store engine.Store, b broker.Broker, logger zerolog.Logger) *Firer {
	return &Firer{
		store:  store,
		broker: b,
		logger: logger.With().Str("component", "trigger-firer").Logger(),
	}
}

// FiredActionID derives the id of the index-th action created for workflowID
// when triggerID fires with token. Redelivery of the same firing yields the
// same ids, so creation is idempotent.
func FiredActionID(triggerID, token, workflowID string, index int) string {
	name := triggerID + "/" + token + "/" + workflowID + "/" + strconv.Itoa(index)
	return uuid.NewSHA1(actionNamespace, []byte(name)).String()
}

// Fire creates one action per template of every ACTIVE workflow the trigger
// names and enqueues each for dispatch. An INACTIVE trigger is a no-op.
func (f *Firer) Fire(ctx context.Context, triggerID, token string) error {
	tr, err := f.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}
	log := f.logger.With().Str("trigger_id", tr.ID).Str("token", token).Logger()

	if tr.State != engine.TriggerActive {
		log.Debug().Str("state", string(tr.State)).Msg("trigger inactive, skipping")
		return nil
	}

	created := 0
	for _, wfID := range tr.WorkflowIDs {
		wf, err := f.store.GetWorkflow(ctx, wfID)
		if err != nil {
			if engine.IsNotFound(err) {
				log.Warn().Str("workflow_id", wfID).Msg("trigger names missing workflow, skipping")
				continue
			}
			return err
		}
		if wf.State != engine.WorkflowActive {
			log.Debug().Str("workflow_id", wf.ID).Str("state", string(wf.State)).Msg("workflow inactive, skipping")
			continue
		}

		for i, tmpl := range wf.Templates {
			id := FiredActionID(tr.ID, token, wf.ID, i)
			if err := f.createAction(ctx, id, tr, wf, tmpl); err != nil {
				return err
			}
			if err := broker.Enqueue(ctx, f.broker, broker.NewMessage(broker.CallDispatchAction, id)); err != nil {
				return fmt.Errorf("failed to enqueue action %s: %w", id, err)
			}
			created++
		}
	}

	log.Info().Int("actions", created).Msg("trigger fired")
	return nil
}

func (f *Firer) createAction(ctx context.Context, id string, tr *engine.Trigger, wf *engine.Workflow, tmpl engine.ActionTemplate) error {
	args := tmpl.Args.Clone()
	args[ArgTriggerID] = tr.ID

	action := &engine.Action{
		ID:         id,
		Name:       tmpl.Name,
		EngineName: tmpl.EngineName,
		TargetKind: engine.TargetWorkflow,
		TargetID:   wf.ID,
		Args:       args,
	}
	if err := f.store.CreateAction(ctx, action); err != nil {
		if engine.IsAlreadyExists(err) {
			// An earlier delivery created it; publish again in case that one did not
			return nil
		}
		return err
	}
	return nil
}
