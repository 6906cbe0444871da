package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/conductor/pkg/engine"
)

// Datastores

const datastoreColumns = `id, version, name, engine_name, state, args, extra_data, created, updated`

// CreateDatastore persists a new datastore.
func (s *SQLStore) CreateDatastore(ctx context.Context, ds *engine.Datastore) error {
	if err := engine.ValidateDatastore(ds); err != nil {
		return err
	}
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	args, extra, err := encodePair(ds.Args, ds.ExtraData)
	if err != nil {
		return err
	}
	now := s.timestamp()
	ds.Version, ds.Created, ds.Updated = 1, now, now

	query := `INSERT INTO datastores (` + datastoreColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, query, ds.ID, ds.Version, ds.Name, ds.EngineName, string(ds.State), args, extra, ds.Created, ds.Updated); err != nil {
		return s.insertError("datastore", ds.ID, err)
	}
	return nil
}

// GetDatastore retrieves a datastore by ID.
func (s *SQLStore) GetDatastore(ctx context.Context, id string) (*engine.Datastore, error) {
	var (
		ds          engine.Datastore
		state       string
		args, extra string
	)
	query := `SELECT ` + datastoreColumns + ` FROM datastores WHERE id = ?`
	err := s.queryRow(ctx, query, id).Scan(&ds.ID, &ds.Version, &ds.Name, &ds.EngineName, &state, &args, &extra, &ds.Created, &ds.Updated)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("datastore", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get datastore: %w", err)
	}
	ds.State = engine.DatastoreState(state)
	if ds.Args, ds.ExtraData, err = decodePair(args, extra); err != nil {
		return nil, err
	}
	return &ds, nil
}

// UpdateDatastore writes state, args and extra_data where ds.Version is current.
func (s *SQLStore) UpdateDatastore(ctx context.Context, ds *engine.Datastore) (*engine.Datastore, error) {
	if !ds.State.Valid() {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid datastore state %q", ds.State), nil)
	}
	args, extra, err := encodePair(ds.Args, ds.ExtraData)
	if err != nil {
		return nil, err
	}
	next := *ds
	next.Version = ds.Version + 1
	next.Updated = s.timestamp()

	query := `
		UPDATE datastores
		SET state = ?, args = ?, extra_data = ?, version = ?, updated = ?
		WHERE id = ? AND version = ?
	`
	if err := s.conditional(ctx, "datastores", "datastore", ds.ID, ds.Version, query,
		string(next.State), args, extra, next.Version, next.Updated, ds.ID, ds.Version); err != nil {
		return nil, err
	}
	return &next, nil
}

// Workflows

const workflowColumns = `id, version, name, datastore_id, state, action_templates, args, extra_data, created, updated`

// CreateWorkflow persists a new workflow.
func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *engine.Workflow) error {
	if err := engine.ValidateWorkflow(wf); err != nil {
		return err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	args, extra, err := encodePair(wf.Args, wf.ExtraData)
	if err != nil {
		return err
	}
	templates, err := encodeTemplates(wf.Templates)
	if err != nil {
		return err
	}
	now := s.timestamp()
	wf.Version, wf.Created, wf.Updated = 1, now, now

	query := `INSERT INTO workflows (` + workflowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, query, wf.ID, wf.Version, wf.Name, wf.DatastoreID, string(wf.State), templates, args, extra, wf.Created, wf.Updated); err != nil {
		return s.insertError("workflow", wf.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*engine.Workflow, error) {
	var (
		wf               engine.Workflow
		state, templates string
		args, extra      string
	)
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`
	err := s.queryRow(ctx, query, id).Scan(&wf.ID, &wf.Version, &wf.Name, &wf.DatastoreID, &state, &templates, &args, &extra, &wf.Created, &wf.Updated)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	wf.State = engine.WorkflowState(state)
	if err := json.Unmarshal([]byte(templates), &wf.Templates); err != nil {
		return nil, fmt.Errorf("failed to decode action templates: %w", err)
	}
	if wf.Args, wf.ExtraData, err = decodePair(args, extra); err != nil {
		return nil, err
	}
	return &wf, nil
}

// UpdateWorkflow writes state, templates, args and extra_data where wf.Version is current.
func (s *SQLStore) UpdateWorkflow(ctx context.Context, wf *engine.Workflow) (*engine.Workflow, error) {
	if !wf.State.Valid() {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid workflow state %q", wf.State), nil)
	}
	args, extra, err := encodePair(wf.Args, wf.ExtraData)
	if err != nil {
		return nil, err
	}
	templates, err := encodeTemplates(wf.Templates)
	if err != nil {
		return nil, err
	}
	next := *wf
	next.Version = wf.Version + 1
	next.Updated = s.timestamp()

	query := `
		UPDATE workflows
		SET state = ?, action_templates = ?, args = ?, extra_data = ?, version = ?, updated = ?
		WHERE id = ? AND version = ?
	`
	if err := s.conditional(ctx, "workflows", "workflow", wf.ID, wf.Version, query,
		string(next.State), templates, args, extra, next.Version, next.Updated, wf.ID, wf.Version); err != nil {
		return nil, err
	}
	return &next, nil
}

// Subscriptions

const subscriptionColumns = `id, version, name, dataset_id, state, args, extra_data, created, updated`

// CreateSubscription persists a new subscription.
func (s *SQLStore) CreateSubscription(ctx context.Context, sub *engine.Subscription) error {
	if err := engine.ValidateSubscription(sub); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	args, extra, err := encodePair(sub.Args, sub.ExtraData)
	if err != nil {
		return err
	}
	now := s.timestamp()
	sub.Version, sub.Created, sub.Updated = 1, now, now

	query := `INSERT INTO subscriptions (` + subscriptionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, query, sub.ID, sub.Version, sub.Name, sub.DatasetID, string(sub.State), args, extra, sub.Created, sub.Updated); err != nil {
		return s.insertError("subscription", sub.ID, err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (s *SQLStore) GetSubscription(ctx context.Context, id string) (*engine.Subscription, error) {
	var (
		sub         engine.Subscription
		state       string
		args, extra string
	)
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`
	err := s.queryRow(ctx, query, id).Scan(&sub.ID, &sub.Version, &sub.Name, &sub.DatasetID, &state, &args, &extra, &sub.Created, &sub.Updated)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("subscription", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.State = engine.SubscriptionState(state)
	if sub.Args, sub.ExtraData, err = decodePair(args, extra); err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubscription writes state, args and extra_data where sub.Version is current.
func (s *SQLStore) UpdateSubscription(ctx context.Context, sub *engine.Subscription) (*engine.Subscription, error) {
	if !sub.State.Valid() {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid subscription state %q", sub.State), nil)
	}
	args, extra, err := encodePair(sub.Args, sub.ExtraData)
	if err != nil {
		return nil, err
	}
	next := *sub
	next.Version = sub.Version + 1
	next.Updated = s.timestamp()

	query := `
		UPDATE subscriptions
		SET state = ?, args = ?, extra_data = ?, version = ?, updated = ?
		WHERE id = ? AND version = ?
	`
	if err := s.conditional(ctx, "subscriptions", "subscription", sub.ID, sub.Version, query,
		string(next.State), args, extra, next.Version, next.Updated, sub.ID, sub.Version); err != nil {
		return nil, err
	}
	return &next, nil
}

// AddSubscriptionElements inserts paths not yet recorded for the subscription.
func (s *SQLStore) AddSubscriptionElements(ctx context.Context, subscriptionID string, paths []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.dialect.rebind(`
		INSERT INTO subscription_elements (subscription_id, path, created)
		VALUES (?, ?, ?)
		ON CONFLICT (subscription_id, path) DO NOTHING
	`)
	now := s.timestamp()
	inserted := 0
	for _, path := range paths {
		res, err := tx.ExecContext(ctx, query, subscriptionID, path, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert subscription element: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit subscription elements: %w", err)
	}
	return inserted, nil
}

// CountSubscriptionElements returns the number of recorded elements.
func (s *SQLStore) CountSubscriptionElements(ctx context.Context, subscriptionID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM subscription_elements WHERE subscription_id = ?`, subscriptionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count subscription elements: %w", err)
	}
	return n, nil
}

// Triggers

// CreateTrigger persists a new trigger.
func (s *SQLStore) CreateTrigger(ctx context.Context, tr *engine.Trigger) error {
	if err := engine.ValidateTrigger(tr); err != nil {
		return err
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	workflows, err := encodeJSON(tr.WorkflowIDs)
	if err != nil {
		return err
	}
	now := s.timestamp()
	tr.Version, tr.Created, tr.Updated = 1, now, now

	query := `
		INSERT INTO triggers (id, version, name, state, workflow_ids, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.exec(ctx, query, tr.ID, tr.Version, tr.Name, string(tr.State), workflows, tr.Created, tr.Updated); err != nil {
		return s.insertError("trigger", tr.ID, err)
	}
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (s *SQLStore) GetTrigger(ctx context.Context, id string) (*engine.Trigger, error) {
	var (
		tr               engine.Trigger
		state, workflows string
	)
	query := `SELECT id, version, name, state, workflow_ids, created, updated FROM triggers WHERE id = ?`
	err := s.queryRow(ctx, query, id).Scan(&tr.ID, &tr.Version, &tr.Name, &state, &workflows, &tr.Created, &tr.Updated)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("trigger", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	tr.State = engine.TriggerState(state)
	if err := json.Unmarshal([]byte(workflows), &tr.WorkflowIDs); err != nil {
		return nil, fmt.Errorf("failed to decode trigger workflows: %w", err)
	}
	return &tr, nil
}

// Datasets

// CreateDataset persists a new dataset.
func (s *SQLStore) CreateDataset(ctx context.Context, ds *engine.Dataset) error {
	if err := engine.ValidateRecord("dataset", ds); err != nil {
		return err
	}
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	args, err := encodeArgs(ds.Args)
	if err != nil {
		return err
	}
	now := s.timestamp()
	ds.Version, ds.Created, ds.Updated = 1, now, now

	query := `
		INSERT INTO datasets (id, version, name, location, table_name, args, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.exec(ctx, query, ds.ID, ds.Version, ds.Name, ds.Location, ds.TableName, args, ds.Created, ds.Updated); err != nil {
		return s.insertError("dataset", ds.ID, err)
	}
	return nil
}

// GetDataset retrieves a dataset by ID.
func (s *SQLStore) GetDataset(ctx context.Context, id string) (*engine.Dataset, error) {
	var (
		ds   engine.Dataset
		args string
	)
	query := `SELECT id, version, name, location, table_name, args, created, updated FROM datasets WHERE id = ?`
	err := s.queryRow(ctx, query, id).Scan(&ds.ID, &ds.Version, &ds.Name, &ds.Location, &ds.TableName, &args, &ds.Created, &ds.Updated)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("dataset", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	if ds.Args, err = decodeArgs(args); err != nil {
		return nil, err
	}
	return &ds, nil
}

func encodePair(args, extra engine.Args) (string, string, error) {
	a, err := encodeArgs(args)
	if err != nil {
		return "", "", err
	}
	e, err := encodeArgs(extra)
	if err != nil {
		return "", "", err
	}
	return a, e, nil
}

func decodePair(args, extra string) (engine.Args, engine.Args, error) {
	a, err := decodeArgs(args)
	if err != nil {
		return nil, nil, err
	}
	e, err := decodeArgs(extra)
	if err != nil {
		return nil, nil, err
	}
	return a, e, nil
}

func encodeTemplates(t []engine.ActionTemplate) (string, error) {
	if t == nil {
		return "[]", nil
	}
	return encodeJSON(t)
}
