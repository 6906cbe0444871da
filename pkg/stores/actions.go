package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/conductor/pkg/engine"
)

const actionColumns = `id, version, name, engine_name, target_kind, target_id, args, progress, error, created, updated`

// CreateAction persists a queued action.
func (s *SQLStore) CreateAction(ctx context.Context, action *engine.Action) error {
	if err := engine.ValidateAction(action); err != nil {
		return err
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.TargetKind == "" {
		action.TargetKind = engine.TargetDatastore
	}
	args, err := encodeArgs(action.Args)
	if err != nil {
		return err
	}

	now := s.timestamp()
	action.Version = 1
	action.Created = now
	action.Updated = now

	query := `
		INSERT INTO actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.exec(ctx, query,
		action.ID,
		action.Version,
		string(action.Name),
		action.EngineName,
		string(action.TargetKind),
		action.TargetID,
		args,
		action.Progress,
		nil,
		action.Created,
		action.Updated,
	)
	if err != nil {
		return s.insertError("action", action.ID, err)
	}
	return nil
}

// GetAction retrieves an action by ID.
func (s *SQLStore) GetAction(ctx context.Context, id string) (*engine.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = ?`
	action, err := scanAction(s.queryRow(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("action", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return action, nil
}

// PatchAction applies patch where the stored version still matches action.Version.
func (s *SQLStore) PatchAction(ctx context.Context, action *engine.Action, patch engine.ActionPatch) (*engine.Action, error) {
	if patch.Progress == nil && patch.Error == nil {
		return nil, engine.NewValidationError("empty action patch", nil)
	}
	if action.Terminal() {
		return nil, terminalConflict(action)
	}

	next := *action
	if patch.Progress != nil {
		if err := engine.ValidateProgress(action.Progress, *patch.Progress); err != nil {
			return nil, err
		}
		next.Progress = *patch.Progress
	}

	var failure interface{}
	if patch.Error != nil {
		if patch.Error.Message == "" {
			return nil, engine.NewValidationError("action error requires a message", nil)
		}
		raw, err := encodeJSON(patch.Error)
		if err != nil {
			return nil, err
		}
		failure = raw
		next.Error = patch.Error
	}

	next.Version = action.Version + 1
	next.Updated = s.timestamp()

	query := `
		UPDATE actions
		SET progress = ?, error = ?, version = ?, updated = ?
		WHERE id = ? AND version = ? AND error IS NULL AND progress < 1
	`
	res, err := s.exec(ctx, query, next.Progress, failure, next.Version, next.Updated, action.ID, action.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to patch action: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, s.classifyPatchMiss(ctx, action)
	}
	return &next, nil
}

func (s *SQLStore) classifyPatchMiss(ctx context.Context, action *engine.Action) error {
	stored, err := s.GetAction(ctx, action.ID)
	if err != nil {
		return err
	}
	if stored.Terminal() {
		return terminalConflict(stored)
	}
	return engine.NewConflictError("action was modified concurrently", nil).
		WithResource(action.ID).
		WithDetail("expected_version", action.Version).
		WithDetail("stored_version", stored.Version)
}

func terminalConflict(a *engine.Action) error {
	return engine.NewConflictError("action is terminal", nil).
		WithCode(engine.ErrCodeActionTerminal).
		WithResource(a.ID)
}

// ListActionsByTarget returns actions for a resource, oldest first.
func (s *SQLStore) ListActionsByTarget(ctx context.Context, targetID string) ([]*engine.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE target_id = ? ORDER BY created ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*engine.Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}
	return actions, nil
}

func scanAction(row scanner) (*engine.Action, error) {
	var (
		a       engine.Action
		name    string
		kind    string
		args    string
		failure sql.NullString
	)
	err := row.Scan(
		&a.ID,
		&a.Version,
		&name,
		&a.EngineName,
		&kind,
		&a.TargetID,
		&args,
		&a.Progress,
		&failure,
		&a.Created,
		&a.Updated,
	)
	if err != nil {
		return nil, err
	}
	a.Name = engine.OperationKind(name)
	a.TargetKind = engine.TargetKind(kind)
	if a.Args, err = decodeArgs(args); err != nil {
		return nil, err
	}
	if failure.Valid && failure.String != "" {
		a.Error = &engine.ActionFailure{}
		if err := json.Unmarshal([]byte(failure.String), a.Error); err != nil {
			return nil, fmt.Errorf("failed to decode action error: %w", err)
		}
	}
	return &a, nil
}
