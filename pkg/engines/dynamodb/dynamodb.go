// Package dynamodb creates and deletes the DynamoDB tables behind datasets.
package dynamodb

import (
	"context"
	"fmt"

	"github.com/openfroyo/conductor/pkg/engine"
)

// Name is the engine_name actions use to select this engine.
const Name = "dynamodb"

const (
	OpCreateTable engine.OperationKind = "create_table"
	OpDeleteTable engine.OperationKind = "delete_table"
)

// ArgDatasetID is the action argument naming the dataset whose table is managed.
const ArgDatasetID = "dataset_id"

// Dataset args read by the engine.
const (
	ArgHashKey       = "hash_key"
	ArgRangeKey      = "range_key"
	ArgReadCapacity  = "read_capacity"
	ArgWriteCapacity = "write_capacity"
)

// ExtraTableARN is written to a datastore target after a table is created.
const ExtraTableARN = "table_arn"

// Config holds table defaults and wait bounds.
type Config struct {
	ReadCapacity  int64 `yaml:"read_capacity" validate:"gte=0"`
	WriteCapacity int64 `yaml:"write_capacity" validate:"gte=0"`

	Poll engine.PollConfig `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{ReadCapacity: 5, WriteCapacity: 5, Poll: engine.DefaultPollConfig()}
}

// Engine implements engine.Engine for DynamoDB.
type Engine struct {
	client Client
	cfg    Config
}

// New creates the engine.
func New(client Client, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ReadCapacity <= 0 {
		cfg.ReadCapacity = def.ReadCapacity
	}
	if cfg.WriteCapacity <= 0 {
		cfg.WriteCapacity = def.WriteCapacity
	}
	if cfg.Poll.Interval <= 0 {
		cfg.Poll = def.Poll
	}
	return &Engine{client: client, cfg: cfg}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// Operations implements engine.Engine.
func (e *Engine) Operations() map[engine.OperationKind]engine.HandlerFunc {
	return map[engine.OperationKind]engine.HandlerFunc{
		OpCreateTable: e.createTable,
		OpDeleteTable: e.deleteTable,
	}
}

// dataset resolves the dataset named by the action's dataset_id argument.
func dataset(ectx *engine.EngineContext, action *engine.Action) (*engine.Dataset, error) {
	id := action.Args.String(ArgDatasetID)
	if id == "" {
		return nil, engine.NewValidationError("action requires a dataset_id argument", nil).WithResource(action.ID)
	}
	return ectx.Store().GetDataset(ectx.Context(), id)
}

func tableName(ds *engine.Dataset) string {
	if ds.TableName != "" {
		return ds.TableName
	}
	return ds.Name
}

func (e *Engine) tableSpec(ds *engine.Dataset) TableSpec {
	spec := TableSpec{
		Name:          tableName(ds),
		HashKey:       ds.Args.String(ArgHashKey),
		RangeKey:      ds.Args.String(ArgRangeKey),
		ReadCapacity:  e.cfg.ReadCapacity,
		WriteCapacity: e.cfg.WriteCapacity,
	}
	if spec.HashKey == "" {
		spec.HashKey = "id"
	}
	if n, ok := ds.Args[ArgReadCapacity].(float64); ok && n > 0 {
		spec.ReadCapacity = int64(n)
	}
	if n, ok := ds.Args[ArgWriteCapacity].(float64); ok && n > 0 {
		spec.WriteCapacity = int64(n)
	}
	return spec
}

func (e *Engine) createTable(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
	ds, err := dataset(ectx, action)
	if err != nil {
		return err
	}
	spec := e.tableSpec(ds)
	log := ectx.Logger().With().Str("table", spec.Name).Logger()

	if err := e.client.CreateTable(ectx.Context(), spec); err != nil {
		if !engine.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create table %s: %w", spec.Name, err)
		}
		log.Info().Msg("table already exists")
	}
	if err := ectx.Advance(0.3); err != nil {
		return err
	}

	var table *Table
	err = engine.Poll(ectx.Context(), e.cfg.Poll, "table "+spec.Name+" to become ACTIVE", func(ctx context.Context) (bool, error) {
		t, err := e.client.DescribeTable(ctx, spec.Name)
		if err != nil {
			return false, err
		}
		table = t
		return t.Status == TableActive, nil
	})
	if err != nil {
		return err
	}

	if target != nil && target.Kind == engine.TargetDatastore {
		if err := ectx.UpdateDatastore(func(d *engine.Datastore) { d.ExtraData[ExtraTableARN] = table.ARN }); err != nil {
			return err
		}
	}
	log.Info().Str("arn", table.ARN).Msg("table active")
	return ectx.Complete()
}

func (e *Engine) deleteTable(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
	ds, err := dataset(ectx, action)
	if err != nil {
		return err
	}
	name := tableName(ds)

	if err := e.client.DeleteTable(ectx.Context(), name); err != nil {
		if !engine.IsNotFound(err) {
			return fmt.Errorf("failed to delete table %s: %w", name, err)
		}
		ectx.Logger().Info().Str("table", name).Msg("table already gone")
		return ectx.Complete()
	}
	if err := ectx.Advance(0.5); err != nil {
		return err
	}

	err = engine.Poll(ectx.Context(), e.cfg.Poll, "table "+name+" to be deleted", func(ctx context.Context) (bool, error) {
		_, err := e.client.DescribeTable(ctx, name)
		if engine.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
	if err != nil {
		return err
	}
	ectx.Logger().Info().Str("table", name).Msg("table deleted")
	return ectx.Complete()
}
