// Package redshift drives Redshift clusters that back datastores, including
// snapshots taken on stop and on demand.
package redshift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/conductor/pkg/engine"
)

// Name is the engine_name actions use to select this engine.
const Name = "redshift"

const (
	OpStartDatastore engine.OperationKind = "start_datastore"
	OpStopDatastore  engine.OperationKind = "stop_datastore"
	OpCreateSnapshot engine.OperationKind = "create_snapshot"
)

// Datastore extra_data keys written by the engine.
const (
	ExtraClusterID     = "cluster_identifier"
	ExtraEndpoint      = "endpoint"
	ExtraLastSnapshot  = "last_snapshot_id"
	ExtraFinalSnapshot = "final_snapshot_id"
)

// Datastore args read by the engine.
const (
	ArgNodeType      = "node_type"
	ArgNumberOfNodes = "number_of_nodes"
	ArgDBName        = "db_name"
	ArgSnapshotID    = "snapshot_id"
)

// ErrCodeSnapshotFailed is recorded when a snapshot ends in failed.
const ErrCodeSnapshotFailed = "SNAPSHOT_FAILED"

// Config holds cluster defaults and wait bounds.
type Config struct {
	NodeType      string        `yaml:"node_type"`
	NumberOfNodes int           `yaml:"number_of_nodes" validate:"gte=0"`
	DBName        string        `yaml:"db_name"`
	MutexTimeout  time.Duration `yaml:"mutex_timeout"`

	Poll engine.PollConfig `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NodeType:      "ra3.xlplus",
		NumberOfNodes: 2,
		DBName:        "dev",
		MutexTimeout:  10 * time.Minute,
		Poll:          engine.DefaultPollConfig(),
	}
}

// Engine implements engine.Engine for Redshift.
type Engine struct {
	client Client
	cfg    Config
}

// New creates the engine.
func New(client Client, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.NodeType == "" {
		cfg.NodeType = def.NodeType
	}
	if cfg.NumberOfNodes <= 0 {
		cfg.NumberOfNodes = def.NumberOfNodes
	}
	if cfg.DBName == "" {
		cfg.DBName = def.DBName
	}
	if cfg.MutexTimeout <= 0 {
		cfg.MutexTimeout = def.MutexTimeout
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
		OpStartDatastore: e.startDatastore,
		OpStopDatastore:  e.stopDatastore,
		OpCreateSnapshot: e.createSnapshot,
	}
}

func datastoreOf(target *engine.Target) (*engine.Datastore, error) {
	if target == nil || target.Kind != engine.TargetDatastore || target.Datastore == nil {
		return nil, engine.NewValidationError("redshift operations target datastores", nil)
	}
	return target.Datastore, nil
}

// ClusterIdentifier derives the cluster name for a datastore. Redshift
// identifiers are lowercase and at most 63 characters.
func ClusterIdentifier(ds *engine.Datastore) string {
	id := "conductor-" + strings.ToLower(strings.ReplaceAll(ds.ID, "_", "-"))
	if len(id) > 63 {
		id = id[:63]
	}
	return strings.TrimRight(id, "-")
}

func snapshotID(cluster, purpose, actionID string) string {
	suffix := actionID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return cluster + "-" + purpose + "-" + strings.ToLower(suffix)
}

func ignoreExisting(err error) error {
	if engine.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (e *Engine) startDatastore(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
	ds, err := datastoreOf(target)
	if err != nil {
		return err
	}
	spec := ClusterSpec{
		Identifier:    ClusterIdentifier(ds),
		NodeType:      e.cfg.NodeType,
		NumberOfNodes: e.cfg.NumberOfNodes,
		DBName:        e.cfg.DBName,
		SnapshotID:    ds.Args.String(ArgSnapshotID),
	}
	if v := ds.Args.String(ArgNodeType); v != "" {
		spec.NodeType = v
	}
	if n, ok := ds.Args[ArgNumberOfNodes].(float64); ok && n > 0 {
		spec.NumberOfNodes = int(n)
	}
	if v := ds.Args.String(ArgDBName); v != "" {
		spec.DBName = v
	}

	err = ectx.WithMutex(engine.MutexStartEngineTask, e.cfg.MutexTimeout, func(ctx context.Context) error {
		if err := ignoreExisting(e.client.CreateCluster(ctx, spec)); err != nil {
			return fmt.Errorf("failed to create cluster %s: %w", spec.Identifier, err)
		}
		if ds.ExtraData.String(ExtraClusterID) == spec.Identifier {
			return nil
		}
		return ectx.UpdateDatastore(func(d *engine.Datastore) { d.ExtraData[ExtraClusterID] = spec.Identifier })
	})
	if err != nil {
		return err
	}
	if err := ectx.Advance(0.2); err != nil {
		return err
	}

	var cluster *Cluster
	err = engine.Poll(ectx.Context(), e.cfg.Poll, "cluster "+spec.Identifier+" to become available", func(ctx context.Context) (bool, error) {
		cl, err := e.client.DescribeCluster(ctx, spec.Identifier)
		if err != nil {
			return false, err
		}
		cluster = cl
		return cl.Status == StatusAvailable, nil
	})
	if err != nil {
		return err
	}

	if err := ectx.UpdateDatastore(func(d *engine.Datastore) {
		d.State = engine.DatastoreActive
		d.ExtraData[ExtraEndpoint] = cluster.Endpoint
	}); err != nil {
		return err
	}
	ectx.Logger().Info().Str("cluster", spec.Identifier).Msg("cluster available")
	return ectx.Complete()
}

// stopDatastore deletes the cluster with a final snapshot, waits for the
// snapshot to become available and marks the datastore DONE.
func (e *Engine) stopDatastore(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
	ds, err := datastoreOf(target)
	if err != nil {
		return err
	}
	cluster := ds.ExtraData.String(ExtraClusterID)
	if cluster == "" {
		cluster = ClusterIdentifier(ds)
	}
	final := ds.ExtraData.String(ExtraFinalSnapshot)
	if final == "" {
		final = snapshotID(cluster, "final", action.ID)
	}

	if ds.State != engine.DatastoreStopping {
		if err := ectx.UpdateDatastore(func(d *engine.Datastore) {
			d.State = engine.DatastoreStopping
			d.ExtraData[ExtraFinalSnapshot] = final
		}); err != nil {
			return err
		}
	}

	err = e.client.DeleteCluster(ectx.Context(), cluster, final)
	switch {
	case err == nil, engine.IsAlreadyExists(err):
	case engine.IsNotFound(err):
		// Already deleted; the final snapshot may still be settling
		ectx.Logger().Info().Str("cluster", cluster).Msg("cluster already deleted")
	default:
		return fmt.Errorf("failed to delete cluster %s: %w", cluster, err)
	}
	if err := ectx.Advance(0.4); err != nil {
		return err
	}

	if err := e.waitSnapshot(ectx, final); err != nil {
		return err
	}
	if err := ectx.Advance(0.8); err != nil {
		return err
	}

	if err := ectx.UpdateDatastore(func(d *engine.Datastore) {
		d.State = engine.DatastoreDone
		d.ExtraData[ExtraLastSnapshot] = final
		delete(d.ExtraData, ExtraEndpoint)
	}); err != nil {
		return err
	}
	ectx.Logger().Info().Str("cluster", cluster).Str("snapshot", final).Msg("datastore stopped")
	return ectx.Complete()
}

// createSnapshot takes a manual snapshot and records its id.
func (e *Engine) createSnapshot(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
	ds, err := datastoreOf(target)
	if err != nil {
		return err
	}
	cluster := ds.ExtraData.String(ExtraClusterID)
	if cluster == "" {
		return engine.NewActionError("datastore has no running cluster", map[string]interface{}{
			"code":         engine.ErrCodeValidation,
			"datastore_id": ds.ID,
		})
	}
	id := snapshotID(cluster, "manual", action.ID)

	if err := ignoreExisting(e.client.CreateSnapshot(ectx.Context(), cluster, id)); err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", id, err)
	}
	if err := ectx.Advance(0.3); err != nil {
		return err
	}
	if err := e.waitSnapshot(ectx, id); err != nil {
		return err
	}

	if err := ectx.UpdateDatastore(func(d *engine.Datastore) { d.ExtraData[ExtraLastSnapshot] = id }); err != nil {
		return err
	}
	return ectx.Complete()
}

func (e *Engine) waitSnapshot(ectx *engine.EngineContext, id string) error {
	return engine.Poll(ectx.Context(), e.cfg.Poll, "snapshot "+id+" to become available", func(ctx context.Context) (bool, error) {
		s, err := e.client.DescribeSnapshot(ctx, id)
		if err != nil {
			return false, err
		}
		if s.Status == StatusFailed {
			return false, engine.NewActionError("snapshot failed", map[string]interface{}{
				"code":        ErrCodeSnapshotFailed,
				"snapshot_id": id,
			})
		}
		return s.Status == StatusAvailable, nil
	})
}
