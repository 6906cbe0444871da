// Package emr drives managed Hadoop/Spark clusters that back datastores.
package emr

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/conductor/pkg/engine"
)

// Name is the engine_name actions use to select this engine.
const Name = "emr"

const (
	OpStartDatastore     engine.OperationKind = "start_datastore"
	OpTerminateDatastore engine.OperationKind = "terminate_datastore"
)

// Datastore extra_data keys written by the engine.
const (
	ExtraClusterID    = "cluster_id"
	ExtraClusterState = "cluster_state"
	ExtraMasterDNS    = "master_dns"
)

// Datastore args read by the engine. Missing values fall back to Config.
const (
	ArgReleaseLabel  = "release_label"
	ArgInstanceType  = "instance_type"
	ArgInstanceCount = "instance_count"
)

// ErrCodeClusterFailed is recorded when a cluster dies during startup.
const ErrCodeClusterFailed = "CLUSTER_FAILED"

// Config holds cluster defaults and wait bounds.
type Config struct {
	ReleaseLabel  string        `yaml:"release_label"`
	InstanceType  string        `yaml:"instance_type"`
	InstanceCount int           `yaml:"instance_count" validate:"gte=0"`
	MutexTimeout  time.Duration `yaml:"mutex_timeout"`

	Poll engine.PollConfig `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ReleaseLabel:  "emr-6.15.0",
		InstanceType:  "m5.xlarge",
		InstanceCount: 3,
		MutexTimeout:  10 * time.Minute,
		Poll:          engine.DefaultPollConfig(),
	}
}

// Engine implements engine.Engine for EMR.
type Engine struct {
	client Client
	cfg    Config
}

// New creates the engine. Zero fields in cfg take their defaults.
func New(client Client, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ReleaseLabel == "" {
		cfg.ReleaseLabel = def.ReleaseLabel
	}
	if cfg.InstanceType == "" {
		cfg.InstanceType = def.InstanceType
	}
	if cfg.InstanceCount <= 0 {
		cfg.InstanceCount = def.InstanceCount
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
		OpStartDatastore:     e.startDatastore,
		OpTerminateDatastore: e.terminateDatastore,
	}
}

func datastoreOf(target *engine.Target) (*engine.Datastore, error) {
	if target == nil || target.Kind != engine.TargetDatastore || target.Datastore == nil {
		return nil, engine.NewValidationError("emr operations target datastores", nil)
	}
	return target.Datastore, nil
}

func (e *Engine) spec(ds *engine.Datastore) ClusterSpec {
	spec := ClusterSpec{
		Name:          "conductor-" + ds.Name,
		ReleaseLabel:  e.cfg.ReleaseLabel,
		InstanceType:  e.cfg.InstanceType,
		InstanceCount: e.cfg.InstanceCount,
		Tags:          map[string]string{"conductor:datastore_id": ds.ID},
	}
	if v := ds.Args.String(ArgReleaseLabel); v != "" {
		spec.ReleaseLabel = v
	}
	if v := ds.Args.String(ArgInstanceType); v != "" {
		spec.InstanceType = v
	}
	if n, ok := ds.Args[ArgInstanceCount].(float64); ok && n > 0 {
		spec.InstanceCount = int(n)
	}
	return spec
}

// startDatastore launches a cluster under START_ENGINE_TASK, records its id,
// waits for WAITING and marks the datastore ACTIVE. A recorded live cluster
// is reused, including one recorded by a worker that held the mutex first.
func (e *Engine) startDatastore(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
	ds, err := datastoreOf(target)
	if err != nil {
		return err
	}
	log := ectx.Logger()

	clusterID, err := e.liveCluster(ectx.Context(), ds)
	if err != nil {
		return err
	}
	if clusterID == "" {
		launched := false
		err := ectx.WithMutex(engine.MutexStartEngineTask, e.cfg.MutexTimeout, func(ctx context.Context) error {
			// The previous holder may have launched for this datastore while we waited
			fresh, err := ectx.RefreshDatastore(ctx)
			if err != nil {
				return err
			}
			if clusterID, err = e.liveCluster(ctx, fresh); err != nil || clusterID != "" {
				return err
			}
			id, err := e.client.RunJobFlow(ctx, e.spec(fresh))
			if err != nil {
				return fmt.Errorf("failed to launch cluster: %w", err)
			}
			clusterID, launched = id, true
			return ectx.UpdateDatastore(func(d *engine.Datastore) {
				d.ExtraData[ExtraClusterID] = id
				d.ExtraData[ExtraClusterState] = string(ClusterStarting)
			})
		})
		if err != nil {
			return err
		}
		if launched {
			log.Info().Str("cluster_id", clusterID).Msg("cluster launched")
		} else {
			log.Info().Str("cluster_id", clusterID).Msg("reusing cluster launched by another worker")
		}
	}
	if err := ectx.Advance(0.2); err != nil {
		return err
	}

	var cluster *Cluster
	err = engine.Poll(ectx.Context(), e.cfg.Poll, "cluster "+clusterID+" to reach WAITING", func(ctx context.Context) (bool, error) {
		cl, err := e.client.DescribeCluster(ctx, clusterID)
		if err != nil {
			return false, err
		}
		cluster = cl
		if cl.State.Ended() {
			return false, engine.NewActionError("cluster terminated during startup", map[string]interface{}{
				"code":       ErrCodeClusterFailed,
				"cluster_id": clusterID,
				"reason":     cl.StateReason,
			})
		}
		return cl.State == ClusterWaiting, nil
	})
	if err != nil {
		return err
	}
	if err := ectx.Advance(0.9); err != nil {
		return err
	}

	if err := ectx.UpdateDatastore(func(d *engine.Datastore) {
		d.State = engine.DatastoreActive
		d.ExtraData[ExtraClusterState] = string(cluster.State)
		d.ExtraData[ExtraMasterDNS] = cluster.MasterDNSName
	}); err != nil {
		return err
	}
	log.Info().Str("cluster_id", clusterID).Msg("cluster ready")
	return ectx.Complete()
}

// liveCluster returns the recorded cluster id if that cluster is still usable.
func (e *Engine) liveCluster(ctx context.Context, ds *engine.Datastore) (string, error) {
	id := ds.ExtraData.String(ExtraClusterID)
	if id == "" {
		return "", nil
	}
	cl, err := e.client.DescribeCluster(ctx, id)
	if err != nil {
		if engine.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if cl.State.Ended() || cl.State == ClusterTerminating {
		return "", nil
	}
	return id, nil
}

// terminateDatastore terminates the recorded cluster, waits for TERMINATED
// and marks the datastore DONE.
func (e *Engine) terminateDatastore(ectx *engine.EngineContext, target *engine.Target, action *engine.Action) error {
	ds, err := datastoreOf(target)
	if err != nil {
		return err
	}
	log := ectx.Logger()

	clusterID := ds.ExtraData.String(ExtraClusterID)
	if clusterID == "" {
		log.Info().Msg("no cluster recorded, nothing to terminate")
	} else {
		if ds.State != engine.DatastoreStopping {
			if err := ectx.UpdateDatastore(func(d *engine.Datastore) { d.State = engine.DatastoreStopping }); err != nil {
				return err
			}
		}
		if err := e.client.TerminateJobFlows(ectx.Context(), clusterID); err != nil && !engine.IsNotFound(err) {
			return fmt.Errorf("failed to terminate cluster %s: %w", clusterID, err)
		}
		if err := ectx.Advance(0.5); err != nil {
			return err
		}
		err := engine.Poll(ectx.Context(), e.cfg.Poll, "cluster "+clusterID+" to terminate", func(ctx context.Context) (bool, error) {
			cl, err := e.client.DescribeCluster(ctx, clusterID)
			if engine.IsNotFound(err) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			return cl.State.Ended(), nil
		})
		if err != nil {
			return err
		}
	}

	if err := ectx.UpdateDatastore(func(d *engine.Datastore) {
		d.State = engine.DatastoreDone
		if clusterID != "" {
			d.ExtraData[ExtraClusterState] = string(ClusterTerminated)
		}
	}); err != nil {
		return err
	}
	log.Info().Str("cluster_id", clusterID).Msg("datastore terminated")
	return ectx.Complete()
}
