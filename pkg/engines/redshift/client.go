package redshift

import (
	"context"
	"sync"

	"github.com/openfroyo/conductor/pkg/engine"
)

// Cluster and snapshot statuses as reported by Redshift.
const (
	StatusCreating  = "creating"
	StatusAvailable = "available"
	StatusDeleting  = "deleting"
	StatusFailed    = "failed"
)

// ClusterSpec describes a cluster to create.
type ClusterSpec struct {
	Identifier    string
	NodeType      string
	NumberOfNodes int
	DBName        string

	// SnapshotID, when set, restores the cluster from that snapshot.
	SnapshotID string
}

// Cluster is the observed state of a cluster.
type Cluster struct {
	Identifier string
	Status     string
	Endpoint   string
}

// Snapshot is the observed state of a snapshot.
type Snapshot struct {
	Identifier        string
	ClusterIdentifier string
	Status            string
}

// Client is the slice of the Redshift API the engine drives. Missing
// clusters and snapshots are engine NotFound errors; duplicates are
// ALREADY_EXISTS conflicts.
type Client interface {
	CreateCluster(ctx context.Context, spec ClusterSpec) error
	DescribeCluster(ctx context.Context, identifier string) (*Cluster, error)
	DeleteCluster(ctx context.Context, identifier, finalSnapshotID string) error
	CreateSnapshot(ctx context.Context, clusterIdentifier, snapshotID string) error
	DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)
}

// SimulatedClient is an in-memory Client. Describe calls advance the
// described object one step.
type SimulatedClient struct {
	mu        sync.Mutex
	clusters  map[string]*Cluster
	snapshots map[string]*Snapshot

	// FailSnapshots, when set, makes new snapshots end in failed.
	FailSnapshots bool
}

// NewSimulatedClient creates an empty simulated Redshift.
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{
		clusters:  make(map[string]*Cluster),
		snapshots: make(map[string]*Snapshot),
	}
}

func alreadyExists(kind, id string) error {
	return engine.NewConflictError(kind+" "+id+" already exists", nil).WithCode(engine.ErrCodeAlreadyExists)
}

// CreateCluster adds a cluster in creating.
func (c *SimulatedClient) CreateCluster(ctx context.Context, spec ClusterSpec) error {
	if spec.Identifier == "" {
		return engine.NewValidationError("cluster identifier is required", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clusters[spec.Identifier]; ok {
		return alreadyExists("cluster", spec.Identifier)
	}
	if spec.SnapshotID != "" {
		if s, ok := c.snapshots[spec.SnapshotID]; !ok || s.Status != StatusAvailable {
			return engine.NewNotFoundError("redshift snapshot", spec.SnapshotID)
		}
	}
	c.clusters[spec.Identifier] = &Cluster{Identifier: spec.Identifier, Status: StatusCreating}
	return nil
}

// DescribeCluster returns a copy of the cluster after advancing it.
func (c *SimulatedClient) DescribeCluster(ctx context.Context, identifier string) (*Cluster, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clusters[identifier]
	if !ok {
		return nil, engine.NewNotFoundError("redshift cluster", identifier)
	}
	switch cl.Status {
	case StatusCreating:
		cl.Status = StatusAvailable
		cl.Endpoint = identifier + ".redshift.internal:5439"
	case StatusDeleting:
		delete(c.clusters, identifier)
	}
	out := *cl
	return &out, nil
}

// DeleteCluster moves a cluster to deleting, taking a final snapshot if named.
func (c *SimulatedClient) DeleteCluster(ctx context.Context, identifier, finalSnapshotID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clusters[identifier]
	if !ok {
		return engine.NewNotFoundError("redshift cluster", identifier)
	}
	if finalSnapshotID != "" {
		if err := c.snapshotLocked(identifier, finalSnapshotID); err != nil {
			return err
		}
	}
	cl.Status = StatusDeleting
	return nil
}

// CreateSnapshot starts a manual snapshot of an available cluster.
func (c *SimulatedClient) CreateSnapshot(ctx context.Context, clusterIdentifier, snapshotID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clusters[clusterIdentifier]
	if !ok {
		return engine.NewNotFoundError("redshift cluster", clusterIdentifier)
	}
	if cl.Status != StatusAvailable {
		return engine.NewValidationError("cluster "+clusterIdentifier+" is "+cl.Status, nil)
	}
	return c.snapshotLocked(clusterIdentifier, snapshotID)
}

func (c *SimulatedClient) snapshotLocked(clusterIdentifier, snapshotID string) error {
	if _, ok := c.snapshots[snapshotID]; ok {
		return alreadyExists("snapshot", snapshotID)
	}
	c.snapshots[snapshotID] = &Snapshot{Identifier: snapshotID, ClusterIdentifier: clusterIdentifier, Status: StatusCreating}
	return nil
}

// DescribeSnapshot returns a copy of the snapshot after advancing it.
func (c *SimulatedClient) DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snapshots[snapshotID]
	if !ok {
		return nil, engine.NewNotFoundError("redshift snapshot", snapshotID)
	}
	if s.Status == StatusCreating {
		if c.FailSnapshots {
			s.Status = StatusFailed
		} else {
			s.Status = StatusAvailable
		}
	}
	out := *s
	return &out, nil
}
