package emr

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/conductor/pkg/engine"
)

// ClusterState mirrors the EMR cluster lifecycle.
type ClusterState string

const (
	ClusterStarting             ClusterState = "STARTING"
	ClusterBootstrapping        ClusterState = "BOOTSTRAPPING"
	ClusterRunning              ClusterState = "RUNNING"
	ClusterWaiting              ClusterState = "WAITING"
	ClusterTerminating          ClusterState = "TERMINATING"
	ClusterTerminated           ClusterState = "TERMINATED"
	ClusterTerminatedWithErrors ClusterState = "TERMINATED_WITH_ERRORS"
)

// Ended reports whether the cluster can no longer run work.
func (s ClusterState) Ended() bool {
	return s == ClusterTerminated || s == ClusterTerminatedWithErrors
}

// ClusterSpec describes a cluster to launch.
type ClusterSpec struct {
	Name          string
	ReleaseLabel  string
	InstanceType  string
	InstanceCount int
	Tags          map[string]string
}

// Cluster is the observed state of a cluster.
type Cluster struct {
	ID            string
	Name          string
	State         ClusterState
	StateReason   string
	MasterDNSName string
}

// Client is the slice of the EMR API the engine drives.
type Client interface {
	RunJobFlow(ctx context.Context, spec ClusterSpec) (string, error)
	DescribeCluster(ctx context.Context, clusterID string) (*Cluster, error)
	TerminateJobFlows(ctx context.Context, clusterID string) error
}

// SimulatedClient is an in-memory Client. Each DescribeCluster call moves a
// cluster one step along its lifecycle.
type SimulatedClient struct {
	mu       sync.Mutex
	clusters map[string]*Cluster
	launches int

	// FailLaunch, when set, makes new clusters end in TERMINATED_WITH_ERRORS.
	FailLaunch bool
}

// NewSimulatedClient creates an empty simulated EMR.
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{clusters: make(map[string]*Cluster)}
}

// RunJobFlow launches a cluster in STARTING.
func (c *SimulatedClient) RunJobFlow(ctx context.Context, spec ClusterSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("cluster name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "j-" + uuid.NewString()[:13]
	c.clusters[id] = &Cluster{ID: id, Name: spec.Name, State: ClusterStarting}
	c.launches++
	return id, nil
}

// DescribeCluster returns a copy of the cluster after advancing it.
func (c *SimulatedClient) DescribeCluster(ctx context.Context, clusterID string) (*Cluster, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clusters[clusterID]
	if !ok {
		return nil, engine.NewNotFoundError("emr cluster", clusterID)
	}
	switch cl.State {
	case ClusterStarting:
		cl.State = ClusterBootstrapping
	case ClusterBootstrapping:
		if c.FailLaunch {
			cl.State = ClusterTerminatedWithErrors
			cl.StateReason = "bootstrap action failed"
		} else {
			cl.State = ClusterWaiting
			cl.MasterDNSName = "ip-10-0-0-1." + cl.ID + ".internal"
		}
	case ClusterTerminating:
		cl.State = ClusterTerminated
	}
	out := *cl
	return &out, nil
}

// TerminateJobFlows moves a live cluster to TERMINATING.
func (c *SimulatedClient) TerminateJobFlows(ctx context.Context, clusterID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clusters[clusterID]
	if !ok {
		return engine.NewNotFoundError("emr cluster", clusterID)
	}
	if !cl.State.Ended() {
		cl.State = ClusterTerminating
	}
	return nil
}

// Launches reports how many clusters were started.
func (c *SimulatedClient) Launches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launches
}
