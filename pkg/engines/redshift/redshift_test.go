package redshift_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/conductor/pkg/engine"
	"github.com/openfroyo/conductor/pkg/engines/redshift"
	"github.com/openfroyo/conductor/pkg/stores"
)

type fixture struct {
	store      *stores.SQLStore
	client     *redshift.SimulatedClient
	dispatcher *engine.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.SeedMutexes(ctx, engine.MutexNames); err != nil {
		t.Fatalf("failed to seed mutexes: %v", err)
	}

	client := redshift.NewSimulatedClient()
	cfg := redshift.DefaultConfig()
	cfg.MutexTimeout = time.Second
	cfg.Poll = engine.PollConfig{Interval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Timeout: time.Second}

	registry := engine.NewRegistry()
	if err := registry.RegisterEngine(redshift.New(client, cfg)); err != nil {
		t.Fatalf("failed to register engine: %v", err)
	}
	locker := engine.NewLocker(store, engine.LockerConfig{Holder: "test"}, zerolog.Nop())
	return &fixture{store: store, client: client, dispatcher: engine.NewDispatcher(store, registry, locker, zerolog.Nop())}
}

func (f *fixture) datastore(t *testing.T, state engine.DatastoreState) *engine.Datastore {
	t.Helper()
	ds := &engine.Datastore{Name: "finance", EngineName: redshift.Name, State: state}
	if err := f.store.CreateDatastore(context.Background(), ds); err != nil {
		t.Fatalf("failed to create datastore: %v", err)
	}
	return ds
}

func (f *fixture) run(t *testing.T, op engine.OperationKind, targetID string) (engine.Outcome, *engine.Action, *engine.Datastore) {
	t.Helper()
	ctx := context.Background()
	action := &engine.Action{Name: op, EngineName: redshift.Name, TargetID: targetID}
	if err := f.store.CreateAction(ctx, action); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}
	outcome, err := f.dispatcher.Dispatch(ctx, action.ID)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	got, err := f.store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to get action: %v", err)
	}
	ds, err := f.store.GetDatastore(ctx, targetID)
	if err != nil {
		t.Fatalf("failed to get datastore: %v", err)
	}
	return outcome, got, ds
}

func TestClusterLifecycle(t *testing.T) {
	f := newFixture(t)
	ds := f.datastore(t, engine.DatastoreCreating)

	outcome, action, got := f.run(t, redshift.OpStartDatastore, ds.ID)
	if outcome != engine.OutcomeSucceeded {
		t.Fatalf("start: expected success, got %s (error %+v)", outcome, action.Error)
	}
	if got.State != engine.DatastoreActive || got.ExtraData.String(redshift.ExtraEndpoint) == "" {
		t.Errorf("expected ACTIVE with endpoint, got %s %v", got.State, got.ExtraData)
	}
	if got.ExtraData.String(redshift.ExtraClusterID) != redshift.ClusterIdentifier(ds) {
		t.Errorf("unexpected cluster identifier %v", got.ExtraData[redshift.ExtraClusterID])
	}

	outcome, action, got = f.run(t, redshift.OpCreateSnapshot, ds.ID)
	if outcome != engine.OutcomeSucceeded {
		t.Fatalf("snapshot: expected success, got %s (error %+v)", outcome, action.Error)
	}
	manual := got.ExtraData.String(redshift.ExtraLastSnapshot)
	if !strings.Contains(manual, "-manual-") {
		t.Errorf("expected manual snapshot recorded, got %q", manual)
	}

	outcome, action, got = f.run(t, redshift.OpStopDatastore, ds.ID)
	if outcome != engine.OutcomeSucceeded {
		t.Fatalf("stop: expected success, got %s (error %+v)", outcome, action.Error)
	}
	if got.State != engine.DatastoreDone {
		t.Errorf("expected DONE, got %s", got.State)
	}
	final := got.ExtraData.String(redshift.ExtraLastSnapshot)
	if final == manual || final != got.ExtraData.String(redshift.ExtraFinalSnapshot) {
		t.Errorf("expected final snapshot recorded, got %v", got.ExtraData)
	}
	cl, err := f.client.DescribeCluster(context.Background(), redshift.ClusterIdentifier(ds))
	if err == nil && cl.Status != redshift.StatusDeleting {
		t.Errorf("expected cluster deleting, got %s", cl.Status)
	}
}

func TestSnapshotFailureFailsAction(t *testing.T) {
	f := newFixture(t)
	ds := f.datastore(t, engine.DatastoreCreating)
	if outcome, _, _ := f.run(t, redshift.OpStartDatastore, ds.ID); outcome != engine.OutcomeSucceeded {
		t.Fatalf("start: expected success, got %s", outcome)
	}

	f.client.FailSnapshots = true
	outcome, action, got := f.run(t, redshift.OpStopDatastore, ds.ID)
	if outcome != engine.OutcomeFailed {
		t.Fatalf("expected failure, got %s", outcome)
	}
	if action.Error.Code() != redshift.ErrCodeSnapshotFailed {
		t.Errorf("expected %s, got %+v", redshift.ErrCodeSnapshotFailed, action.Error)
	}
	if got.State != engine.DatastoreError {
		t.Errorf("expected ERROR, got %s", got.State)
	}
}

func TestSnapshotWithoutCluster(t *testing.T) {
	f := newFixture(t)
	ds := f.datastore(t, engine.DatastoreInactive)

	outcome, action, _ := f.run(t, redshift.OpCreateSnapshot, ds.ID)
	if outcome != engine.OutcomeFailed || action.Error.Code() != engine.ErrCodeValidation {
		t.Errorf("expected validation failure, got %s %+v", outcome, action.Error)
	}
}

func TestClusterIdentifier(t *testing.T) {
	ds := &engine.Datastore{ID: "ABC_123"}
	if got := redshift.ClusterIdentifier(ds); got != "conductor-abc-123" {
		t.Errorf("unexpected identifier %q", got)
	}
	ds.ID = strings.Repeat("x", 80)
	if got := redshift.ClusterIdentifier(ds); len(got) > 63 {
		t.Errorf("identifier too long: %d", len(got))
	}
}
