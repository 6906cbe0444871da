package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/conductor/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		DSN: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func floatPtr(f float64) *float64 { return &f }

func newTestAction(t *testing.T, store *SQLStore) *engine.Action {
	t.Helper()
	action := &engine.Action{
		Name:       "terminate_datastore",
		EngineName: "emr",
		TargetID:   "D1",
	}
	if err := store.CreateAction(context.Background(), action); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}
	return action
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests that every table exists and migrations are re-runnable
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"actions", "mutexes", "datastores", "workflows", "datasets", "subscriptions", "subscription_elements", "triggers"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration should be a no-op: %v", err)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestCreateActionValidation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		action *engine.Action
	}{
		{"missing name", &engine.Action{EngineName: "emr", TargetID: "D1"}},
		{"missing engine", &engine.Action{Name: "start_datastore", TargetID: "D1"}},
		{"missing target", &engine.Action{Name: "start_datastore", EngineName: "emr"}},
		{"nonzero progress", &engine.Action{Name: "start_datastore", EngineName: "emr", TargetID: "D1", Progress: 0.5}},
		{"bad target kind", &engine.Action{Name: "start_datastore", EngineName: "emr", TargetID: "D1", TargetKind: "table"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CreateAction(ctx, tt.action)
			if !engine.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestActionCreateGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	action := &engine.Action{
		Name:       "start_datastore",
		EngineName: "emr",
		TargetID:   "D1",
		Args:       engine.Args{"instance_count": float64(3)},
	}
	if err := store.CreateAction(ctx, action); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}
	if action.ID == "" {
		t.Fatal("expected generated ID")
	}
	if action.Version != 1 {
		t.Errorf("expected version 1, got %d", action.Version)
	}

	got, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to get action: %v", err)
	}
	if got.Name != action.Name || got.EngineName != "emr" || got.TargetID != "D1" {
		t.Errorf("unexpected action: %+v", got)
	}
	if got.TargetKind != engine.TargetDatastore {
		t.Errorf("expected default target kind datastore, got %s", got.TargetKind)
	}
	if got.Progress != 0 || got.Error != nil {
		t.Errorf("expected queued action, got progress=%v error=%v", got.Progress, got.Error)
	}
	if got.Args["instance_count"] != float64(3) {
		t.Errorf("expected args round trip, got %v", got.Args)
	}

	if _, err := store.GetAction(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	dup := &engine.Action{ID: action.ID, Name: "x", EngineName: "emr", TargetID: "D1"}
	if err := store.CreateAction(ctx, dup); !engine.IsAlreadyExists(err) {
		t.Errorf("expected already exists, got %v", err)
	}
}

func TestPatchActionProgressIsMonotonic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	action := newTestAction(t, store)

	steps := []float64{0.1, 0.1, 0.5, 0.9}
	prev := 0.0
	for _, p := range steps {
		updated, err := store.PatchAction(ctx, action, engine.ActionPatch{Progress: floatPtr(p)})
		if err != nil {
			t.Fatalf("patch to %v failed: %v", p, err)
		}
		if updated.Version != action.Version+1 {
			t.Errorf("expected version %d, got %d", action.Version+1, updated.Version)
		}
		if updated.Progress < prev {
			t.Errorf("progress moved backward: %v -> %v", prev, updated.Progress)
		}
		prev = updated.Progress
		action = updated
	}

	if _, err := store.PatchAction(ctx, action, engine.ActionPatch{Progress: floatPtr(0.2)}); !engine.IsValidation(err) {
		t.Errorf("expected validation error for backward progress, got %v", err)
	}
	if _, err := store.PatchAction(ctx, action, engine.ActionPatch{Progress: floatPtr(1.5)}); !engine.IsValidation(err) {
		t.Errorf("expected validation error for out of range progress, got %v", err)
	}
	if _, err := store.PatchAction(ctx, action, engine.ActionPatch{}); !engine.IsValidation(err) {
		t.Errorf("expected validation error for empty patch, got %v", err)
	}

	stored, err := store.GetAction(ctx, action.ID)
	if err != nil {
		t.Fatalf("failed to get action: %v", err)
	}
	if stored.Progress != 0.9 {
		t.Errorf("expected stored progress 0.9, got %v", stored.Progress)
	}
}

func TestPatchActionStaleVersionConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	action := newTestAction(t, store)

	if _, err := store.PatchAction(ctx, action, engine.ActionPatch{Progress: floatPtr(0.3)}); err != nil {
		t.Fatalf("first patch failed: %v", err)
	}

	// action still carries version 1
	_, err := store.PatchAction(ctx, action, engine.ActionPatch{Progress: floatPtr(0.6)})
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	stored, _ := store.GetAction(ctx, action.ID)
	if stored.Progress != 0.3 {
		t.Errorf("stale patch overwrote progress: %v", stored.Progress)
	}
	if stored.Version != 2 {
		t.Errorf("expected version 2, got %d", stored.Version)
	}
}

func TestPatchActionTerminalIsImmutable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	done := newTestAction(t, store)
	done, err := store.PatchAction(ctx, done, engine.ActionPatch{Progress: floatPtr(1.0)})
	if err != nil {
		t.Fatalf("failed to complete action: %v", err)
	}
	if !done.Succeeded() {
		t.Fatal("expected terminal success")
	}
	_, err = store.PatchAction(ctx, done, engine.ActionPatch{Error: &engine.ActionFailure{Message: "late"}})
	if !engine.IsConflict(err) || engine.ErrorCode(err) != engine.ErrCodeActionTerminal {
		t.Errorf("expected ACTION_TERMINAL conflict, got %v", err)
	}

	failed := newTestAction(t, store)
	failed, err = store.PatchAction(ctx, failed, engine.ActionPatch{Error: &engine.ActionFailure{Message: "boom", Data: map[string]interface{}{"code": "X"}}})
	if err != nil {
		t.Fatalf("failed to fail action: %v", err)
	}
	_, err = store.PatchAction(ctx, failed, engine.ActionPatch{Progress: floatPtr(1.0)})
	if engine.ErrorCode(err) != engine.ErrCodeActionTerminal {
		t.Errorf("expected ACTION_TERMINAL, got %v", err)
	}

	// A stale snapshot of a terminal action is also rejected as terminal
	stale := *failed
	stale.Version = 1
	stale.Error = nil
	_, err = store.PatchAction(ctx, &stale, engine.ActionPatch{Progress: floatPtr(0.5)})
	if engine.ErrorCode(err) != engine.ErrCodeActionTerminal {
		t.Errorf("expected ACTION_TERMINAL for stale snapshot, got %v", err)
	}

	stored, _ := store.GetAction(ctx, failed.ID)
	if stored.Error == nil || stored.Error.Message != "boom" || stored.Error.Code() != "X" {
		t.Errorf("expected stored failure, got %+v", stored.Error)
	}
	if stored.Progress != 0 {
		t.Errorf("expected progress unchanged, got %v", stored.Progress)
	}
}

func TestConcurrentPatchesOneWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	action := newTestAction(t, store)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *action
			_, err := store.PatchAction(ctx, &snapshot, engine.ActionPatch{Progress: floatPtr(0.1)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case engine.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != workers-1 {
		t.Errorf("expected 1 win and %d conflicts, got %d and %d", workers-1, wins, conflicts)
	}
}

func TestListActionsByTarget(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := newTestAction(t, store)
	second := newTestAction(t, store)
	other := &engine.Action{Name: "delete_table", EngineName: "dynamodb", TargetID: "D2"}
	if err := store.CreateAction(ctx, other); err != nil {
		t.Fatalf("failed to create action: %v", err)
	}

	actions, err := store.ListActionsByTarget(ctx, "D1")
	if err != nil {
		t.Fatalf("failed to list actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	ids := map[string]bool{actions[0].ID: true, actions[1].ID: true}
	if !ids[first.ID] || !ids[second.ID] {
		t.Errorf("unexpected actions listed: %v", ids)
	}
}

func TestMutexSeedIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.SeedMutexes(ctx, engine.MutexNames); err != nil {
			t.Fatalf("seed %d failed: %v", i, err)
		}
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutexes").Scan(&count); err != nil {
		t.Fatalf("failed to count mutexes: %v", err)
	}
	if count != len(engine.MutexNames) {
		t.Errorf("expected %d mutex rows, got %d", len(engine.MutexNames), count)
	}

	if err := store.SeedMutexes(ctx, []engine.MutexName{"NOT_A_MUTEX"}); !engine.IsValidation(err) {
		t.Errorf("expected validation error for unknown name, got %v", err)
	}
	if _, err := store.GetMutex(ctx, "NOT_A_MUTEX"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMutexLockUnlock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.SeedMutexes(ctx, engine.MutexNames); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	m, err := store.GetMutex(ctx, engine.MutexStartEngineTask)
	if err != nil {
		t.Fatalf("failed to get mutex: %v", err)
	}
	if m.State != engine.MutexReady {
		t.Fatalf("expected READY, got %s", m.State)
	}

	now := time.Now()
	locked, err := store.LockMutex(ctx, m, "worker-a", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("failed to lock: %v", err)
	}

	// Same snapshot again loses on version
	if _, err := store.LockMutex(ctx, m, "worker-b", now, now.Add(time.Minute)); !engine.IsConflict(err) {
		t.Errorf("expected conflict on stale lock, got %v", err)
	}

	stored, _ := store.GetMutex(ctx, engine.MutexStartEngineTask)
	if stored.State != engine.MutexLocked || stored.Holder != "worker-a" || stored.LeaseExpires == nil {
		t.Errorf("unexpected stored mutex: %+v", stored)
	}
	if _, err := store.LockMutex(ctx, stored, "worker-b", now, now.Add(time.Minute)); !engine.IsConflict(err) {
		t.Errorf("expected conflict while held, got %v", err)
	}

	renewed, err := store.RenewMutex(ctx, locked, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("failed to renew: %v", err)
	}
	if _, err := store.UnlockMutex(ctx, locked); !engine.IsConflict(err) {
		t.Errorf("expected conflict unlocking with pre-renew version, got %v", err)
	}

	released, err := store.UnlockMutex(ctx, renewed)
	if err != nil {
		t.Fatalf("failed to unlock: %v", err)
	}
	if released.State != engine.MutexReady || released.Holder != "" {
		t.Errorf("unexpected released mutex: %+v", released)
	}
}

func TestMutexExpiredLeaseIsClaimable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.SeedMutexes(ctx, engine.MutexNames); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	m, _ := store.GetMutex(ctx, engine.MutexGenerateSubscription)
	past := time.Now().Add(-time.Hour)
	if _, err := store.LockMutex(ctx, m, "crashed", past, past.Add(time.Minute)); err != nil {
		t.Fatalf("failed to lock: %v", err)
	}

	held, _ := store.GetMutex(ctx, engine.MutexGenerateSubscription)
	now := time.Now()
	stolen, err := store.LockMutex(ctx, held, "rescuer", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("expected expired lease to be claimable: %v", err)
	}
	if stolen.Holder != "rescuer" {
		t.Errorf("expected holder rescuer, got %s", stolen.Holder)
	}
}

func TestDatastoreConditionalUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ds := &engine.Datastore{
		ID:         "D1",
		Name:       "analytics",
		EngineName: "emr",
		State:      engine.DatastoreActive,
		Args:       engine.Args{"dry_run": true},
	}
	if err := store.CreateDatastore(ctx, ds); err != nil {
		t.Fatalf("failed to create datastore: %v", err)
	}

	next := *ds
	next.State = engine.DatastoreStopping
	next.ExtraData = engine.Args{"cluster_id": "j-123"}
	updated, err := store.UpdateDatastore(ctx, &next)
	if err != nil {
		t.Fatalf("failed to update datastore: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	// Stale write
	stale := *ds
	stale.State = engine.DatastoreDone
	if _, err := store.UpdateDatastore(ctx, &stale); !engine.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}

	// Invalid state
	bad := *updated
	bad.State = "MELTING"
	if _, err := store.UpdateDatastore(ctx, &bad); !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	missing := engine.Datastore{ID: "nope", Version: 1, State: engine.DatastoreDone}
	if _, err := store.UpdateDatastore(ctx, &missing); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	got, err := store.GetDatastore(ctx, "D1")
	if err != nil {
		t.Fatalf("failed to get datastore: %v", err)
	}
	if got.State != engine.DatastoreStopping || got.ExtraData.String("cluster_id") != "j-123" {
		t.Errorf("unexpected datastore: %+v", got)
	}
	if !got.Args.Bool("dry_run") {
		t.Error("expected dry_run arg to round trip")
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	wf := &engine.Workflow{
		Name:        "nightly",
		DatastoreID: "D1",
		State:       engine.WorkflowActive,
		Templates: []engine.ActionTemplate{
			{Name: "start_datastore", EngineName: "emr"},
			{Name: "terminate_datastore", EngineName: "emr", Args: engine.Args{"force": true}},
		},
	}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}

	got, err := store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if len(got.Templates) != 2 || got.Templates[1].Name != "terminate_datastore" || !got.Templates[1].Args.Bool("force") {
		t.Errorf("unexpected templates: %+v", got.Templates)
	}

	got.State = engine.WorkflowInactive
	if _, err := store.UpdateWorkflow(ctx, got); err != nil {
		t.Fatalf("failed to update workflow: %v", err)
	}
	if _, err := store.UpdateWorkflow(ctx, got); !engine.IsConflict(err) {
		t.Errorf("expected conflict on reused version, got %v", err)
	}

	if err := store.CreateWorkflow(ctx, &engine.Workflow{Name: "x", DatastoreID: "D1", State: "PAUSED"}); !engine.IsValidation(err) {
		t.Errorf("expected validation error for unknown state, got %v", err)
	}
}

func TestSubscriptionElements(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sub := &engine.Subscription{Name: "reader", DatasetID: "DS1", State: engine.SubscriptionQueued}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	n, err := store.AddSubscriptionElements(ctx, sub.ID, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("failed to add elements: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 new elements, got %d", n)
	}

	n, err = store.AddSubscriptionElements(ctx, sub.ID, []string{"b", "c", "d"})
	if err != nil {
		t.Fatalf("failed to add elements: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 new element, got %d", n)
	}

	total, err := store.CountSubscriptionElements(ctx, sub.ID)
	if err != nil {
		t.Fatalf("failed to count elements: %v", err)
	}
	if total != 4 {
		t.Errorf("expected 4 elements, got %d", total)
	}
}

func TestTriggerAndDataset(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tr := &engine.Trigger{Name: "manual", State: engine.TriggerActive, WorkflowIDs: []string{"W1", "W2"}}
	if err := store.CreateTrigger(ctx, tr); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}
	got, err := store.GetTrigger(ctx, tr.ID)
	if err != nil {
		t.Fatalf("failed to get trigger: %v", err)
	}
	if len(got.WorkflowIDs) != 2 || got.WorkflowIDs[1] != "W2" {
		t.Errorf("unexpected workflow ids: %v", got.WorkflowIDs)
	}
	if err := store.CreateTrigger(ctx, &engine.Trigger{Name: "empty", State: engine.TriggerActive}); !engine.IsValidation(err) {
		t.Errorf("expected validation error for trigger without workflows, got %v", err)
	}

	ds := &engine.Dataset{Name: "events", Location: "s3://bucket/events", TableName: "events"}
	if err := store.CreateDataset(ctx, ds); err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}
	gotDS, err := store.GetDataset(ctx, ds.ID)
	if err != nil {
		t.Fatalf("failed to get dataset: %v", err)
	}
	if gotDS.TableName != "events" {
		t.Errorf("expected table events, got %s", gotDS.TableName)
	}
	if _, err := store.GetDataset(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect{}.rebind("UPDATE t SET a = ?, b = ? WHERE id = ?")
	want := "UPDATE t SET a = $1, b = $2 WHERE id = $3"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
