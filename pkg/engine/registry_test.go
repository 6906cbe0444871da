package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noopHandler(ectx *EngineContext, target *Target, action *Action) error { return nil }

type fakeEngine struct {
	name string
	ops  map[OperationKind]HandlerFunc
}

func (e fakeEngine) Name() string { return e.name }
func (e fakeEngine) Operations() map[OperationKind]HandlerFunc { return e.ops }

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("emr", "start_datastore", noopHandler); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register("emr", "start_datastore", noopHandler); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	if _, err := r.Lookup("emr", "start_datastore"); err != nil {
		t.Errorf("lookup failed: %v", err)
	}

	_, err := r.Lookup("emr", "explode")
	if !IsUnknownHandler(err) {
		t.Errorf("expected unknown handler error, got %v", err)
	}
	_, err = r.Lookup("hive", "start_datastore")
	if !IsUnknownHandler(err) {
		t.Errorf("expected unknown handler error for unknown engine, got %v", err)
	}
}

func TestRegistryRejectsIncompleteRegistration(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name   string
		engine string
		kind   OperationKind
		h      HandlerFunc
	}{
		{"no engine", "", "op", noopHandler},
		{"no kind", "emr", "", noopHandler},
		{"no handler", "emr", "op", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.engine, tt.kind, tt.h); !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRegistryRegisterEngine(t *testing.T) {
	r := NewRegistry()
	e := fakeEngine{name: "redshift", ops: map[OperationKind]HandlerFunc{
		"stop_datastore":  noopHandler,
		"start_datastore": noopHandler,
	}}
	if err := r.RegisterEngine(e); err != nil {
		t.Fatalf("register engine failed: %v", err)
	}
	if err := r.RegisterEngine(e); err == nil {
		t.Error("expected re-registering an engine to fail")
	}

	if got := r.Engines(); len(got) != 1 || got[0] != "redshift" {
		t.Errorf("unexpected engines: %v", got)
	}
	ops := r.Operations("redshift")
	if len(ops) != 2 || ops[0] != "start_datastore" || ops[1] != "stop_datastore" {
		t.Errorf("unexpected sorted operations: %v", ops)
	}
}

func TestTargetDryRun(t *testing.T) {
	tests := []struct {
		name   string
		target *Target
		want   bool
	}{
		{"bool flag", &Target{Kind: TargetDatastore, Datastore: &Datastore{Args: Args{ArgDryRun: true}}}, true},
		{"string flag", &Target{Kind: TargetDatastore, Datastore: &Datastore{Args: Args{ArgDryRun: "true"}}}, true},
		{"unset", &Target{Kind: TargetDatastore, Datastore: &Datastore{}}, false},
		{"workflow flag", &Target{Kind: TargetWorkflow, Workflow: &Workflow{Args: Args{ArgDryRun: true}}}, true},
		{"explicit false", &Target{Kind: TargetDatastore, Datastore: &Datastore{Args: Args{ArgDryRun: false}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.DryRun(); got != tt.want {
				t.Errorf("DryRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPollReturnsWhenDone(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Timeout: time.Second}, "cluster",
		func(ctx context.Context) (bool, error) {
			calls++
			return calls >= 3, nil
		})
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 checks, got %d", calls)
	}
}

func TestPollTimeoutIsActionError(t *testing.T) {
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Timeout: 20 * time.Millisecond}, "snapshot",
		func(ctx context.Context) (bool, error) { return false, nil })

	ae, ok := AsActionError(err)
	if !ok {
		t.Fatalf("expected ActionError, got %v", err)
	}
	if ae.Failure().Code() != ErrCodePollTimeout {
		t.Errorf("expected POLL_TIMEOUT, got %q", ae.Failure().Code())
	}
}

func TestPollStopsOnCheckError(t *testing.T) {
	boom := errors.New("describe failed")
	calls := 0
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, MaxInterval: time.Millisecond, Timeout: time.Second}, "cluster",
		func(ctx context.Context) (bool, error) {
			calls++
			return false, boom
		})
	if !errors.Is(err, boom) {
		t.Errorf("expected check error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single check, got %d", calls)
	}
}

func TestFailureFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantMsg  string
	}{
		{
			name:     "action error keeps its data",
			err:      NewActionError("cluster terminated", map[string]interface{}{"code": "TERMINATED"}),
			wantCode: "TERMINATED",
			wantMsg:  "cluster terminated",
		},
		{
			name:     "wrapped classified cause",
			err:      NewActionError("lookup failed", nil).Wrap(NewNotFoundError("dataset", "x")),
			wantCode: ErrCodeNotFound,
		},
		{
			name:     "classified error",
			err:      NewNotFoundError("dataset", "x"),
			wantCode: ErrCodeNotFound,
		},
		{
			name:     "plain error",
			err:      errors.New("connection reset"),
			wantCode: ErrCodeInternal,
			wantMsg:  "connection reset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FailureFromError(tt.err)
			if f.Code() != tt.wantCode {
				t.Errorf("code = %q, want %q", f.Code(), tt.wantCode)
			}
			if tt.wantMsg != "" && f.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", f.Message, tt.wantMsg)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	lost := NewConflictError("mutex lock lost", nil).WithCode(ErrCodeLockLost)
	if !IsConflict(lost) || ErrorCode(lost) != ErrCodeLockLost {
		t.Errorf("lock lost should be a conflict with its own code: %v", lost)
	}
	if !IsTransient(NewLockTimeoutError(MutexStartEngineTask, nil)) {
		t.Error("lock timeouts are transient")
	}
	if IsConflict(NewValidationError("bad", nil)) {
		t.Error("validation errors are not conflicts")
	}
	if !errors.Is(NewNotFoundError("action", "a"), &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}) {
		t.Error("errors.Is should match on class and code")
	}
}

func TestValidateProgress(t *testing.T) {
	tests := []struct {
		current, next float64
		ok            bool
	}{
		{0, 0.5, true},
		{0.5, 0.5, true},
		{0.5, 1, true},
		{0.5, 0.4, false},
		{0, 1.1, false},
		{0, -0.1, false},
	}
	for _, tt := range tests {
		err := ValidateProgress(tt.current, tt.next)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateProgress(%v, %v) = %v, want ok=%v", tt.current, tt.next, err, tt.ok)
		}
	}
}
