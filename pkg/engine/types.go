package engine

import (
	"fmt"
	"strings"
	"time"
)

// Args is a free-form JSON object carrying engine parameters and discovered facts.
type Args map[string]interface{}

// String returns the string value at key, or "".
func (a Args) String(key string) string {
	if a == nil {
		return ""
	}
	switch v := a[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns the boolean value at key. The strings "true" and "1" count as true.
func (a Args) Bool(key string) bool {
	if a == nil {
		return false
	}
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || v == "1"
	case float64:
		return v != 0
	}
	return false
}

// Clone returns a shallow copy that is safe to mutate.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ArgDryRun is the target argument that short-circuits handlers.
const ArgDryRun = "dry_run"

// OperationKind names one operation an engine can perform.
type OperationKind string

// TargetKind identifies the resource type an action operates on.
type TargetKind string

const (
	TargetDatastore TargetKind = "datastore"
	TargetWorkflow  TargetKind = "workflow"
)

// Valid reports whether k is a known target kind.
func (k TargetKind) Valid() bool {
	return k == TargetDatastore || k == TargetWorkflow
}

// ActionFailure is the structured payload stored on a failed action.
type ActionFailure struct {
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (f *ActionFailure) setCode(code string) {
	if f.Data == nil {
		f.Data = make(map[string]interface{})
	}
	f.Data["code"] = code
}

// Code returns the failure's error code, if recorded.
func (f *ActionFailure) Code() string {
	if f == nil || f.Data == nil {
		return ""
	}
	s, _ := f.Data["code"].(string)
	return s
}

// Action is a discrete, trackable unit of work targeting one resource.
type Action struct {
	// ID is the unique identifier for this action.
	ID string `json:"id"`

	// Version is bumped by every successful write.
	Version int64 `json:"version"`

	// Name selects the handler within the engine.
	Name OperationKind `json:"name" validate:"required"`

	// EngineName selects the engine.
	EngineName string `json:"engine_name" validate:"required"`

	// TargetKind says whether TargetID names a datastore or a workflow.
	TargetKind TargetKind `json:"target_kind"`

	// TargetID is the resource the action operates on.
	TargetID string `json:"target_id" validate:"required"`

	// Args are operation parameters.
	Args Args `json:"args,omitempty"`

	// Progress is a monotonic checkpoint in [0, 1]; 1 means done.
	Progress float64 `json:"progress" validate:"gte=0,lte=1"`

	// Error is set when the action failed.
	Error *ActionFailure `json:"error,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Succeeded reports terminal success.
func (a *Action) Succeeded() bool { return a.Error == nil && a.Progress >= 1.0 }

// Failed reports terminal failure.
func (a *Action) Failed() bool { return a.Error != nil }

// Terminal reports whether the action can no longer change.
func (a *Action) Terminal() bool { return a.Failed() || a.Succeeded() }

// ActionPatch is a conditional update to an action's progress and error.
type ActionPatch struct {
	Progress *float64
	Error    *ActionFailure
}

// MutexName is one of the closed set of contended operations.
type MutexName string

const (
	// MutexStartEngineTask serializes launching engine-level infrastructure.
	MutexStartEngineTask MutexName = "START_ENGINE_TASK"

	// MutexGenerateSubscription serializes subscription element generation.
	MutexGenerateSubscription MutexName = "GENERATE_SUBSCRIPTION"
)

// MutexNames lists every mutex seeded at bootstrap.
var MutexNames = []MutexName{MutexStartEngineTask, MutexGenerateSubscription}

// Valid reports whether n belongs to the closed set.
func (n MutexName) Valid() bool {
	for _, known := range MutexNames {
		if n == known {
			return true
		}
	}
	return false
}

// MutexState is the lock state of a mutex row.
type MutexState string

const (
	MutexReady  MutexState = "READY"
	MutexLocked MutexState = "LOCKED"
)

// Mutex is a durable, versioned lock record.
type Mutex struct {
	ID      string     `json:"id"`
	Version int64      `json:"version"`
	Name    MutexName  `json:"name"`
	State   MutexState `json:"state"`

	// Holder identifies the process holding the lock.
	Holder string `json:"holder,omitempty"`

	// LeaseExpires is when a LOCKED row becomes claimable by others.
	LeaseExpires *time.Time `json:"lease_expires,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Claimable reports whether the mutex may be taken at now.
func (m *Mutex) Claimable(now time.Time) bool {
	if m.State == MutexReady {
		return true
	}
	return m.LeaseExpires != nil && now.After(*m.LeaseExpires)
}

// DatastoreState enumerates datastore lifecycle states.
type DatastoreState string

const (
	DatastoreCreating DatastoreState = "CREATING"
	DatastoreActive   DatastoreState = "ACTIVE"
	DatastoreInactive DatastoreState = "INACTIVE"
	DatastoreStopping DatastoreState = "STOPPING"
	DatastoreDone     DatastoreState = "DONE"
	DatastoreError    DatastoreState = "ERROR"
)

// Valid reports whether s is a member of the enumeration.
func (s DatastoreState) Valid() bool {
	switch s {
	case DatastoreCreating, DatastoreActive, DatastoreInactive, DatastoreStopping, DatastoreDone, DatastoreError:
		return true
	}
	return false
}

// Datastore is backing infrastructure driven by one engine.
type Datastore struct {
	ID         string         `json:"id"`
	Version    int64          `json:"version"`
	Name       string         `json:"name" validate:"required"`
	EngineName string         `json:"engine_name" validate:"required"`
	State      DatastoreState `json:"state"`
	Args       Args           `json:"args,omitempty"`
	ExtraData  Args           `json:"extra_data,omitempty"`
	Created    time.Time      `json:"created"`
	Updated    time.Time      `json:"updated"`
}

// WorkflowState enumerates workflow states.
type WorkflowState string

const (
	WorkflowActive   WorkflowState = "ACTIVE"
	WorkflowInactive WorkflowState = "INACTIVE"
)

// Valid reports whether s is a member of the enumeration.
func (s WorkflowState) Valid() bool {
	return s == WorkflowActive || s == WorkflowInactive
}

// ActionTemplate describes an action a workflow creates when fired.
type ActionTemplate struct {
	Name       OperationKind `json:"name" validate:"required"`
	EngineName string        `json:"engine_name" validate:"required"`
	Args       Args          `json:"args,omitempty"`
}

// Workflow is a reusable sequence of actions against one datastore.
type Workflow struct {
	ID          string           `json:"id"`
	Version     int64            `json:"version"`
	Name        string           `json:"name" validate:"required"`
	DatastoreID string           `json:"datastore_id" validate:"required"`
	State       WorkflowState    `json:"state"`
	Templates   []ActionTemplate `json:"action_templates,omitempty" validate:"dive"`
	Args        Args             `json:"args,omitempty"`
	ExtraData   Args             `json:"extra_data,omitempty"`
	Created     time.Time        `json:"created"`
	Updated     time.Time        `json:"updated"`
}

// SubscriptionState enumerates subscription states.
type SubscriptionState string

const (
	SubscriptionQueued     SubscriptionState = "QUEUED"
	SubscriptionGenerating SubscriptionState = "GENERATING"
	SubscriptionActive     SubscriptionState = "ACTIVE"
	SubscriptionInactive   SubscriptionState = "INACTIVE"
	SubscriptionError      SubscriptionState = "ERROR"
)

// Valid reports whether s is a member of the enumeration.
func (s SubscriptionState) Valid() bool {
	switch s {
	case SubscriptionQueued, SubscriptionGenerating, SubscriptionActive, SubscriptionInactive, SubscriptionError:
		return true
	}
	return false
}

// Subscription tracks the elements of a dataset consumed by a reader.
type Subscription struct {
	ID        string            `json:"id"`
	Version   int64             `json:"version"`
	Name      string            `json:"name" validate:"required"`
	DatasetID string            `json:"dataset_id" validate:"required"`
	State     SubscriptionState `json:"state"`
	Args      Args              `json:"args,omitempty"`
	ExtraData Args              `json:"extra_data,omitempty"`
	Created   time.Time         `json:"created"`
	Updated   time.Time         `json:"updated"`
}

// TriggerState enumerates trigger states.
type TriggerState string

const (
	TriggerActive   TriggerState = "ACTIVE"
	TriggerInactive TriggerState = "INACTIVE"
)

// Valid reports whether s is a member of the enumeration.
func (s TriggerState) Valid() bool {
	return s == TriggerActive || s == TriggerInactive
}

// Trigger fires one or more workflows.
type Trigger struct {
	ID          string       `json:"id"`
	Version     int64        `json:"version"`
	Name        string       `json:"name" validate:"required"`
	State       TriggerState `json:"state"`
	WorkflowIDs []string     `json:"workflow_ids" validate:"min=1"`
	Created     time.Time    `json:"created"`
	Updated     time.Time    `json:"updated"`
}

// Dataset describes data that engines load and subscriptions consume.
type Dataset struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Name      string    `json:"name" validate:"required"`
	Location  string    `json:"location"`
	TableName string    `json:"table_name"`
	Args      Args      `json:"args,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}
