package engine

import (
	"context"
	"time"
)

// ActionStore persists actions with optimistic concurrency.
type ActionStore interface {
	// CreateAction persists a queued action. Missing required fields yield a
	// ValidationError; a duplicate id yields a ConflictError with code ALREADY_EXISTS.
	CreateAction(ctx context.Context, action *Action) error

	// GetAction fails with NotFoundError if the action is absent.
	GetAction(ctx context.Context, id string) (*Action, error)

	// PatchAction updates progress and/or error where id and version match.
	// Stale versions and terminal actions yield ConflictError.
	PatchAction(ctx context.Context, action *Action, patch ActionPatch) (*Action, error)

	// ListActionsByTarget returns actions for a resource, oldest first.
	ListActionsByTarget(ctx context.Context, targetID string) ([]*Action, error)
}

// MutexStore persists mutex rows. Every transition is one conditional update.
type MutexStore interface {
	// SeedMutexes inserts a READY row for each name that has none.
	SeedMutexes(ctx context.Context, names []MutexName) error

	// GetMutex fails with NotFoundError for unseeded names.
	GetMutex(ctx context.Context, name MutexName) (*Mutex, error)

	// LockMutex moves m to LOCKED if its version is current and it is READY
	// or its lease expired before now.
	LockMutex(ctx context.Context, m *Mutex, holder string, now, leaseExpires time.Time) (*Mutex, error)

	// RenewMutex extends the lease of a LOCKED row at m's version.
	RenewMutex(ctx context.Context, m *Mutex, leaseExpires time.Time) (*Mutex, error)

	// UnlockMutex moves a LOCKED row at m's version back to READY.
	UnlockMutex(ctx context.Context, m *Mutex) (*Mutex, error)
}

// DatastoreStore persists datastores.
type DatastoreStore interface {
	CreateDatastore(ctx context.Context, ds *Datastore) error
	GetDatastore(ctx context.Context, id string) (*Datastore, error)

	// UpdateDatastore writes state, args and extra_data where ds.Version is current.
	UpdateDatastore(ctx context.Context, ds *Datastore) (*Datastore, error)
}

// WorkflowStore persists workflows.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *Workflow) (*Workflow, error)
}

// SubscriptionStore persists subscriptions and their elements.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error)

	// AddSubscriptionElements inserts paths not yet recorded and returns how many were new.
	AddSubscriptionElements(ctx context.Context, subscriptionID string, paths []string) (int, error)
	CountSubscriptionElements(ctx context.Context, subscriptionID string) (int, error)
}

// TriggerStore persists triggers.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, tr *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
}

// DatasetStore persists datasets.
type DatasetStore interface {
	CreateDataset(ctx context.Context, ds *Dataset) error
	GetDataset(ctx context.Context, id string) (*Dataset, error)
}

// Store aggregates every store the core needs.
type Store interface {
	ActionStore
	MutexStore
	DatastoreStore
	WorkflowStore
	SubscriptionStore
	TriggerStore
	DatasetStore

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
