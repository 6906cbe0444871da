package dynamodb

import (
	"context"
	"sync"

	"github.com/openfroyo/conductor/pkg/engine"
)

// TableStatus mirrors the DynamoDB table lifecycle.
type TableStatus string

const (
	TableCreating TableStatus = "CREATING"
	TableActive   TableStatus = "ACTIVE"
	TableDeleting TableStatus = "DELETING"
)

// TableSpec describes a table to create.
type TableSpec struct {
	Name          string
	HashKey       string
	RangeKey      string
	ReadCapacity  int64
	WriteCapacity int64
}

// Table is the observed state of a table.
type Table struct {
	Name     string
	Status   TableStatus
	ARN      string
	HashKey  string
	RangeKey string
}

// Client is the slice of the DynamoDB API the engine drives. Missing tables
// are reported as engine NotFound errors and duplicate creates as
// ALREADY_EXISTS conflicts.
type Client interface {
	CreateTable(ctx context.Context, spec TableSpec) error
	DescribeTable(ctx context.Context, name string) (*Table, error)
	DeleteTable(ctx context.Context, name string) error
}

// SimulatedClient is an in-memory Client. Each DescribeTable call moves a
// table one step along its lifecycle; deleted tables disappear.
type SimulatedClient struct {
	mu     sync.Mutex
	tables map[string]*Table
}

// NewSimulatedClient creates an empty simulated DynamoDB.
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{tables: make(map[string]*Table)}
}

// CreateTable adds a table in CREATING.
func (c *SimulatedClient) CreateTable(ctx context.Context, spec TableSpec) error {
	if spec.Name == "" || spec.HashKey == "" {
		return engine.NewValidationError("table name and hash key are required", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[spec.Name]; ok {
		return engine.NewConflictError("table "+spec.Name+" already exists", nil).WithCode(engine.ErrCodeAlreadyExists)
	}
	c.tables[spec.Name] = &Table{
		Name:     spec.Name,
		Status:   TableCreating,
		ARN:      "arn:aws:dynamodb:us-east-1:000000000000:table/" + spec.Name,
		HashKey:  spec.HashKey,
		RangeKey: spec.RangeKey,
	}
	return nil
}

// DescribeTable returns a copy of the table after advancing it.
func (c *SimulatedClient) DescribeTable(ctx context.Context, name string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, engine.NewNotFoundError("dynamodb table", name)
	}
	switch t.Status {
	case TableCreating:
		t.Status = TableActive
	case TableDeleting:
		delete(c.tables, name)
	}
	out := *t
	return &out, nil
}

// DeleteTable moves a table to DELETING.
func (c *SimulatedClient) DeleteTable(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[name]
	if !ok {
		return engine.NewNotFoundError("dynamodb table", name)
	}
	t.Status = TableDeleting
	return nil
}

// Exists reports whether name is present in any state.
func (c *SimulatedClient) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tables[name]
	return ok
}
