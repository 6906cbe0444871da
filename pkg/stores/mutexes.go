package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/conductor/pkg/engine"
)

const mutexColumns = `id, version, name, state, holder, lease_expires, created, updated`

// SeedMutexes inserts a READY row for every name without one. It is safe to
// run from every process at startup.
func (s *SQLStore) SeedMutexes(ctx context.Context, names []engine.MutexName) error {
	query := `
		INSERT INTO mutexes (` + mutexColumns + `)
		VALUES (?, 1, ?, ?, '', NULL, ?, ?)
		ON CONFLICT (name) DO NOTHING
	`
	now := s.timestamp()
	for _, name := range names {
		if !name.Valid() {
			return engine.NewValidationError(fmt.Sprintf("unknown mutex %q", name), nil)
		}
		if _, err := s.exec(ctx, query, uuid.NewString(), string(name), string(engine.MutexReady), now, now); err != nil {
			return fmt.Errorf("failed to seed mutex %s: %w", name, err)
		}
	}
	return nil
}

// GetMutex retrieves a mutex by name.
func (s *SQLStore) GetMutex(ctx context.Context, name engine.MutexName) (*engine.Mutex, error) {
	query := `SELECT ` + mutexColumns + ` FROM mutexes WHERE name = ?`
	m, err := scanMutex(s.queryRow(ctx, query, string(name)))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("mutex", string(name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutex: %w", err)
	}
	return m, nil
}

// LockMutex moves m to LOCKED at its current version. The caller's snapshot
// must be claimable at now; the version guard makes that check hold for the
// stored row as well.
func (s *SQLStore) LockMutex(ctx context.Context, m *engine.Mutex, holder string, now, leaseExpires time.Time) (*engine.Mutex, error) {
	if !m.Claimable(now) {
		return nil, engine.NewConflictError("mutex held", nil).
			WithResource(string(m.Name)).
			WithDetail("holder", m.Holder)
	}

	next := *m
	next.State = engine.MutexLocked
	next.Holder = holder
	expires := leaseExpires.UTC()
	next.LeaseExpires = &expires
	next.Version = m.Version + 1
	next.Updated = s.timestamp()

	query := `
		UPDATE mutexes
		SET state = ?, holder = ?, lease_expires = ?, version = ?, updated = ?
		WHERE id = ? AND version = ?
	`
	if err := s.conditional(ctx, "mutexes", "mutex", m.ID, m.Version, query,
		string(next.State), next.Holder, expires, next.Version, next.Updated, m.ID, m.Version); err != nil {
		return nil, err
	}
	return &next, nil
}

// RenewMutex extends the lease of a LOCKED row at m's version.
func (s *SQLStore) RenewMutex(ctx context.Context, m *engine.Mutex, leaseExpires time.Time) (*engine.Mutex, error) {
	next := *m
	expires := leaseExpires.UTC()
	next.LeaseExpires = &expires
	next.Version = m.Version + 1
	next.Updated = s.timestamp()

	query := `
		UPDATE mutexes
		SET lease_expires = ?, version = ?, updated = ?
		WHERE id = ? AND version = ? AND state = 'LOCKED'
	`
	if err := s.conditional(ctx, "mutexes", "mutex", m.ID, m.Version, query,
		expires, next.Version, next.Updated, m.ID, m.Version); err != nil {
		return nil, err
	}
	return &next, nil
}

// UnlockMutex moves a LOCKED row at m's version back to READY.
func (s *SQLStore) UnlockMutex(ctx context.Context, m *engine.Mutex) (*engine.Mutex, error) {
	next := *m
	next.State = engine.MutexReady
	next.Holder = ""
	next.LeaseExpires = nil
	next.Version = m.Version + 1
	next.Updated = s.timestamp()

	query := `
		UPDATE mutexes
		SET state = ?, holder = '', lease_expires = NULL, version = ?, updated = ?
		WHERE id = ? AND version = ? AND state = 'LOCKED'
	`
	if err := s.conditional(ctx, "mutexes", "mutex", m.ID, m.Version, query,
		string(next.State), next.Version, next.Updated, m.ID, m.Version); err != nil {
		return nil, err
	}
	return &next, nil
}

func scanMutex(row scanner) (*engine.Mutex, error) {
	var (
		m       engine.Mutex
		name    string
		state   string
		expires sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.Version, &name, &state, &m.Holder, &expires, &m.Created, &m.Updated); err != nil {
		return nil, err
	}
	m.Name = engine.MutexName(name)
	m.State = engine.MutexState(state)
	if expires.Valid {
		t := expires.Time
		m.LeaseExpires = &t
	}
	return &m, nil
}
