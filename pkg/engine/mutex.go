package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LockerConfig configures mutex acquisition.
type LockerConfig struct {
	// Holder identifies this process in mutex rows. Defaults to host-pid-uuid.
	Holder string

	// LeaseTTL is how long a held mutex stays exclusive before others may take it over.
	LeaseTTL time.Duration

	// InitialInterval is the first retry delay while the mutex is held elsewhere.
	InitialInterval time.Duration

	// MaxInterval caps the retry delay.
	MaxInterval time.Duration

	// Observe, when set, is told how every acquisition ended and how long it waited.
	Observe func(name MutexName, waited time.Duration, err error)
}

// DefaultLockerConfig returns production defaults.
func DefaultLockerConfig() LockerConfig {
	return LockerConfig{
		LeaseTTL:        10 * time.Minute,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// MutexHandle proves ownership of a mutex. It carries the version
// captured when the lock was taken.
type MutexHandle struct {
	Name       MutexName
	Holder     string
	AcquiredAt time.Time
	mutex      *Mutex
}

// Version returns the mutex version this handle owns.
func (h *MutexHandle) Version() int64 { return h.mutex.Version }

// LeaseExpires returns when the lease lapses.
func (h *MutexHandle) LeaseExpires() time.Time {
	if h.mutex.LeaseExpires == nil {
		return time.Time{}
	}
	return *h.mutex.LeaseExpires
}

// Locker acquires and releases store-backed mutexes.
type Locker struct {
	store  MutexStore
	cfg    LockerConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewLocker creates a Locker over store.
func NewLocker(store MutexStore, cfg LockerConfig, logger zerolog.Logger) *Locker {
	def := DefaultLockerConfig()
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Holder == "" {
		host, _ := os.Hostname()
		cfg.Holder = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return &Locker{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "locker").Logger(),
		now:    time.Now,
	}
}

// Holder returns the identity written into mutex rows.
func (l *Locker) Holder() string { return l.cfg.Holder }

// Acquire takes the named mutex, retrying with backoff while another holder
// has it. It fails with LockTimeoutError once timeout elapses.
func (l *Locker) Acquire(ctx context.Context, name MutexName, timeout time.Duration) (h *MutexHandle, err error) {
	if !name.Valid() {
		return nil, NewValidationError(fmt.Sprintf("unknown mutex %q", name), nil)
	}

	started := l.now()
	if l.cfg.Observe != nil {
		defer func() { l.cfg.Observe(name, l.now().Sub(started), err) }()
	}

	deadline := started.Add(timeout)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.InitialInterval
	b.MaxInterval = l.cfg.MaxInterval
	b.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		m, err := l.store.GetMutex(ctx, name)
		if err != nil {
			return nil, err
		}

		now := l.now()
		if m.Claimable(now) {
			stealing := m.State == MutexLocked
			locked, err := l.store.LockMutex(ctx, m, l.cfg.Holder, now, now.Add(l.cfg.LeaseTTL))
			if err == nil {
				if stealing {
					l.logger.Warn().
						Str("mutex", string(name)).
						Str("previous_holder", m.Holder).
						Msg("took over mutex with expired lease")
				}
				l.logger.Debug().Str("mutex", string(name)).Int("attempts", attempt).Msg("mutex acquired")
				return &MutexHandle{Name: name, Holder: l.cfg.Holder, AcquiredAt: now, mutex: locked}, nil
			}
			if !IsConflict(err) {
				return nil, err
			}
			lastErr = err
		} else {
			lastErr = NewConflictError("mutex held", nil).WithResource(string(name)).WithDetail("holder", m.Holder)
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return nil, NewLockTimeoutError(name, lastErr)
		}
		wait := b.NextBackOff()
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Renew extends the lease of a held mutex.
func (l *Locker) Renew(ctx context.Context, h *MutexHandle) error {
	renewed, err := l.store.RenewMutex(ctx, h.mutex, l.now().Add(l.cfg.LeaseTTL))
	if err != nil {
		return lockLost(h, err)
	}
	h.mutex = renewed
	return nil
}

// Release returns the mutex to READY. A version mismatch means the lock was
// taken over or cleared and is reported as a ConflictError with code LOCK_LOST.
func (l *Locker) Release(ctx context.Context, h *MutexHandle) error {
	released, err := l.store.UnlockMutex(ctx, h.mutex)
	if err != nil {
		return lockLost(h, err)
	}
	h.mutex = released
	l.logger.Debug().
		Str("mutex", string(h.Name)).
		Dur("held", l.now().Sub(h.AcquiredAt)).
		Msg("mutex released")
	return nil
}

// WithMutex acquires name, runs fn and releases on every exit path,
// including panics and context cancellation. A release failure is joined
// with fn's error.
//
// While fn runs the lease is renewed every third of LeaseTTL. If a renewal
// finds the mutex taken over, fn's context is cancelled and the LOCK_LOST
// error is returned ahead of fn's own.
func (l *Locker) WithMutex(ctx context.Context, name MutexName, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	h, err := l.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	var lost error
	done := make(chan struct{})
	go func() {
		defer close(done)
		lost = l.heartbeat(fnCtx, h, cancel)
	}()

	defer func() {
		cancel(nil)
		<-done
		if lost != nil {
			err = errors.Join(lost, err)
			return
		}
		if rerr := l.Release(context.WithoutCancel(ctx), h); rerr != nil {
			l.logger.Error().Err(rerr).Str("mutex", string(name)).Msg("failed to release mutex")
			err = errors.Join(err, rerr)
		}
	}()
	return fn(fnCtx)
}

// heartbeat renews h until ctx ends. It returns the LOCK_LOST error after
// cancelling ctx with it, or nil once ctx is done. Other renewal errors are
// logged and retried on the next tick while the lease still stands.
func (l *Locker) heartbeat(ctx context.Context, h *MutexHandle, cancel context.CancelCauseFunc) error {
	interval := l.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = l.cfg.LeaseTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		// Renewal runs to completion so h never disagrees with the stored row.
		err := l.Renew(context.WithoutCancel(ctx), h)
		if err == nil {
			continue
		}
		if hasCode(err, ErrCodeLockLost) {
			l.logger.Error().Err(err).Str("mutex", string(h.Name)).Msg("mutex taken over while held")
			cancel(err)
			return err
		}
		l.logger.Warn().Err(err).Str("mutex", string(h.Name)).Msg("failed to renew mutex lease")
	}
}

func lockLost(h *MutexHandle, err error) error {
	if IsConflict(err) {
		return NewConflictError("mutex lock lost", err).
			WithCode(ErrCodeLockLost).
			WithResource(string(h.Name)).
			WithDetail("version", h.mutex.Version)
	}
	return err
}
