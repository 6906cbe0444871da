package worker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/conductor/pkg/engine"
)

// ExtraData keys written by the generator.
const (
	ExtraElementCount = "element_count"
	ExtraNewElements  = "new_elements"
	ExtraError        = "error"
)

// ElementLister enumerates the elements of a dataset, as paths relative
// to the dataset location.
type ElementLister interface {
	ListElements(ctx context.Context, ds *engine.Dataset) ([]string, error)
}

// DirectoryLister lists regular files under a dataset's location on a
// local or mounted filesystem. Dot files and dot directories are skipped.
type DirectoryLister struct {
	// Root, when set, resolves relative locations.
	Root string
}

// ListElements walks ds.Location and returns sorted relative file paths.
func (l DirectoryLister) ListElements(ctx context.Context, ds *engine.Dataset) ([]string, error) {
	dir := strings.TrimPrefix(ds.Location, "file://")
	if dir == "" {
		return nil, engine.NewValidationError("dataset has no location", nil).WithResource(ds.ID)
	}
	if l.Root != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(l.Root, dir)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("failed to stat dataset location: %w", err)
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset elements: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Generator records the elements of a subscription's dataset.
type Generator struct {
	store   engine.Store
	locker  *engine.Locker
	lister  ElementLister
	timeout time.Duration
	logger  zerolog.Logger
}

// NewGenerator creates a generator. timeout bounds the wait for the
// GENERATE_SUBSCRIPTION mutex; zero means five minutes.
func NewGenerator(store engine.Store, locker *engine.Locker, lister ElementLister, timeout time.Duration, logger zerolog.Logger) *Generator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Generator{
		store:   store,
		locker:  locker,
		lister:  lister,
		timeout: timeout,
		logger:  logger.With().Str("component", "subscription-generator").Logger(),
	}
}

// Generate lists and records the elements of subscription id, moving it
// QUEUED -> GENERATING -> ACTIVE. Subscriptions in any other state are left
// alone, except GENERATING ones, which are resumed because element
// insertion is idempotent.
func (g *Generator) Generate(ctx context.Context, id string) error {
	sub, err := g.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if !generatable(sub.State) {
		g.logger.Debug().Str("subscription_id", id).Str("state", string(sub.State)).Msg("subscription not queued, skipping")
		return nil
	}

	return g.locker.WithMutex(ctx, engine.MutexGenerateSubscription, g.timeout, func(ctx context.Context) error {
		return g.generateLocked(ctx, id)
	})
}

func generatable(s engine.SubscriptionState) bool {
	return s == engine.SubscriptionQueued || s == engine.SubscriptionGenerating
}

func (g *Generator) generateLocked(ctx context.Context, id string) error {
	log := g.logger.With().Str("subscription_id", id).Logger()

	// State may have moved while waiting for the mutex
	sub, err := g.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	switch sub.State {
	case engine.SubscriptionQueued:
		sub.State = engine.SubscriptionGenerating
		if sub, err = g.store.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
	case engine.SubscriptionGenerating:
		log.Warn().Msg("resuming interrupted generation")
	default:
		return nil
	}

	dataset, err := g.store.GetDataset(ctx, sub.DatasetID)
	if err != nil {
		if engine.IsNotFound(err) {
			return g.markError(ctx, log, sub, err)
		}
		return err
	}

	paths, err := g.lister.ListElements(ctx, dataset)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return g.markError(ctx, log, sub, err)
	}

	added, err := g.store.AddSubscriptionElements(ctx, sub.ID, paths)
	if err != nil {
		return err
	}
	total, err := g.store.CountSubscriptionElements(ctx, sub.ID)
	if err != nil {
		return err
	}

	sub.State = engine.SubscriptionActive
	sub.ExtraData = sub.ExtraData.Clone()
	sub.ExtraData[ExtraElementCount] = total
	sub.ExtraData[ExtraNewElements] = added
	delete(sub.ExtraData, ExtraError)
	if _, err := g.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	log.Info().Int("elements", total).Int("new", added).Msg("subscription generated")
	return nil
}

// markError records cause on the subscription. The message is settled
// because retrying cannot change the outcome.
func (g *Generator) markError(ctx context.Context, log zerolog.Logger, sub *engine.Subscription, cause error) error {
	log.Error().Err(cause).Msg("subscription generation failed")
	sub.State = engine.SubscriptionError
	sub.ExtraData = sub.ExtraData.Clone()
	sub.ExtraData[ExtraError] = cause.Error()
	if _, err := g.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to record subscription error: %w", err)
	}
	return nil
}
