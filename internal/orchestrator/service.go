package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/dreamteam/internal/coordination"
	"github.com/aristath/dreamteam/internal/events"
	"github.com/aristath/dreamteam/internal/metrics"
	"github.com/aristath/dreamteam/internal/persistence"
	"github.com/aristath/dreamteam/internal/scheduler"
	"github.com/cenkalti/backoff/v4"
)

const (
	conflictBackoff    = 5 * time.Millisecond
	maxConflictRetries = 10
)

// errNoop tells update that the task needs no write.
var errNoop = errors.New("no change")

// Options carries the optional collaborators of a Service.
type Options struct {
	Notifier coordination.Notifier
	Bus      *events.EventBus
	Recorder *metrics.Recorder
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Service is the scheduling API: task creation, claiming, outcome
// reporting, operator actions and queue inspection.
type Service struct {
	store    persistence.Store
	resolver *scheduler.Resolver
	policy   *scheduler.RetryPolicy
	locks    *scheduler.TaskLocks
	notifier coordination.Notifier
	bus      *events.EventBus
	recorder *metrics.Recorder
	log      *slog.Logger
	cfg      Config
	clock    func() time.Time
}

// NewService wires a Service over store.
func NewService(store persistence.Store, cfg Config, opts Options) *Service {
	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:    store,
		resolver: scheduler.NewResolver(store, cfg.MaxDependencyDepth),
		policy:   scheduler.NewRetryPolicy(cfg.Retry),
		locks:    scheduler.NewTaskLocks(),
		notifier: opts.Notifier,
		bus:      opts.Bus,
		recorder: opts.Recorder,
		log:      opts.Logger,
		cfg:      cfg,
		clock:    opts.Clock,
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// now returns the clock truncated to the store's millisecond precision so
// values written and read back compare equal.
func (s *Service) now() time.Time {
	return persistence.Truncate(s.clock())
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching filter.
func (s *Service) ListTasks(ctx context.Context, filter scheduler.TaskFilter) ([]*scheduler.Task, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", scheduler.ErrValidation, st)
		}
	}
	return s.store.ListTasks(ctx, filter)
}

// GetDependencyTree returns the dependency closure of the given tasks.
func (s *Service) GetDependencyTree(ctx context.Context, ids []string) (*scheduler.DependencyTree, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no task ids", scheduler.ErrValidation)
	}
	return s.resolver.Closure(ctx, ids, s.cfg.MaxDependencyDepth)
}

// update runs a read-modify-write on one task. fn mutates a fresh copy;
// the write is a compare-and-swap on Version and is retried with a fresh
// read when another writer won. fn returning errNoop skips the write, and
// update then returns the current task with errNoop.
func (s *Service) update(ctx context.Context, id string, fn func(t *scheduler.Task) error) (*scheduler.Task, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	var out *scheduler.Task
	op := func() error {
		t, err := s.store.GetTask(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(t); err != nil {
			out = t
			return backoff.Permanent(err)
		}
		if err := s.store.UpdateTask(ctx, t); err != nil {
			if errors.Is(err, scheduler.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = t
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(conflictBackoff), maxConflictRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errNoop) {
			return out, errNoop
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) publish(topic string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

// wake tells dispatchers serving role that work may be available.
func (s *Service) wake(ctx context.Context, role string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, role); err != nil {
		s.log.Warn("notify dispatchers", "role", role, "error", err)
	}
}
