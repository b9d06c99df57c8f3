// Package sweeper finds bookings that need the orchestrator's attention
// without a caller to drive them: overdue decisions or payments, sagas that
// stopped between steps, completed bookings not yet paid out, confirmed
// bookings due a reminder, and slot locks that need their lease extended.
// It never changes a booking or a lock itself.
package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"golang.org/x/sync/errgroup"
)

type Store interface {
	OverdueBookings(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	StalledSagas(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	LockHolders(ctx context.Context, limit int) ([]uuid.UUID, error)
	UnpaidCompletions(ctx context.Context, limit int) ([]uuid.UUID, error)
	DueReminders(ctx context.Context, now, until time.Time, limit int) ([]uuid.UUID, error)
}

// Driver is the orchestrator side of each task.
type Driver interface {
	Expire(ctx context.Context, bookingID uuid.UUID) error
	Resume(ctx context.Context, bookingID uuid.UUID) error
	Heartbeat(ctx context.Context, bookingID uuid.UUID) error
	Payout(ctx context.Context, bookingID uuid.UUID) error
	Remind(ctx context.Context, bookingID uuid.UUID) error
}

type Purger interface {
	PurgeWebhooks(ctx context.Context, retention time.Duration) (int64, error)
}

type Kind string

const (
	KindExpire    Kind = "expire"
	KindResume    Kind = "resume"
	KindHeartbeat Kind = "heartbeat"
	KindPayout    Kind = "payout"
	KindRemind    Kind = "remind"
)

type Task struct {
	Kind      Kind
	BookingID uuid.UUID
}

type Config struct {
	Interval          time.Duration
	HeartbeatInterval time.Duration
	StallAfter        time.Duration
	// ReminderLead is how long before the slot a reminder goes out. Zero
	// disables reminders.
	ReminderLead     time.Duration
	WebhookRetention time.Duration
	Workers          int
	Batch            int
}

type Sweeper struct {
	store  Store
	driver Driver
	purger Purger
	cfg    Config
	logger observability.Logger
	now    func() time.Time
}

func New(store Store, driver Driver, purger Purger, cfg Config, logger observability.Logger) *Sweeper {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Sweeper{store: store, driver: driver, purger: purger, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces time.Now for deadline comparisons.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run scans on every tick and hands the tasks to a pool of workers. It
// returns when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	tasks := make(chan Task, s.cfg.Batch)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		return s.scan(gctx, tasks)
	})
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for task := range tasks {
				s.Handle(gctx, task)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweeper) scan(ctx context.Context, out chan<- Task) error {
	sweep := time.NewTicker(s.cfg.Interval)
	defer sweep.Stop()
	beat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer beat.Stop()

	s.pass(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			s.pass(ctx, out)
		case <-beat.C:
			if err := s.Beat(ctx, out); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("heartbeat scan failed")
			}
		}
	}
}

func (s *Sweeper) pass(ctx context.Context, out chan<- Task) {
	if err := s.Sweep(ctx, out); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("sweep failed")
	}
	if s.purger == nil || s.cfg.WebhookRetention <= 0 {
		return
	}
	n, err := s.purger.PurgeWebhooks(ctx, s.cfg.WebhookRetention)
	if err != nil {
		s.logger.WithError(err).Error("failed to purge processed webhook ids")
		return
	}
	if n > 0 {
		s.logger.WithField("purged", n).Info("purged processed webhook ids")
	}
}

// Sweep queues one pass of expiry, recovery, payout and reminder tasks. A
// booking that is both overdue and stalled is only expired.
func (s *Sweeper) Sweep(ctx context.Context, out chan<- Task) error {
	now := s.now()
	seen := make(map[uuid.UUID]struct{})

	overdue, err := s.store.OverdueBookings(ctx, now, s.cfg.Batch)
	if err != nil {
		return err
	}
	for _, id := range overdue {
		seen[id] = struct{}{}
		if err := send(ctx, out, Task{Kind: KindExpire, BookingID: id}); err != nil {
			return err
		}
	}

	stalled, err := s.store.StalledSagas(ctx, now.Add(-s.cfg.StallAfter), s.cfg.Batch)
	if err != nil {
		return err
	}
	for _, id := range stalled {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := send(ctx, out, Task{Kind: KindResume, BookingID: id}); err != nil {
			return err
		}
	}

	unpaid, err := s.store.UnpaidCompletions(ctx, s.cfg.Batch)
	if err != nil {
		return err
	}
	for _, id := range unpaid {
		if err := send(ctx, out, Task{Kind: KindPayout, BookingID: id}); err != nil {
			return err
		}
	}

	if s.cfg.ReminderLead <= 0 {
		return nil
	}
	due, err := s.store.DueReminders(ctx, now, now.Add(s.cfg.ReminderLead), s.cfg.Batch)
	if err != nil {
		return err
	}
	for _, id := range due {
		if err := send(ctx, out, Task{Kind: KindRemind, BookingID: id}); err != nil {
			return err
		}
	}
	return nil
}

// Beat queues a heartbeat for every saga that still holds a slot lock.
func (s *Sweeper) Beat(ctx context.Context, out chan<- Task) error {
	holders, err := s.store.LockHolders(ctx, s.cfg.Batch)
	if err != nil {
		return err
	}
	for _, id := range holders {
		if err := send(ctx, out, Task{Kind: KindHeartbeat, BookingID: id}); err != nil {
			return err
		}
	}
	return nil
}

func send(ctx context.Context, out chan<- Task, t Task) error {
	select {
	case out <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle runs one task. Failures are logged and left for the next pass.
func (s *Sweeper) Handle(ctx context.Context, t Task) {
	var err error
	switch t.Kind {
	case KindExpire:
		err = s.driver.Expire(ctx, t.BookingID)
	case KindResume:
		err = s.driver.Resume(ctx, t.BookingID)
	case KindHeartbeat:
		err = s.driver.Heartbeat(ctx, t.BookingID)
	case KindPayout:
		err = s.driver.Payout(ctx, t.BookingID)
	case KindRemind:
		err = s.driver.Remind(ctx, t.BookingID)
	default:
		s.logger.WithField("kind", string(t.Kind)).Warn("unknown sweeper task")
		return
	}

	log := s.logger.WithField("booking_id", t.BookingID.String()).WithField("kind", string(t.Kind))
	switch {
	case err == nil:
		observability.SweeperTasks.WithLabelValues(string(t.Kind), "ok").Inc()
	case domain.IsContention(err):
		observability.SweeperTasks.WithLabelValues(string(t.Kind), "contention").Inc()
		log.WithError(err).Info("sweeper task lost a race, retrying next pass")
	default:
		observability.SweeperTasks.WithLabelValues(string(t.Kind), "error").Inc()
		log.WithError(err).Error("sweeper task failed")
	}
}
