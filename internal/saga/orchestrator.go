// Package saga drives a booking from request to a terminal state. It is the
// only component that transitions a Booking and the only one that decides
// between retrying a step, compensating, or failing the caller.
package saga

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Locks interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (string, error)
	Renew(ctx context.Context, key, token string, lease time.Duration) error
	Release(ctx context.Context, key, token string) error
	Verify(ctx context.Context, key, token string) error
	Reclaim(ctx context.Context, key, token string, lease time.Duration) error
}

type Escrow interface {
	Authorize(ctx context.Context, bookingID uuid.UUID, amount int64, idempotencyKey, source string) (string, error)
	Capture(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string, amount int64) error
	Abandon(ctx context.Context, bookingID uuid.UUID) error
	Lookup(ctx context.Context, ref string) (*domain.PaymentTransaction, error)
	ForBooking(ctx context.Context, bookingID uuid.UUID) (*domain.PaymentTransaction, error)
	ReconcileWebhook(ctx context.Context, payload []byte, signature string) (string, domain.PaymentState, error)
	Payout(ctx context.Context, b domain.Booking, recipient string) error
}

// Store persists bookings and saga records. Booking writes are guarded by
// the saga version the caller last read and commit the saga record and the
// notification requests in the same transaction.
type Store interface {
	SaveSagaRecord(ctx context.Context, rec domain.SagaRecord) error
	GetSagaRecord(ctx context.Context, bookingID uuid.UUID) (*domain.SagaRecord, error)
	CreateBooking(ctx context.Context, b domain.Booking, rec domain.SagaRecord, notes []domain.NotificationRequest) error
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	UpdateBooking(ctx context.Context, b domain.Booking, expected int64, rec domain.SagaRecord, notes []domain.NotificationRequest) error
	BeginCompensation(ctx context.Context, bookingID uuid.UUID, expected int64, rec domain.SagaRecord) error
	// RecordReminder enqueues notes unless the booking was reminded before
	// or is no longer confirmed, and reports whether it did.
	RecordReminder(ctx context.Context, bookingID uuid.UUID, at time.Time, notes []domain.NotificationRequest) (bool, error)
}

type Directory interface {
	IsVerified(ctx context.Context, providerID string) (bool, error)
	PayoutRecipient(ctx context.Context, providerID string) (string, error)
}

type Auditor interface {
	RecordTransition(ctx context.Context, entry domain.AuditEntry) error
}

type Config struct {
	LockLease      time.Duration
	AcceptWindow   time.Duration
	PaymentWindow  time.Duration
	Pricing        domain.Pricing
	Cancellation   domain.CancellationPolicy
	MaxRetries     int
	InitialBackoff time.Duration
}

const (
	actorRequester = "requester"
	actorProvider  = "provider"
	actorSystem    = "system"
	actorGateway   = "gateway"
)

type Orchestrator struct {
	store     Store
	locks     Locks
	escrow    Escrow
	directory Directory
	auditor   Auditor
	cfg       Config
	logger    observability.Logger
	now       func() time.Time
	tracer    trace.Tracer
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

func New(store Store, locks Locks, escrow Escrow, directory Directory, cfg Config, logger observability.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		locks:     locks,
		escrow:    escrow,
		directory: directory,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		tracer:    otel.Tracer("saga"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RequestBooking reports a slot held by another saga as
// domain.ErrSlotUnavailable. The error still matches domain.ErrLockHeld.
func (o *Orchestrator) RequestBooking(ctx context.Context, req domain.BookingRequest) (id uuid.UUID, err error) {
	ctx, span := o.tracer.Start(ctx, "saga.RequestBooking", trace.WithAttributes(
		attribute.String("provider_id", req.ProviderID),
	))
	defer func() { endSpan(span, err) }()

	now := o.now()
	b, err := domain.NewBooking(uuid.New(), req, now, o.cfg.AcceptWindow, o.cfg.Pricing)
	if err != nil {
		return uuid.Nil, err
	}
	span.SetAttributes(attribute.String("booking_id", b.ID.String()))

	verified, err := o.directory.IsVerified(ctx, b.ProviderID)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "check provider verification")
	}
	if !verified {
		return uuid.Nil, errors.Wrapf(domain.ErrProviderNotVerified, "provider %s", b.ProviderID)
	}

	key := b.SlotKey()
	token, err := o.locks.Acquire(ctx, key, o.cfg.LockLease)
	if errors.Is(err, domain.ErrLockHeld) {
		return uuid.Nil, errors.Mark(errors.Wrap(err, "slot no longer available"), domain.ErrSlotUnavailable)
	}
	if err != nil {
		return uuid.Nil, err
	}

	rec := domain.SagaRecord{BookingID: b.ID, LockKey: key, LockToken: token}
	rec.Complete(domain.StepLockSlot, now)
	if err := o.store.SaveSagaRecord(ctx, rec); err != nil {
		o.abort(ctx, &rec, err)
		return uuid.Nil, errors.Wrap(err, "save saga record")
	}

	pending, effects, err := b.Apply(domain.EventSubmit, now)
	if err != nil {
		o.abort(ctx, &rec, err)
		return uuid.Nil, err
	}
	if err := o.locks.Verify(ctx, key, token); err != nil {
		o.abort(ctx, &rec, err)
		return uuid.Nil, errors.Mark(errors.Wrap(err, "slot no longer available"), domain.ErrSlotUnavailable)
	}

	created := rec.Clone()
	created.Complete(domain.StepCreateBooking, now)
	created.WriteID = uuid.New()
	notes := o.notifications(pending, effects, now)
	var unsure bool
	err = o.retry(ctx, b.ID, domain.StepCreateBooking, func() error {
		err := o.store.CreateBooking(ctx, pending, created, notes)
		unsure = unsure || domain.IsTransient(err)
		return err
	})
	if err != nil && !(unsure && o.landed(ctx, created)) {
		o.abort(ctx, &rec, err)
		if errors.Is(err, domain.ErrSlotUnavailable) {
			return uuid.Nil, err
		}
		return uuid.Nil, errors.Wrap(err, "create booking")
	}

	observability.SagaTransitions.WithLabelValues(string(b.Status), string(pending.Status)).Inc()
	o.audit(ctx, b, pending, domain.EventSubmit, actorRequester, "")
	o.log(b.ID, domain.StepCreateBooking).Info("booking requested")
	return b.ID, nil
}

func (o *Orchestrator) SubmitProviderDecision(ctx context.Context, bookingID uuid.UUID, accept bool, sagaVersion int64) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.SubmitProviderDecision", trace.WithAttributes(
		attribute.String("booking_id", bookingID.String()),
		attribute.Bool("accept", accept),
	))
	defer func() { endSpan(span, err) }()

	b, rec, err := o.load(ctx, bookingID)
	if err != nil {
		return err
	}
	if err := o.guard(b, rec, sagaVersion); err != nil {
		return err
	}

	now := o.now()
	if b.Overdue(now) && b.Status == domain.StatusPendingProviderDecision {
		if err := o.compensate(ctx, b, rec, domain.EventExpire, "accept window elapsed", b.PriceAmount, actorSystem); err != nil {
			return err
		}
		return errors.Wrapf(domain.ErrDeadlineElapsed, "booking %s", bookingID)
	}

	if !accept {
		return o.compensate(ctx, b, rec, domain.EventDecline, "declined by provider", 0, actorProvider)
	}

	deadline := now.Add(o.cfg.PaymentWindow)
	b, err = o.commit(ctx, b, domain.EventAccept, rec, domain.StepProviderAccepted, actorProvider, func(next *domain.Booking) {
		next.PaymentDeadline = &deadline
	})
	if err != nil {
		return err
	}
	return o.advance(ctx, b, rec)
}

func (o *Orchestrator) CancelBooking(ctx context.Context, bookingID uuid.UUID, sagaVersion int64) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.CancelBooking", trace.WithAttributes(
		attribute.String("booking_id", bookingID.String()),
	))
	defer func() { endSpan(span, err) }()

	b, rec, err := o.load(ctx, bookingID)
	if err != nil {
		return err
	}
	if err := o.guard(b, rec, sagaVersion); err != nil {
		return err
	}

	refund := b.PriceAmount
	if b.Status == domain.StatusConfirmed {
		tx, err := o.escrow.ForBooking(ctx, b.ID)
		if err != nil {
			return errors.Wrap(err, "load payment")
		}
		var captured int64
		if tx != nil && tx.State == domain.PaymentCaptured {
			captured = tx.CapturedAmount - tx.RefundedAmount
		}
		refund = o.cfg.Cancellation.RefundFor(b, captured, o.now())
	}
	return o.compensate(ctx, b, rec, domain.EventCancel, "cancelled by requester", refund, actorRequester)
}

// CompleteBooking stands even when the payout fails. The sweeper pays out
// later.
func (o *Orchestrator) CompleteBooking(ctx context.Context, bookingID uuid.UUID, sagaVersion int64) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.CompleteBooking", trace.WithAttributes(
		attribute.String("booking_id", bookingID.String()),
	))
	defer func() { endSpan(span, err) }()

	b, rec, err := o.load(ctx, bookingID)
	if err != nil {
		return err
	}
	if err := o.guard(b, rec, sagaVersion); err != nil {
		return err
	}
	b, err = o.commit(ctx, b, domain.EventComplete, rec, "", actorProvider, nil)
	if err != nil {
		return err
	}
	if err := o.payout(ctx, b, rec); err != nil {
		o.log(b.ID, domain.StepPayout).WithError(err).Warn("payout deferred")
	}
	return nil
}

type Snapshot struct {
	Booking        domain.Booking
	CompletedSteps []domain.Step
	Compensating   bool
	LastError      string
	Payment        *domain.PaymentTransaction
}

func (o *Orchestrator) GetBookingStatus(ctx context.Context, bookingID uuid.UUID) (*Snapshot, error) {
	b, rec, err := o.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	tx, err := o.escrow.ForBooking(ctx, bookingID)
	if err != nil {
		return nil, errors.Wrap(err, "load payment")
	}
	return &Snapshot{
		Booking:        b,
		CompletedSteps: append([]domain.Step(nil), rec.CompletedSteps...),
		Compensating:   rec.Compensating,
		LastError:      rec.LastError,
		Payment:        tx,
	}, nil
}

func (o *Orchestrator) load(ctx context.Context, bookingID uuid.UUID) (domain.Booking, *domain.SagaRecord, error) {
	b, err := o.store.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, nil, errors.Wrapf(err, "load booking %s", bookingID)
	}
	rec, err := o.store.GetSagaRecord(ctx, bookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return *b, &domain.SagaRecord{BookingID: bookingID}, nil
	}
	if err != nil {
		return domain.Booking{}, nil, errors.Wrapf(err, "load saga record %s", bookingID)
	}
	return *b, rec, nil
}

func (o *Orchestrator) guard(b domain.Booking, rec *domain.SagaRecord, sagaVersion int64) error {
	if b.Status.Terminal() {
		return errors.Wrapf(domain.ErrTerminalStateViolation, "booking %s is %s", b.ID, b.Status)
	}
	if b.SagaVersion != sagaVersion || rec.Compensating {
		return errors.Wrapf(domain.ErrStaleSagaVersion, "booking %s is at version %d", b.ID, b.SagaVersion)
	}
	return nil
}

func (o *Orchestrator) log(bookingID uuid.UUID, step domain.Step) observability.Logger {
	l := o.logger.WithField("booking_id", bookingID.String())
	if step != "" {
		l = l.WithField("step", string(step))
	}
	return l
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
