package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLogger appends one document per booking status change.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("booking_audit"),
		logger: logger,
	}
}

type AuditLog struct {
	ID          string    `bson:"_id"`
	BookingID   string    `bson:"booking_id"`
	From        string    `bson:"from"`
	To          string    `bson:"to"`
	Event       string    `bson:"event"`
	Actor       string    `bson:"actor"`
	SagaVersion int64     `bson:"saga_version"`
	Reason      string    `bson:"reason,omitempty"`
	Timestamp   time.Time `bson:"timestamp"`
}

// EnsureIndexes makes the trail unique per (booking, version) so a retried
// transition is recorded once.
func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "booking_id", Value: 1}, {Key: "saga_version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "create booking_audit index")
}

func (a *AuditLogger) RecordTransition(ctx context.Context, e domain.AuditEntry) error {
	doc := AuditLog{
		ID:          uuid.NewString(),
		BookingID:   e.BookingID.String(),
		From:        string(e.From),
		To:          string(e.To),
		Event:       string(e.Event),
		Actor:       e.Actor,
		SagaVersion: e.SagaVersion,
		Reason:      e.Reason,
		Timestamp:   e.At,
	}
	_, err := a.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "insert audit entry for booking %s", e.BookingID)
	}
	return nil
}

// History returns the trail of one booking, oldest first.
func (a *AuditLogger) History(ctx context.Context, bookingID uuid.UUID) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"booking_id": bookingID.String()},
		options.Find().SetSort(bson.D{{Key: "saga_version", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find audit entries")
	}
	var out []AuditLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode audit entries")
	}
	return out, nil
}
