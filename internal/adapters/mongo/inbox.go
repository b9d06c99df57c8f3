package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Inbox is the in-app notification feed read by the mobile clients.
type Inbox struct {
	coll *mongo.Collection
}

func NewInbox(db *mongo.Database) *Inbox {
	return &Inbox{coll: db.Collection("notifications")}
}

type InboxDoc struct {
	ID          string            `bson:"_id"`
	BookingID   string            `bson:"booking_id"`
	RecipientID string            `bson:"recipient_id"`
	TemplateID  string            `bson:"template_id"`
	Context     map[string]string `bson:"context"`
	Read        bool              `bson:"read"`
	CreatedAt   time.Time         `bson:"created_at"`
	DeliveredAt time.Time         `bson:"delivered_at"`
}

// Deliver stores the request under its own id, so redelivery of the same
// message leaves a single document.
func (i *Inbox) Deliver(ctx context.Context, n domain.NotificationRequest) error {
	doc := InboxDoc{
		ID:          n.ID.String(),
		BookingID:   n.BookingID.String(),
		RecipientID: n.RecipientID,
		TemplateID:  n.TemplateID,
		Context:     n.Context,
		CreatedAt:   n.CreatedAt,
		DeliveredAt: time.Now(),
	}
	_, err := i.coll.UpdateOne(ctx,
		bson.M{"_id": doc.ID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrapf(err, "deliver notification %s", n.ID)
	}
	return nil
}

func (i *Inbox) ForRecipient(ctx context.Context, recipientID string, limit int64) ([]InboxDoc, error) {
	cur, err := i.coll.Find(ctx, bson.M{"recipient_id": recipientID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "find notifications")
	}
	var out []InboxDoc
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode notifications")
	}
	return out, nil
}
