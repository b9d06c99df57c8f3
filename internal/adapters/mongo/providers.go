package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/pandit-bookings/internal/domain"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const verifiedStatus = "VERIFIED"

// ProviderDirectory reads provider profiles owned by the catalogue service.
type ProviderDirectory struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewProviderDirectory(db *mongo.Database, logger observability.Logger) *ProviderDirectory {
	return &ProviderDirectory{
		coll:   db.Collection("pandits"),
		logger: logger,
	}
}

type ProviderDoc struct {
	ID                 string    `bson:"_id"`
	Name               string    `bson:"name"`
	VerificationStatus string    `bson:"verification_status"`
	RecipientID        string    `bson:"omise_recipient_id,omitempty"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

// IsVerified reports false for unknown providers.
func (p *ProviderDirectory) IsVerified(ctx context.Context, providerID string) (bool, error) {
	var doc ProviderDoc
	opts := options.FindOne().SetProjection(bson.M{"verification_status": 1})
	err := p.coll.FindOne(ctx, bson.M{"_id": providerID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		p.logger.WithField("provider_id", providerID).WithError(err).Error("failed to load provider")
		return false, errors.Wrap(err, "find provider")
	}
	return doc.VerificationStatus == verifiedStatus, nil
}

// PayoutRecipient returns the Omise recipient the provider is paid to.
func (p *ProviderDirectory) PayoutRecipient(ctx context.Context, providerID string) (string, error) {
	var doc ProviderDoc
	opts := options.FindOne().SetProjection(bson.M{"omise_recipient_id": 1})
	err := p.coll.FindOne(ctx, bson.M{"_id": providerID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", errors.Wrapf(domain.ErrNotFound, "provider %s", providerID)
	}
	if err != nil {
		return "", errors.Wrap(err, "find provider")
	}
	if doc.RecipientID == "" {
		return "", errors.Wrapf(domain.ErrNotFound, "provider %s has no payout recipient", providerID)
	}
	return doc.RecipientID, nil
}

func (p *ProviderDirectory) UpsertProvider(ctx context.Context, doc ProviderDoc) error {
	doc.UpdatedAt = time.Now()
	_, err := p.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrapf(err, "upsert provider %s", doc.ID)
	}
	return nil
}
