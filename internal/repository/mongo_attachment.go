package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mansoorceksport/stapler/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	attachmentCollectionName = "attachments"
)

// MongoAttachmentRepository implements domain.AttachmentRepository using MongoDB
type MongoAttachmentRepository struct {
	collection *mongo.Collection
}

// NewMongoAttachmentRepository creates a new MongoDB repository
func NewMongoAttachmentRepository(db *mongo.Database) *MongoAttachmentRepository {
	collection := db.Collection(attachmentCollectionName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// One record per attachment field of an owner
	indexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "owner_class", Value: 1},
			{Key: "owner_id", Value: 1},
			{Key: "name", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, _ = collection.Indexes().CreateOne(ctx, indexModel)

	return &MongoAttachmentRepository{
		collection: collection,
	}
}

func ownerFilter(owner domain.Owner, name string) bson.M {
	return bson.M{"owner_class": owner.Class, "owner_id": owner.ID, "name": name}
}

// Upsert creates or replaces the record for (owner, name), keeping the
// original id and creation time of an existing record
func (r *MongoAttachmentRepository) Upsert(ctx context.Context, record *domain.AttachmentRecord) error {
	owner := domain.Owner{Class: record.OwnerClass, ID: record.OwnerID}

	existing, err := r.Get(ctx, owner, record.Name)
	switch {
	case err == nil:
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	case errors.Is(err, domain.ErrNotFound):
		if record.ID == "" {
			record.ID = primitive.NewObjectID().Hex()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
	default:
		return err
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, ownerFilter(owner, record.Name), record, opts); err != nil {
		return fmt.Errorf("failed to upsert attachment record: %w", err)
	}
	return nil
}

// Get retrieves the record of an owner's attachment
func (r *MongoAttachmentRepository) Get(ctx context.Context, owner domain.Owner, name string) (*domain.AttachmentRecord, error) {
	var record domain.AttachmentRecord
	err := r.collection.FindOne(ctx, ownerFilter(owner, name)).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find attachment record: %w", err)
	}
	return &record, nil
}

// ListByOwner returns every attachment record of an owner, sorted by name
func (r *MongoAttachmentRepository) ListByOwner(ctx context.Context, owner domain.Owner) ([]*domain.AttachmentRecord, error) {
	filter := bson.M{"owner_class": owner.Class, "owner_id": owner.ID}
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find attachment records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*domain.AttachmentRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode attachment records: %w", err)
	}
	return records, nil
}

// Delete removes the record of an owner's attachment
func (r *MongoAttachmentRepository) Delete(ctx context.Context, owner domain.Owner, name string) error {
	result, err := r.collection.DeleteOne(ctx, ownerFilter(owner, name))
	if err != nil {
		return fmt.Errorf("failed to delete attachment record: %w", err)
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
