package seatregistry

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoOption configures a MongoRegistry.
type MongoOption func(*MongoRegistry)

// WithCollectionName sets the MongoDB collection name. Default: "cnw_loader_seats".
func WithCollectionName(name string) MongoOption {
	return func(r *MongoRegistry) {
		r.collectionName = name
	}
}

// MongoRegistry implements Registry using MongoDB.
type MongoRegistry struct {
	collection     *mongo.Collection
	collectionName string
	client         *mongo.Client // set only when the registry owns the connection
}

// NewMongoRegistry creates a MongoDB-backed seat registry and its indexes.
func NewMongoRegistry(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoRegistry, error) {
	r := &MongoRegistry{
		collectionName: defaultName,
	}
	for _, opt := range opts {
		opt(r)
	}
	if !validIdentifier.MatchString(r.collectionName) {
		return nil, fmt.Errorf("invalid collection name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", r.collectionName)
	}
	r.collection = db.Collection(r.collectionName)

	if err := r.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return r, nil
}

// OpenMongo connects to uri and returns a registry on database that disconnects on Close.
func OpenMongo(ctx context.Context, uri, database string, opts ...MongoOption) (*MongoRegistry, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	r, err := NewMongoRegistry(ctx, client.Database(database), opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	r.client = client
	return r, nil
}

func (r *MongoRegistry) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "fingerprint", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "license_id", Value: 1},
				{Key: "last_seen_at", Value: 1},
			},
		},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (r *MongoRegistry) Claim(ctx context.Context, seat Seat) (*Seat, error) {
	if err := validSeat(seat); err != nil {
		return nil, err
	}
	now := time.Now()
	filter := bson.M{"fingerprint": seat.Fingerprint}
	update := bson.M{
		"$set": bson.M{
			"license_id":   seat.LicenseID,
			"username":     seat.Username,
			"license_type": seat.LicenseType,
			"hostname":     seat.Hostname,
			"os":           seat.OS,
			"last_seen_at": now,
		},
		"$setOnInsert": bson.M{
			"claimed_at": now,
		},
	}

	// ReturnDocument=After yields the stored claimed_at for existing seats.
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var result Seat
	if err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result); err != nil {
		return nil, fmt.Errorf("claim seat: %w", err)
	}
	return &result, nil
}

func (r *MongoRegistry) Release(ctx context.Context, fingerprint string) error {
	if _, err := r.collection.DeleteOne(ctx, bson.M{"fingerprint": fingerprint}); err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	return nil
}

func (r *MongoRegistry) Count(ctx context.Context, licenseID string) (int, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"license_id": licenseID})
	if err != nil {
		return 0, fmt.Errorf("count seats: %w", err)
	}
	return int(count), nil
}

func (r *MongoRegistry) List(ctx context.Context, licenseID string) ([]Seat, error) {
	opts := options.Find().SetSort(bson.D{{Key: "claimed_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"license_id": licenseID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	var seats []Seat
	if err := cursor.All(ctx, &seats); err != nil {
		return nil, fmt.Errorf("decode seats: %w", err)
	}
	return seats, nil
}

func (r *MongoRegistry) Touch(ctx context.Context, fingerprint string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"fingerprint": fingerprint},
		bson.M{"$set": bson.M{"last_seen_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("touch seat: %w", err)
	}
	return nil
}

func (r *MongoRegistry) Prune(ctx context.Context, licenseID string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := r.collection.DeleteMany(ctx, bson.M{
		"license_id":   licenseID,
		"last_seen_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("prune seats: %w", err)
	}
	return int(result.DeletedCount), nil
}

func (r *MongoRegistry) Close(ctx context.Context) error {
	if r.client != nil {
		return r.client.Disconnect(ctx)
	}
	return nil
}
