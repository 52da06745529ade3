package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/world"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig contains connection settings for the MongoDB store.
type MongoConfig struct {
	URI      string // e.g. mongodb://localhost:27017
	Database string // e.g. worldhost
	Worlds   string // e.g. worlds
	Policies string // e.g. policies
}

// MongoStore implements world.Repository and world.PolicyStore on MongoDB.
type MongoStore struct {
	client     *mongo.Client
	worlds     *mongo.Collection
	policies   *mongo.Collection
	ctxTimeout time.Duration
}

// policyDoc keeps the policy in its JSON form so limits stay textual.
type policyDoc struct {
	OwnerID string    `bson:"_id"`
	Policy  string    `bson:"policy"`
	Updated time.Time `bson:"updated_at"`
}

// NewMongoStore establishes connection and returns the store.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "worldhost"
	}
	if cfg.Worlds == "" {
		cfg.Worlds = "worlds"
	}
	if cfg.Policies == "" {
		cfg.Policies = "policies"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	// ping
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:     client,
		worlds:     db.Collection(cfg.Worlds),
		policies:   db.Collection(cfg.Policies),
		ctxTimeout: 5 * time.Second,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	hostIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "hostname", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("hostname_unique"),
	}
	ownerIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_id", Value: 1}},
		Options: options.Index().SetName("owner_id"),
	}
	_, err := s.worlds.Indexes().CreateMany(ctx, []mongo.IndexModel{hostIdx, ownerIdx})
	return err
}

func (s *MongoStore) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.ctxTimeout)
}

func (s *MongoStore) Create(ctx context.Context, w *world.World) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	_, err := s.worlds.InsertOne(ctx, w)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", world.ErrExists, w.ID)
	}
	return err
}

func (s *MongoStore) Get(ctx context.Context, id string) (*world.World, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var w world.World
	err := s.worlds.FindOne(ctx, bson.M{"_id": id}).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", world.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// List returns worlds ordered by creation time.
func (s *MongoStore) List(ctx context.Context) ([]*world.World, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.worlds.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var out []*world.World
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Update(ctx context.Context, w *world.World) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	res, err := s.worlds.ReplaceOne(ctx, bson.M{"_id": w.ID}, w)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", world.ErrNotFound, w.ID)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	res, err := s.worlds.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", world.ErrNotFound, id)
	}
	return nil
}

// GetPolicy returns the owner's policy; a missing document is the empty policy.
func (s *MongoStore) GetPolicy(ctx context.Context, ownerID string) (governance.Policy, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var doc policyDoc
	err := s.policies.FindOne(ctx, bson.M{"_id": ownerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return governance.Policy{}, nil
	}
	if err != nil {
		return governance.Policy{}, err
	}
	return governance.ParsePolicy([]byte(doc.Policy))
}

func (s *MongoStore) SavePolicy(ctx context.Context, ownerID string, p governance.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	doc := policyDoc{OwnerID: ownerID, Policy: string(data), Updated: time.Now().UTC()}
	_, err = s.policies.ReplaceOne(ctx, bson.M{"_id": ownerID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Close terminates connection.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
