package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"

	"startonce/election"
)

// MongoBackend implements election.Substrate with one collection per
// primitive. Documents are keyed "<cluster>/<name>". Lock leases compare
// against the instance clock, like the DynamoDB backend.
type MongoBackend struct {
	client      *mongo.Client
	db          *mongo.Database
	clusterName string
	nodeName    string
	memberID    string
	logger      *zap.Logger
}

type mongoFlagDoc struct {
	ID    string `bson:"_id"`
	Value bool   `bson:"value"`
}

type mongoBarrierDoc struct {
	ID    string `bson:"_id"`
	Count int    `bson:"count"`
}

type mongoMemberDoc struct {
	ID          string    `bson:"_id"`
	ClusterName string    `bson:"cluster_name"`
	NodeName    string    `bson:"node_name"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

func NewMongoBackend(ctx context.Context, url string, database string, clusterName string, nodeName string, memberTTL time.Duration, logger *zap.Logger) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url).SetTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	// Majority reads and writes so every instance sees the same lock,
	// flag and barrier state.
	db := client.Database(database, options.Database().
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(writeconcern.Majority()))

	m := &MongoBackend{
		client:      client,
		db:          db,
		clusterName: clusterName,
		nodeName:    nodeName,
		memberID:    newOwnerToken(nodeName),
		logger:      logger,
	}

	if _, err := m.members().InsertOne(ctx, mongoMemberDoc{
		ID:          m.memberID,
		ClusterName: clusterName,
		NodeName:    nodeName,
		ExpiresAt:   time.Now().Add(memberTTL),
	}); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to register member in MongoDB: %w", err)
	}

	return m, nil
}

func (m *MongoBackend) docID(name string) string {
	return m.clusterName + "/" + name
}

func (m *MongoBackend) locks() *mongo.Collection    { return m.db.Collection("locks") }
func (m *MongoBackend) flags() *mongo.Collection    { return m.db.Collection("flags") }
func (m *MongoBackend) barriers() *mongo.Collection { return m.db.Collection("barriers") }
func (m *MongoBackend) members() *mongo.Collection  { return m.db.Collection("members") }

func (m *MongoBackend) Lock(name string) election.Lock {
	return &mongoLock{backend: m, id: m.docID(name), owner: newOwnerToken(m.nodeName)}
}

func (m *MongoBackend) Flag(name string) election.Flag {
	return &mongoFlag{backend: m, id: m.docID(name)}
}

func (m *MongoBackend) Barrier(name string) election.Barrier {
	return &mongoBarrier{backend: m, id: m.docID(name)}
}

func (m *MongoBackend) Members(ctx context.Context) (int, error) {
	n, err := m.members().CountDocuments(ctx, bson.M{
		"cluster_name": m.clusterName,
		"expires_at":   bson.M{"$gt": time.Now()},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count members in MongoDB: %w", err)
	}
	return int(n), nil
}

func (m *MongoBackend) Reset(ctx context.Context) error {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(m.docID(""))}}
	for _, coll := range []*mongo.Collection{m.locks(), m.flags(), m.barriers()} {
		if _, err := coll.DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("failed to clear %s in MongoDB: %w", coll.Name(), err)
		}
	}
	return nil
}

func (m *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.members().DeleteOne(ctx, bson.M{"_id": m.memberID}); err != nil {
		m.logger.Warn("Failed to remove member from MongoDB", zap.Error(err))
	}
	return m.client.Disconnect(ctx)
}

type mongoLock struct {
	backend *MongoBackend
	id      string
	owner   string
}

// TryAcquire upserts the lock document only when it is expired or ours.
// When another instance holds it the filter misses, the upsert tries to
// insert a second document with the same _id and fails with a duplicate
// key error.
func (l *mongoLock) TryAcquire(ctx context.Context, wait, lease time.Duration) (bool, error) {
	return pollUntil(ctx, wait, pollInterval, func(ctx context.Context) (bool, error) {
		now := time.Now()
		filter := bson.M{
			"_id": l.id,
			"$or": bson.A{
				bson.M{"expires_at": bson.M{"$lt": now}},
				bson.M{"owner": l.owner},
			},
		}
		update := bson.M{"$set": bson.M{"owner": l.owner, "expires_at": now.Add(lease)}}

		_, err := l.backend.locks().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to write lock to MongoDB: %w", err)
		}
		return true, nil
	})
}

func (l *mongoLock) Release(ctx context.Context) error {
	res, err := l.backend.locks().DeleteOne(ctx, bson.M{
		"_id":        l.id,
		"owner":      l.owner,
		"expires_at": bson.M{"$gte": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to delete lock from MongoDB: %w", err)
	}
	if res.DeletedCount == 0 {
		return election.ErrNotHeld
	}
	return nil
}

type mongoFlag struct {
	backend *MongoBackend
	id      string
}

func (f *mongoFlag) Get(ctx context.Context) (bool, error) {
	var doc mongoFlagDoc
	err := f.backend.flags().FindOne(ctx, bson.M{"_id": f.id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get flag from MongoDB: %w", err)
	}
	return doc.Value, nil
}

func (f *mongoFlag) Set(ctx context.Context, v bool) error {
	_, err := f.backend.flags().UpdateOne(ctx,
		bson.M{"_id": f.id},
		bson.M{"$set": bson.M{"value": v}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write flag to MongoDB: %w", err)
	}
	return nil
}

type mongoBarrier struct {
	backend *MongoBackend
	id      string
}

func (b *mongoBarrier) TrySetCount(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		return false, fmt.Errorf("barrier count must not be negative, got %d", n)
	}
	_, err := b.backend.barriers().InsertOne(ctx, mongoBarrierDoc{ID: b.id, Count: n})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to write barrier to MongoDB: %w", err)
	}
	return true, nil
}

func (b *mongoBarrier) CountDown(ctx context.Context) error {
	_, err := b.backend.barriers().UpdateOne(ctx,
		bson.M{"_id": b.id, "count": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"count": -1}},
	)
	if err != nil {
		return fmt.Errorf("failed to count down barrier in MongoDB: %w", err)
	}
	return nil
}

func (b *mongoBarrier) Count(ctx context.Context) (int, error) {
	var doc mongoBarrierDoc
	err := b.backend.barriers().FindOne(ctx, bson.M{"_id": b.id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get barrier from MongoDB: %w", err)
	}
	return doc.Count, nil
}

func (b *mongoBarrier) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	return pollUntil(ctx, timeout, pollInterval, func(ctx context.Context) (bool, error) {
		n, err := b.Count(ctx)
		return n == 0, err
	})
}
