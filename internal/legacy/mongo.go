package legacy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Source yields the legacy documents in import order.
type Source interface {
	Users(ctx context.Context) ([]User, error)
	Servers(ctx context.Context) ([]Server, error)
	Projects(ctx context.Context) ([]Project, error)
	Databases(ctx context.Context) ([]Database, error)
	Plans(ctx context.Context) ([]Plan, error)
}

// MongoSource reads the legacy collections.
type MongoSource struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens the legacy database and verifies it answers.
func Connect(ctx context.Context, uri, database string) (*MongoSource, error) {
	if uri == "" {
		return nil, errors.New("legacy mongodb uri is empty")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetConnectTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoSource{client: client, db: client.Database(database)}, nil
}

// Close disconnects the client.
func (s *MongoSource) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoSource) Users(ctx context.Context) ([]User, error) {
	var out []User
	err := s.all(ctx, "users", &out)
	return out, err
}

func (s *MongoSource) Servers(ctx context.Context) ([]Server, error) {
	var out []Server
	err := s.all(ctx, "servers", &out)
	return out, err
}

func (s *MongoSource) Projects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := s.all(ctx, "projects", &out)
	return out, err
}

func (s *MongoSource) Databases(ctx context.Context) ([]Database, error) {
	var out []Database
	err := s.all(ctx, "databases", &out)
	return out, err
}

func (s *MongoSource) Plans(ctx context.Context) ([]Plan, error) {
	var out []Plan
	err := s.all(ctx, "plans", &out)
	return out, err
}

// all decodes every document of collection, oldest first.
func (s *MongoSource) all(ctx context.Context, collection string, dst any) error {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	if err := cur.All(ctx, dst); err != nil {
		return fmt.Errorf("decode %s: %w", collection, err)
	}
	return nil
}
