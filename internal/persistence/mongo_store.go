package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/pkg/api"
)

// MongoRunStore is a RunStore backed by a MongoDB collection.
type MongoRunStore struct {
	coll *mongo.Collection
}

var _ api.RunStore = (*MongoRunStore)(nil)

// NewMongoRunStore creates a Mongo-backed run store.
// dbName defaults to "stepflow" if empty, collName defaults to "runs".
func NewMongoRunStore(client *mongo.Client, dbName, collName string) *MongoRunStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "runs"
	}
	return &MongoRunStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoRunDoc struct {
	ID        string `bson:"_id"`
	GraphID   string `bson:"graph_id"`
	Status    string `bson:"status"`
	CreatedAt int64  `bson:"created_at"`
	UpdatedAt int64  `bson:"updated_at"`
	Data      []byte `bson:"data"`
}

func (s *MongoRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	doc := mongoRunDoc{
		ID:        snap.RunID,
		GraphID:   snap.GraphID,
		Status:    string(snap.Status),
		CreatedAt: snap.CreatedAt.UnixNano(),
		UpdatedAt: snap.UpdatedAt.UnixNano(),
		Data:      data,
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": snap.RunID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoRunStore) GetRun(ctx context.Context, runID string) (*api.RunSnapshot, error) {
	var doc mongoRunDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeSnapshot(doc.Data)
}

func (s *MongoRunStore) ClaimRun(ctx context.Context, prev, next *api.RunSnapshot) error {
	data, err := EncodeSnapshot(next)
	if err != nil {
		return err
	}
	filter := bson.M{
		"_id":        prev.RunID,
		"status":     string(prev.Status),
		"updated_at": prev.UpdatedAt.UnixNano(),
	}
	update := bson.M{"$set": bson.M{
		"graph_id":   next.GraphID,
		"status":     string(next.Status),
		"updated_at": next.UpdatedAt.UnixNano(),
		"data":       data,
	}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": prev.RunID})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return ErrRunConflict
}

func (s *MongoRunStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunSnapshot, error) {
	query := bson.M{}
	if filter.GraphID != "" {
		query["graph_id"] = filter.GraphID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.RunSnapshot
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		snap, err := DecodeSnapshot(doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, cur.Err()
}

func (s *MongoRunStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": runID})
	return err
}
