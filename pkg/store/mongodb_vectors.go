package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const mongoCloseTimeout = 5 * time.Second

// MongoVectors keeps one document per task id. Similarity is computed
// client-side so it works on any MongoDB deployment, not only Atlas.
type MongoVectors struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoVectorDocument struct {
	ID        int64     `bson:"_id"`
	Embedding []float64 `bson:"embedding"`
	Text      string    `bson:"text"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func NewMongoVectors(ctx context.Context, uri, database, collection string) (*MongoVectors, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	if collection == "" {
		collection = "task_vectors"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &MongoVectors{client: client, collection: client.Database(database).Collection(collection)}, nil
}

func (ms *MongoVectors) Upsert(ctx context.Context, e task.VectorEntry) error {
	if ms == nil || ms.collection == nil {
		return errors.New("mongo vector store not configured")
	}
	doc := mongoVectorDocument{
		ID:        e.ID,
		Embedding: float64Embedding(e.Vector),
		Text:      e.Text,
		UpdatedAt: e.UpdatedAt.UTC(),
	}
	_, err := ms.collection.ReplaceOne(ctx, bson.M{"_id": e.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (ms *MongoVectors) Get(ctx context.Context, id int64) (task.VectorEntry, error) {
	var doc mongoVectorDocument
	err := ms.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return task.VectorEntry{}, task.ErrNotFound
	}
	if err != nil {
		return task.VectorEntry{}, err
	}
	return doc.entry(), nil
}

func (ms *MongoVectors) Delete(ctx context.Context, id int64) error {
	if ms == nil || ms.collection == nil {
		return nil
	}
	_, err := ms.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (ms *MongoVectors) Query(ctx context.Context, vec []float32, k int) ([]task.Neighbor, error) {
	if ms == nil || ms.collection == nil || k <= 0 {
		return nil, nil
	}
	opts := options.Find().SetProjection(bson.M{"embedding": 1})
	cursor, err := ms.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []task.Neighbor
	for cursor.Next(ctx) {
		var doc mongoVectorDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, task.Neighbor{ID: doc.ID, Score: task.CosineSimilarity(vec, float32Embedding(doc.Embedding))})
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return topK(out, k), nil
}

func (ms *MongoVectors) IDs(ctx context.Context) ([]int64, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := ms.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var ids []int64
	for cursor.Next(ctx) {
		var doc struct {
			ID int64 `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

func (ms *MongoVectors) Close() error {
	if ms == nil || ms.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoCloseTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

func (d mongoVectorDocument) entry() task.VectorEntry {
	return task.VectorEntry{
		ID:        d.ID,
		Vector:    float32Embedding(d.Embedding),
		Text:      d.Text,
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func float64Embedding(vec []float32) []float64 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func float32Embedding(vec []float64) []float32 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
