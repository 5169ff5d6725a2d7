// Package qdrant provides a vector driver backed by a Qdrant collection over
// gRPC.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"

	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/vector"
)

// DefaultPort is the Qdrant gRPC port.
const DefaultPort = 6334

// Config holds configuration for the Qdrant driver.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	// Collection defaults to "captain_frames".
	Collection string

	// Dimensions is the vector size used when creating the collection.
	Dimensions uint
}

// Driver implements vector.Driver on a Qdrant collection. Points use the
// frame id as their numeric id.
type Driver struct {
	client     *qdrant.Client
	collection string
	dims       uint
	logger     *slog.Logger
}

var _ vector.Driver = (*Driver)(nil)

// NewDriver connects and creates the collection when missing.
func NewDriver(ctx context.Context, c Config, log *slog.Logger) (*Driver, error) {
	log = logger.OrNop(log)

	if c.Host == "" {
		return nil, errors.New("qdrant host is required")
	}
	if c.Dimensions == 0 {
		return nil, errors.New("qdrant embedding dimensions cannot be 0, must be configured")
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Collection == "" {
		c.Collection = "captain_frames"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   c.Host,
		Port:   c.Port,
		APIKey: c.APIKey,
		UseTLS: c.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vector.ErrConnection, err)
	}

	exists, err := client.CollectionExists(ctx, c.Collection)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", vector.ErrConnection, err)
	}
	if !exists {
		err := client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: c.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(c.Dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("creating collection %s: %w", c.Collection, err)
		}
	}

	log.Info("qdrant vector driver initialized",
		"host", c.Host,
		"port", c.Port,
		"collection", c.Collection,
		"dimensions", c.Dimensions,
	)

	return &Driver{client: client, collection: c.Collection, dims: c.Dimensions, logger: log}, nil
}

func pointIDs(ids []frame.ID) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		out[i] = qdrant.NewIDNum(uint64(id))
	}
	return out
}

// Add upserts documents and waits for the write to be applied.
func (d *Driver) Add(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, doc := range docs {
		if uint(len(doc.Embedding)) != d.dims {
			return fmt.Errorf("%w: frame %d has %d, index has %d", vector.ErrDimensions, doc.ID, len(doc.Embedding), d.dims)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(doc.ID)),
			Vectors: qdrant.NewVectors(doc.Embedding...),
		})
	}

	wait := true
	if _, err := d.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: d.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}

	d.logger.Debug("added documents to qdrant", "count", len(docs))
	return nil
}

// Query returns the topK most similar points. Scores are cosine similarity.
func (d *Driver) Query(ctx context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	limit := uint64(topK)
	points, err := d.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: d.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying points: %w", err)
	}

	results := make([]vector.QueryResult, 0, len(points))
	for _, p := range points {
		results = append(results, vector.QueryResult{
			Document: vector.Document{ID: frame.ID(p.GetId().GetNum())},
			Score:    p.GetScore(),
		})
	}
	return results, nil
}

// Get reports which of ids exist. Embeddings are not fetched back.
func (d *Driver) Get(ctx context.Context, ids []frame.ID) ([]vector.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	points, err := d.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: d.collection,
		Ids:            pointIDs(ids),
	})
	if err != nil {
		return nil, fmt.Errorf("getting points: %w", err)
	}

	docs := make([]vector.Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, vector.Document{ID: frame.ID(p.GetId().GetNum())})
	}
	return docs, nil
}

// Delete removes points by id.
func (d *Driver) Delete(ctx context.Context, ids []frame.ID) error {
	if len(ids) == 0 {
		return nil
	}

	wait := true
	if _, err := d.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: d.collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelector(pointIDs(ids)...),
	}); err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (d *Driver) Close() error {
	return d.client.Close()
}
