package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

const (
	// DefaultCollection holds paper embeddings.
	DefaultCollection = "papers"

	payloadPaperID = "paper_id"

	// getBatchSize bounds the IDs per Get request.
	getBatchSize = 256
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	logger     *slog.Logger
}

// NewQdrantStore creates a new Qdrant vector store client.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if collection == "" {
		collection = DefaultCollection
	}
	return &QdrantStore{
		client:     client,
		collection: collection,
		logger:     slog.Default().With("component", "qdrant"),
	}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the collection (cosine distance) if it does not exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	s.logger.Info("created collection", "collection", s.collection, "dimension", dimension)
	return nil
}

// Upsert inserts or updates paper vectors.
func (s *QdrantStore) Upsert(ctx context.Context, vectors []PaperVector) error {
	if len(vectors) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(vectors))
	for i, v := range vectors {
		points[i] = toPoint(v)
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Get returns the stored vector of one paper.
func (s *QdrantStore) Get(ctx context.Context, paperID string) ([]float32, error) {
	found, err := s.GetMany(ctx, []string{paperID})
	if err != nil {
		return nil, err
	}
	vec, ok := found[paperID]
	if !ok {
		return nil, fmt.Errorf("paper %q: %w", paperID, ErrNotFound)
	}
	return vec, nil
}

// GetMany fetches stored vectors in batches.
func (s *QdrantStore) GetMany(ctx context.Context, paperIDs []string) (map[string][]float32, error) {
	found := make(map[string][]float32, len(paperIDs))
	for start := 0; start < len(paperIDs); start += getBatchSize {
		end := min(start+getBatchSize, len(paperIDs))

		ids := make([]*qdrant.PointId, 0, end-start)
		for _, id := range paperIDs[start:end] {
			ids = append(ids, qdrant.NewIDUUID(PointID(id)))
		}

		points, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.collection,
			Ids:            ids,
			WithPayload:    qdrant.NewWithPayloadInclude(payloadPaperID),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get points: %w", err)
		}

		for _, p := range points {
			paperID := p.GetPayload()[payloadPaperID].GetStringValue()
			data := p.GetVectors().GetVector().GetData()
			if paperID == "" || len(data) == 0 {
				continue
			}
			found[paperID] = data
		}
	}
	return found, nil
}

func toPoint(v PaperVector) *qdrant.PointStruct {
	payload := make(map[string]*qdrant.Value, len(v.Payload)+1)
	for k, val := range v.Payload {
		payload[k] = qdrant.NewValueString(val)
	}
	payload[payloadPaperID] = qdrant.NewValueString(v.PaperID)

	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(v.PaperID)),
		Vectors: qdrant.NewVectors(v.Vector...),
		Payload: payload,
	}
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
