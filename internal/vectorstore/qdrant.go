package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	payloadArticleID = "article_id"
	payloadSlot      = "slot"
)

// QdrantStore implements Searcher on a Qdrant collection. Points are keyed by
// their slot number so the collection mirrors the flat index slot for slot.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	return newQdrantStore(&qdrant.Config{
		Host: host,
		Port: port,
	}, collection)
}

func newQdrantStore(cfg *qdrant.Config, collection string) (*QdrantStore, error) {
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantStore{client: client, collection: collection}, nil
}

// collectionMissing reports whether err is Qdrant's answer for a collection
// that has not been created yet.
func collectionMissing(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.NotFound
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the collection with cosine distance unless it exists.
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
	return nil
}

// Recreate drops the collection if present and creates it empty. The index
// build uses it so the collection is never a mix of two builds.
func (s *QdrantStore) Recreate(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
	}
	return s.EnsureCollection(ctx, dimension)
}

// Upsert writes points keyed by slot.
func (s *QdrantStore) Upsert(ctx context.Context, points []ArticlePoint) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(p.Slot)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: map[string]*qdrant.Value{
				payloadArticleID: qdrant.NewValueString(p.ArticleID),
				payloadSlot:      qdrant.NewValueInt(int64(p.Slot)),
			},
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search performs similarity search with the score threshold applied server
// side. A collection that does not exist yet searches as an empty index.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]SearchResult, error) {
	if topK <= 0 {
		return []SearchResult{}, nil
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(minScore),
	})
	if err != nil {
		if collectionMissing(err) {
			return []SearchResult{}, nil
		}
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		result := SearchResult{
			Slot:  int(point.GetId().GetNum()),
			Score: point.GetScore(),
		}
		if v, ok := point.GetPayload()[payloadArticleID]; ok {
			result.ArticleID = v.GetStringValue()
		}
		if result.ArticleID == "" || result.Score < minScore {
			continue
		}
		results = append(results, result)
	}

	sortResults(results)
	return results, nil
}

// Count returns the exact number of points in the collection, zero when the
// collection does not exist yet.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		if collectionMissing(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(n), nil
}

// Ensure QdrantStore implements Searcher
var _ Searcher = (*QdrantStore)(nil)
