package vectorstore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

type QdrantConfig struct {
	// URL is the gRPC address, e.g. "http://localhost:6334" or "https://xyz.cloud.qdrant.io:6334".
	URL        string
	Collection string
	APIKey     string
}

// QdrantIndex stores one point per recipe, keyed by the numeric recipe id.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string

	ensureMu sync.Mutex
	ensured  bool
}

var (
	_ Searcher = (*QdrantIndex)(nil)
	_ Indexer  = (*QdrantIndex)(nil)
)

func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}

	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantIndex{client: client, collection: cfg.Collection}, nil
}

// parseQdrantURL splits a qdrant address into gRPC dial settings. Without a scheme, local and
// single-label hosts (localhost, docker service names) are dialed in plaintext and anything else over TLS.
func parseQdrantURL(raw string) (host string, port int, useTLS bool, err error) {
	explicit := strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
	if !explicit {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to parse qdrant url: %w", err)
	}
	useTLS = u.Scheme == "https"
	if !explicit && isLocalHost(u.Hostname()) {
		useTLS = false
	}
	port = 6334
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid qdrant port: %w", err)
		}
	}
	return u.Hostname(), port, useTLS, nil
}

func isLocalHost(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate()
	}
	return host == "localhost" || !strings.Contains(host, ".")
}

func (q *QdrantIndex) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	limit := uint64(topK)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	matches := make([]Match, 0, len(points))
	for _, point := range points {
		if point.Id == nil {
			continue
		}
		matches = append(matches, Match{
			ID:         int64(point.Id.GetNum()),
			Similarity: point.Score,
		})
	}
	return matches, nil
}

// ensureCollection creates a cosine collection sized to the first vector written.
func (q *QdrantIndex) ensureCollection(ctx context.Context, size int) error {
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.ensured {
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check qdrant collection: %w", err)
	}
	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(size),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create qdrant collection %s: %w", q.collection, err)
		}
	}
	q.ensured = true
	return nil
}

func (q *QdrantIndex) UpsertEmbedding(ctx context.Context, recipeID int64, vector []float32) error {
	if err := q.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}
	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDNum(uint64(recipeID)),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(map[string]any{"recipe_id": recipeID}),
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert of recipe %d failed: %w", recipeID, err)
	}
	return nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
