// Package vector indexes message embeddings in Qdrant for semantic retrieval.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

const defaultTimeout = 10 * time.Second

// Point is one embedded message to index.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is a scored search result with its stored payload.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Index wraps one Qdrant collection holding message embeddings.
type Index struct {
	client     *qdrant.Client
	collection string
	dimensions int
	timeout    time.Duration
	logger     *slog.Logger
}

// NewIndex connects to Qdrant at baseURL and binds the given collection.
func NewIndex(log *slog.Logger, baseURL, apiKey, collection string, dimensions int, timeout time.Duration) (*Index, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("qdrant vector dimensions must be positive")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	host, port, useTLS, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}

	return &Index{
		client:     client,
		collection: collection,
		dimensions: dimensions,
		timeout:    timeout,
		logger:     log.With(slog.String("service", "vector")),
	}, nil
}

// EnsureCollection creates the collection if it does not exist yet.
func (i *Index) EnsureCollection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	exists, err := i.client.CollectionExists(ctx, i.collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", i.collection, err)
	}
	if exists {
		return nil
	}
	err = i.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(i.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %q: %w", i.collection, err)
	}
	i.logger.Info("collection created", slog.String("collection", i.collection), slog.Int("dimensions", i.dimensions))
	return nil
}

// Upsert writes points into the collection, waiting for them to be indexed.
func (i *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != i.dimensions {
			return fmt.Errorf("point %s: vector has %d dimensions, collection expects %d", p.ID, len(p.Vector), i.dimensions)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	_, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: i.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points: %w", len(structs), err)
	}
	return nil
}

// Search returns the top-k nearest points whose payload field filterKey
// matches filterValue.
func (i *Index) Search(ctx context.Context, vector []float32, filterKey, filterValue string, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := &qdrant.QueryPoints{
		CollectionName: i.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if strings.TrimSpace(filterKey) != "" {
		query.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(filterKey, filterValue)},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	scored, err := i.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", i.collection, err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, point := range scored {
		hits = append(hits, Hit{
			ID:      pointID(point.Id),
			Score:   point.Score,
			Payload: payloadMap(point.Payload),
		})
	}
	return hits, nil
}

// DeleteByFilter removes every point whose payload field key matches value.
func (i *Index) DeleteByFilter(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	_, err := i.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: i.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(key, value)},
		}),
	})
	if err != nil {
		return fmt.Errorf("delete points (%s=%s): %w", key, value, err)
	}
	return nil
}

func parseBaseURL(baseURL string) (host string, port int, useTLS bool, err error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", 0, false, fmt.Errorf("parse qdrant url: %w", err)
	}
	host = parsed.Hostname()
	if host == "" {
		return "", 0, false, fmt.Errorf("qdrant url %q has no host", baseURL)
	}
	useTLS = parsed.Scheme == "https"
	port = 6334
	if parsed.Port() != "" {
		port, err = strconv.Atoi(parsed.Port())
		if err != nil {
			return "", 0, false, fmt.Errorf("parse qdrant port: %w", err)
		}
	} else if useTLS {
		port = 443
	}
	return host, port, useTLS, nil
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func payloadMap(payload map[string]*qdrant.Value) map[string]any {
	if len(payload) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		switch kind := value.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[key] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[key] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			out[key] = kind.BoolValue
		default:
			out[key] = value.String()
		}
	}
	return out
}
