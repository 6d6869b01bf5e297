package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/poolai/knowledge-engine/engine/domain"
)

// Qdrant is an Index backed by a remote Qdrant collection.
//
// The collection is created with Euclid distance, so the score Qdrant returns
// is the same Euclidean distance the Flat index computes and results arrive
// ordered ascending. Point ids are UUIDs derived deterministically from the
// document id, which makes Add idempotent per document.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrant connects to Qdrant at the given gRPC address.
func NewQdrant(addr, collection string) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("index: dial qdrant %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error { return q.conn.Close() }

// Build drops and recreates the collection, then upserts all records.
func (q *Qdrant) Build(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return fmt.Errorf("index: build: %w", domain.ErrEmptyCorpus)
	}
	dim := len(records[0].Vector)
	for _, r := range records {
		if len(r.Vector) != dim {
			return fmt.Errorf("index: build: record %s has dimension %d, collection has %d",
				r.DocumentID, len(r.Vector), dim)
		}
	}

	// Recreate rather than point-delete: a rebuild must leave no stale vectors.
	_, _ = q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection})
	if err := q.ensureCollection(ctx, dim); err != nil {
		return err
	}
	return q.upsert(ctx, records)
}

// Add upserts a single record, creating the collection if needed.
func (q *Qdrant) Add(ctx context.Context, rec Record) error {
	if err := q.ensureCollection(ctx, len(rec.Vector)); err != nil {
		return err
	}
	return q.upsert(ctx, []Record{rec})
}

// Search performs k-NN search and maps Qdrant scores back to distances.
func (q *Qdrant) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("index: search: %w", domain.ErrInvalidTopK)
	}
	n, err := q.Len(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("index: search: %w", domain.ErrIndexNotReady)
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		h := Hit{Distance: float64(r.GetScore())}
		for key, val := range r.GetPayload() {
			s := val.GetStringValue()
			switch key {
			case "document_id":
				h.DocumentID = s
			case "title":
				h.Meta.Title = s
			case "language":
				h.Meta.Language = s
			case "tags":
				if s != "" {
					h.Meta.Tags = strings.Split(s, ",")
				}
			}
		}
		hits[i] = h
	}
	return hits, nil
}

// Len returns the number of points in the collection; a missing collection
// counts as zero.
func (q *Qdrant) Len(ctx context.Context) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{
		CollectionName: q.collection,
		Exact:          &exact,
	})
	if err != nil {
		if !q.collectionExists(ctx) {
			return 0, nil
		}
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func (q *Qdrant) ensureCollection(ctx context.Context, dim int) error {
	if q.collectionExists(ctx) {
		return nil
	}
	_, err := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: create collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *Qdrant) collectionExists(ctx context.Context) bool {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return true
		}
	}
	return false
}

func (q *Qdrant) upsert(ctx context.Context, records []Record) error {
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		pointID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.DocumentID)).String()
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}},
			},
			Payload: map[string]*pb.Value{
				"document_id": {Kind: &pb.Value_StringValue{StringValue: r.DocumentID}},
				"title":       {Kind: &pb.Value_StringValue{StringValue: r.Meta.Title}},
				"language":    {Kind: &pb.Value_StringValue{StringValue: r.Meta.Language}},
				"tags":        {Kind: &pb.Value_StringValue{StringValue: strings.Join(r.Meta.Tags, ",")}},
			},
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("index: upsert %d points: %w", len(records), err)
	}
	return nil
}
