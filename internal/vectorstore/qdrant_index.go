package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
)

// Numeric mirrors of payload fields, used only for range filters.
const (
	fieldImportance = "importance_num"
	fieldCreatedAt  = "created_at_us"
)

// QdrantIndex stores every owner's memories in one collection, partitioned by
// the owner_id payload field.
type QdrantIndex struct {
	client     *Client
	collection string
	logger     *zap.Logger
}

// NewQdrantIndex ensures the collection exists and returns the index.
func NewQdrantIndex(ctx context.Context, client *Client, collection string, dimension int, logger *zap.Logger) (*QdrantIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant index %s: dimension must be positive", collection)
	}
	if err := client.EnsureCollection(ctx, collection, uint64(dimension), memory.PayloadOwner); err != nil {
		return nil, err
	}
	return &QdrantIndex{client: client, collection: collection, logger: logger}, nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, m *memory.Memory) error {
	fields, err := memory.EncodePayload(m)
	if err != nil {
		return err
	}
	payload := make(map[string]*pb.Value, len(fields)+2)
	for k, v := range fields {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	payload[fieldImportance] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: m.Importance}}
	payload[fieldCreatedAt] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: m.CreatedAt.UnixMicro()}}
	return q.client.Upsert(ctx, q.collection, m.ID, m.Vector, payload)
}

func (q *QdrantIndex) Search(ctx context.Context, ownerID string, vector []float32, k int, f memory.Filter) ([]memory.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	res, err := q.client.Search(ctx, q.collection, vector, uint64(k), buildFilter(ownerID, f))
	if err != nil {
		return nil, err
	}
	hits := make([]memory.Hit, len(res))
	for i, r := range res {
		hits[i] = memory.Hit{ID: r.ID, Similarity: float64(r.Score)}
	}
	return hits, nil
}

func (q *QdrantIndex) IDs(ctx context.Context, ownerID string) ([]string, error) {
	return q.client.ScrollIDs(ctx, q.collection, buildFilter(ownerID, memory.Filter{}))
}

func (q *QdrantIndex) Fetch(ctx context.Context, ownerID, id string) (*memory.Memory, error) {
	r, err := q.client.Get(ctx, q.collection, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("fetch %s: %w", id, memory.ErrNotFound)
	}
	m, err := memory.DecodePayload(id, r.Payload, r.Vector)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s owned by %s, not %s", memory.ErrCorruptPayload, id, m.OwnerID, ownerID)
	}
	return m, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, _ string, ids ...string) error {
	return q.client.Delete(ctx, q.collection, ids...)
}

func keywordCondition(key string, values ...string) *pb.Condition {
	match := &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: values[0]}}
	if len(values) > 1 {
		match = &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}}}
	}
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{Key: key, Match: match}}}
}

func rangeCondition(key string, r *pb.Range) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{Key: key, Range: r}}}
}

func kindStrings(ks []memory.Kind) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return out
}

// buildFilter translates a memory.Filter into Qdrant payload conditions.
func buildFilter(ownerID string, f memory.Filter) *pb.Filter {
	filter := &pb.Filter{Must: []*pb.Condition{keywordCondition(memory.PayloadOwner, ownerID)}}
	if len(f.Kinds) > 0 {
		filter.Must = append(filter.Must, keywordCondition(memory.PayloadKind, kindStrings(f.Kinds)...))
	}
	if len(f.ExcludeKinds) > 0 {
		filter.MustNot = append(filter.MustNot, keywordCondition(memory.PayloadKind, kindStrings(f.ExcludeKinds)...))
	}
	if f.MinImportance > 0 {
		gte := f.MinImportance
		filter.Must = append(filter.Must, rangeCondition(fieldImportance, &pb.Range{Gte: &gte}))
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		r := &pb.Range{}
		if !f.Since.IsZero() {
			since := float64(f.Since.UnixMicro())
			r.Gte = &since
		}
		if !f.Until.IsZero() {
			until := float64(f.Until.UnixMicro())
			r.Lt = &until
		}
		filter.Must = append(filter.Must, rangeCondition(fieldCreatedAt, r))
	}
	return filter
}
