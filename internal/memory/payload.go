package memory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Payload keys shared by every vector index.
const (
	PayloadOwner      = "owner_id"
	PayloadContent    = "content"
	PayloadKind       = "kind"
	PayloadImportance = "importance"
	PayloadCreatedAt  = "created_at"
	PayloadMetadata   = "metadata"
	PayloadCitations  = "citations"
)

// EncodePayload flattens the attributes of m into string fields so an index
// can hold enough to rebuild the structured record.
func EncodePayload(m *Memory) (map[string]string, error) {
	p := map[string]string{
		PayloadOwner:      m.OwnerID,
		PayloadContent:    m.Content,
		PayloadKind:       string(m.Kind),
		PayloadImportance: strconv.FormatFloat(m.Importance, 'f', -1, 64),
		PayloadCreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		p[PayloadMetadata] = string(b)
	}
	if len(m.Citations) > 0 {
		b, err := json.Marshal(m.Citations)
		if err != nil {
			return nil, fmt.Errorf("encode citations: %w", err)
		}
		p[PayloadCitations] = string(b)
	}
	return p, nil
}

// DecodePayload is the inverse of EncodePayload. Any missing or malformed
// field yields ErrCorruptPayload.
func DecodePayload(id string, p map[string]string, vector []float32) (*Memory, error) {
	m := &Memory{ID: id, Vector: vector, OwnerID: p[PayloadOwner], Content: p[PayloadContent]}
	if m.OwnerID == "" || m.Content == "" {
		return nil, fmt.Errorf("%w: %s missing owner or content", ErrCorruptPayload, id)
	}
	m.Kind = Kind(p[PayloadKind])
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %s has kind %q", ErrCorruptPayload, id, p[PayloadKind])
	}
	imp, err := strconv.ParseFloat(p[PayloadImportance], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s importance: %v", ErrCorruptPayload, id, err)
	}
	m.Importance = ClampImportance(imp)
	m.CreatedAt, err = time.Parse(time.RFC3339Nano, p[PayloadCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("%w: %s created_at: %v", ErrCorruptPayload, id, err)
	}
	if raw := p[PayloadMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %s metadata: %v", ErrCorruptPayload, id, err)
		}
	}
	if raw := p[PayloadCitations]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Citations); err != nil {
			return nil, fmt.Errorf("%w: %s citations: %v", ErrCorruptPayload, id, err)
		}
	}
	if m.Kind == KindReflection && len(m.Citations) == 0 {
		return nil, fmt.Errorf("%w: %s reflection without citations", ErrCorruptPayload, id)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: %s has no vector", ErrCorruptPayload, id)
	}
	return m, nil
}
