package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/planning"
	"github.com/nidhogg/simulacra/internal/reflection"
)

// Type names a cognitive event.
type Type string

const (
	TypeMemoryRecorded     Type = "memory.recorded"
	TypePlanCreated        Type = "plan.created"
	TypeReflectionsWritten Type = "reflection.written"
)

// Event is one entry on the stream.
type Event struct {
	StreamID string          `json:"stream_id,omitempty"`
	Type     Type            `json:"type"`
	AgentID  string          `json:"agent_id"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload"`
}

// MemoryPayload is carried by memory.recorded events. The vector is omitted.
type MemoryPayload struct {
	ID         string      `json:"id"`
	Kind       memory.Kind `json:"kind"`
	Importance float64     `json:"importance"`
	Content    string      `json:"content"`
}

type PlanPayload struct {
	ID      string          `json:"id"`
	Reason  planning.Reason `json:"reason"`
	ForDate string          `json:"for_date"`
	Goals   []string        `json:"goals"`
	Blocks  int             `json:"blocks"`
}

type ReflectionPayload struct {
	Reflections []string `json:"reflections"`
	Candidates  []string `json:"candidates"`
}

const defaultMaxLen = 10000

// Bus publishes cognitive events to a single Redis stream. It satisfies the
// orchestrator's Observer contract.
type Bus struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	now    func() time.Time
	logger *zap.Logger
}

// Dial connects to redisURL and verifies the connection.
func Dial(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, stream, logger), nil
}

func New(rdb *redis.Client, stream string, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, stream: stream, maxLen: defaultMaxLen, now: time.Now, logger: logger}
}

// Publish appends ev to the stream, trimming it to roughly maxLen entries.
func (b *Bus) Publish(ctx context.Context, ev *Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":  string(ev.Type),
			"agent": ev.AgentID,
			"data":  string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", b.stream, err)
	}
	b.logger.Debug("published event",
		zap.String("type", string(ev.Type)),
		zap.String("agent", ev.AgentID),
		zap.String("id", id))
	return id, nil
}

func (b *Bus) emit(ctx context.Context, typ Type, agentID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	_, err = b.Publish(ctx, &Event{Type: typ, AgentID: agentID, At: b.now().UTC(), Payload: raw})
	return err
}

func (b *Bus) MemoryRecorded(ctx context.Context, m *memory.Memory) error {
	return b.emit(ctx, TypeMemoryRecorded, m.OwnerID, MemoryPayload{
		ID:         m.ID,
		Kind:       m.Kind,
		Importance: m.Importance,
		Content:    m.Content,
	})
}

func (b *Bus) PlanCreated(ctx context.Context, p *planning.Plan, reason planning.Reason) error {
	return b.emit(ctx, TypePlanCreated, p.OwnerID, PlanPayload{
		ID:      p.ID,
		Reason:  reason,
		ForDate: p.ForDate.Format("2006-01-02"),
		Goals:   p.Goals,
		Blocks:  len(p.Blocks),
	})
}

// ReflectionsWritten publishes nothing for an empty outcome.
func (b *Bus) ReflectionsWritten(ctx context.Context, agentID string, out *reflection.Outcome) error {
	if out == nil || len(out.Reflections) == 0 {
		return nil
	}
	return b.emit(ctx, TypeReflectionsWritten, agentID, ReflectionPayload{
		Reflections: ids(out.Reflections),
		Candidates:  ids(out.Candidates),
	})
}

func ids(ms []*memory.Memory) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// Recent returns up to count events, newest first. An agentID filters the
// result after reading.
func (b *Bus) Recent(ctx context.Context, agentID string, count int64) ([]*Event, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, b.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.stream, err)
	}
	out := make([]*Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, ok := decode(msg)
		if !ok || (agentID != "" && ev.AgentID != agentID) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe streams events after lastID ("$" for new ones only, "0" for the
// whole stream). A non-empty agentID keeps only that agent's events. Failed
// reads are retried with exponential backoff. The channel is closed when ctx
// ends or the client is closed.
func (b *Bus) Subscribe(ctx context.Context, agentID, lastID string) <-chan *Event {
	ch := make(chan *Event, 16)
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = 100 * time.Millisecond
		retry.MaxInterval = 5 * time.Second
		retry.MaxElapsedTime = 0

		for ctx.Err() == nil {
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			switch {
			case err == nil, errors.Is(err, redis.Nil):
				retry.Reset()
			case ctx.Err() != nil:
				return
			case errors.Is(err, redis.ErrClosed):
				b.logger.Debug("event subscription ended, client closed", zap.String("stream", b.stream))
				return
			default:
				wait := retry.NextBackOff()
				b.logger.Warn("event read failed",
					zap.String("stream", b.stream), zap.Duration("retry_in", wait), zap.Error(err))
				if !sleep(ctx, wait) {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					ev, ok := decode(msg)
					if !ok || (agentID != "" && ev.AgentID != agentID) {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func decode(msg redis.XMessage) (*Event, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, false
	}
	var ev Event
	if json.Unmarshal([]byte(data), &ev) != nil {
		return nil, false
	}
	ev.StreamID = msg.ID
	return &ev, true
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}
