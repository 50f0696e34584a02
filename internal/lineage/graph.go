package lineage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/simulacra/internal/memory"
	"github.com/nidhogg/simulacra/internal/planning"
	"github.com/nidhogg/simulacra/internal/reflection"
)

// MaxDepth bounds Ancestry walks.
const MaxDepth = 8

// Node is a memory as mirrored into the graph.
type Node struct {
	ID         string      `json:"id"`
	OwnerID    string      `json:"owner_id"`
	Kind       memory.Kind `json:"kind"`
	Importance float64     `json:"importance"`
	Content    string      `json:"content"`
	Depth      int         `json:"depth,omitempty"`
}

// Graph mirrors memories into Neo4j and links each reflection to the
// memories it cites with ordered CITES relationships.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// Connect opens a driver and verifies connectivity. An empty user means no
// authentication.
func Connect(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Graph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity %s: %w", uri, err)
	}
	return New(driver, logger), nil
}

func New(driver neo4j.DriverWithContext, logger *zap.Logger) *Graph {
	return &Graph{driver: driver, logger: logger}
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraint on memory ids.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("lineage schema: %w", err)
	}
	return nil
}

func nodeParams(m *memory.Memory) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"ownerId":    m.OwnerID,
		"kind":       string(m.Kind),
		"importance": m.Importance,
		"content":    m.Content,
		"createdAt":  m.CreatedAt.UnixMicro(),
	}
}

const mergeNode = `MERGE (m:Memory {id: $id})
	SET m.owner_id = $ownerId, m.kind = $kind, m.importance = $importance,
	    m.content = $content, m.created_at = $createdAt`

// MemoryRecorded mirrors a new memory node.
func (g *Graph) MemoryRecorded(ctx context.Context, m *memory.Memory) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, mergeNode, nodeParams(m)); err != nil {
		return fmt.Errorf("mirror memory %s: %w", m.ID, err)
	}
	return nil
}

// PlanCreated is a no-op; plans carry no citations.
func (g *Graph) PlanCreated(context.Context, *planning.Plan, planning.Reason) error {
	return nil
}

// ReflectionsWritten writes every reflection node and its CITES edges in one
// transaction. Cited memories missing from the graph are created as stubs
// carrying only their id.
func (g *Graph) ReflectionsWritten(ctx context.Context, agentID string, out *reflection.Outcome) error {
	if out == nil || len(out.Reflections) == 0 {
		return nil
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, r := range out.Reflections {
			if _, err := tx.Run(ctx, mergeNode, nodeParams(r)); err != nil {
				return nil, err
			}
			_, err := tx.Run(ctx,
				`MATCH (r:Memory {id: $id})
				 UNWIND range(0, size($citations) - 1) AS pos
				 MERGE (c:Memory {id: $citations[pos]})
				 MERGE (r)-[e:CITES]->(c)
				 SET e.pos = pos`,
				map[string]any{"id": r.ID, "citations": r.Citations})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("mirror reflections for %s: %w", agentID, err)
	}
	g.logger.Debug("lineage updated",
		zap.String("agent", agentID),
		zap.Int("reflections", len(out.Reflections)))
	return nil
}

// Sources returns the memories a reflection cites, in citation order.
func (g *Graph) Sources(ctx context.Context, reflectionID string) ([]*Node, error) {
	return g.collect(ctx,
		`MATCH (:Memory {id: $id})-[e:CITES]->(m:Memory)
		 RETURN m.id AS id, m.owner_id AS owner, m.kind AS kind,
		        m.importance AS importance, m.content AS content, 1 AS depth
		 ORDER BY e.pos`,
		map[string]any{"id": reflectionID})
}

// Derived returns the reflections that cite memoryID, newest first.
func (g *Graph) Derived(ctx context.Context, memoryID string) ([]*Node, error) {
	return g.collect(ctx,
		`MATCH (m:Memory)-[:CITES]->(:Memory {id: $id})
		 RETURN m.id AS id, m.owner_id AS owner, m.kind AS kind,
		        m.importance AS importance, m.content AS content, 1 AS depth
		 ORDER BY m.created_at DESC, m.id`,
		map[string]any{"id": memoryID})
}

// Ancestry walks CITES edges transitively from memoryID up to depth hops and
// returns each reachable memory once at its shortest depth.
func (g *Graph) Ancestry(ctx context.Context, memoryID string, depth int) ([]*Node, error) {
	if depth <= 0 || depth > MaxDepth {
		depth = MaxDepth
	}
	// Variable-length bounds cannot be parameters.
	query := fmt.Sprintf(
		`MATCH p = (:Memory {id: $id})-[:CITES*1..%d]->(m:Memory)
		 WITH m, min(length(p)) AS depth
		 RETURN m.id AS id, m.owner_id AS owner, m.kind AS kind,
		        m.importance AS importance, m.content AS content, depth
		 ORDER BY depth, m.id`, depth)
	return g.collect(ctx, query, map[string]any{"id": memoryID})
}

func (g *Graph) collect(ctx context.Context, query string, params map[string]any) ([]*Node, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("lineage query: %w", err)
	}
	var nodes []*Node
	for result.Next(ctx) {
		nodes = append(nodes, recordNode(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("lineage query: %w", err)
	}
	return nodes, nil
}

func recordNode(rec *neo4j.Record) *Node {
	n := &Node{}
	if v, ok := rec.Get("id"); ok {
		n.ID, _ = v.(string)
	}
	if v, ok := rec.Get("owner"); ok {
		n.OwnerID, _ = v.(string)
	}
	if v, ok := rec.Get("kind"); ok {
		s, _ := v.(string)
		n.Kind = memory.Kind(s)
	}
	if v, ok := rec.Get("importance"); ok {
		n.Importance, _ = v.(float64)
	}
	if v, ok := rec.Get("content"); ok {
		n.Content, _ = v.(string)
	}
	if v, ok := rec.Get("depth"); ok {
		d, _ := v.(int64)
		n.Depth = int(d)
	}
	return n
}
