// Package graph is the in-memory knowledge graph linking sessions to the
// applications they use and the concepts they mention. Serialized to
// node/link JSON beside the database and reloaded at startup.
package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vel5id/mnemosyne/internal/types"
)

// Node kinds.
const (
	KindSession     = "Session"
	KindApplication = "Application"
	KindConcept     = "Concept"
)

// First-pass edge relations. Secondary analysis adds free-form labels.
const (
	RelationUses     = "USES"
	RelationMentions = "MENTIONS"
)

// Node is one graph vertex with a stable string identifier.
type Node struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
}

// edge connects nodes by index. The serialized form uses node ids.
type edge struct {
	source   int
	target   int
	relation string
}

// Graph is a directed multigraph with index-based node storage. Safe for
// concurrent use.
type Graph struct {
	mu     sync.RWMutex
	nodes  []Node
	index  map[string]int
	edges  []edge
	logger *zap.Logger
}

// New creates an empty graph.
func New(logger *zap.Logger) *Graph {
	return &Graph{
		index:  make(map[string]int),
		logger: logger.Named("graph"),
	}
}

// AddNode inserts a node if absent and returns its index. An existing node
// keeps its label unless it was empty.
func (g *Graph) AddNode(id, kind, label string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNodeLocked(id, kind, label)
}

func (g *Graph) addNodeLocked(id, kind, label string) int {
	if idx, ok := g.index[id]; ok {
		if g.nodes[idx].Label == "" && label != "" {
			g.nodes[idx].Label = label
		}
		return idx
	}
	g.nodes = append(g.nodes, Node{ID: id, Kind: kind, Label: label})
	idx := len(g.nodes) - 1
	g.index[id] = idx
	return idx
}

// AddEdge links two existing-or-new nodes. Parallel edges with different
// relations are kept; exact duplicates are not.
func (g *Graph) AddEdge(sourceID, sourceKind, targetID, targetKind, relation string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	src := g.addNodeLocked(sourceID, sourceKind, "")
	dst := g.addNodeLocked(targetID, targetKind, "")
	for _, e := range g.edges {
		if e.source == src && e.target == dst && e.relation == relation {
			return
		}
	}
	g.edges = append(g.edges, edge{source: src, target: dst, relation: relation})
}

// SessionNodeID derives the stable graph id for a session.
func SessionNodeID(uuid string) string {
	if len(uuid) > 8 {
		uuid = uuid[:8]
	}
	return "session:" + uuid
}

// AppNodeID derives the stable graph id for an application.
func AppNodeID(process string) string {
	return "app:" + process
}

// ConceptNodeID derives the stable graph id for a concept term.
func ConceptNodeID(term string) string {
	return "concept:" + strings.ToLower(term)
}

// IndexSession writes the first-pass nodes and edges for an archived
// session: the session node, its application (USES), and one MENTIONS edge
// per concept term.
func (g *Graph) IndexSession(session *types.Session, concepts []string) {
	sessionID := SessionNodeID(session.UUID)

	g.AddNode(sessionID, KindSession, session.ActivitySummary)
	g.AddEdge(sessionID, KindSession, AppNodeID(session.PrimaryProcess), KindApplication, RelationUses)

	seen := make(map[string]struct{})
	for _, term := range concepts {
		id := ConceptNodeID(term)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		g.AddNode(id, KindConcept, term)
		g.AddEdge(sessionID, KindSession, id, KindConcept, RelationMentions)
	}
}

// AddTriple records one secondary-analysis relationship between two
// concepts.
func (g *Graph) AddTriple(subject, relation, object string) {
	g.AddNode(ConceptNodeID(subject), KindConcept, subject)
	g.AddNode(ConceptNodeID(object), KindConcept, object)
	g.AddEdge(ConceptNodeID(subject), KindConcept, ConceptNodeID(object), KindConcept, relation)
}

// FindRelated returns node ids reachable from the entity within depth hops,
// treating edges as undirected. The entity itself is excluded.
func (g *Graph) FindRelated(entityID string, depth int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, ok := g.index[entityID]
	if !ok {
		return nil
	}

	adjacency := make(map[int][]int)
	for _, e := range g.edges {
		adjacency[e.source] = append(adjacency[e.source], e.target)
		adjacency[e.target] = append(adjacency[e.target], e.source)
	}

	visited := map[int]struct{}{start: {}}
	frontier := []int{start}
	var related []string

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []int
		for _, idx := range frontier {
			for _, nb := range adjacency[idx] {
				if _, done := visited[nb]; done {
					continue
				}
				visited[nb] = struct{}{}
				related = append(related, g.nodes[nb].ID)
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return related
}

// Stats returns node and edge counts.
func (g *Graph) Stats() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}

// nodeLinkFile is the serialized node/link form.
type nodeLinkFile struct {
	Directed   bool           `json:"directed"`
	Multigraph bool           `json:"multigraph"`
	Nodes      []Node         `json:"nodes"`
	Links      []nodeLinkEdge `json:"links"`
}

type nodeLinkEdge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Save writes the graph to path in node/link JSON form.
func (g *Graph) Save(path string) error {
	g.mu.RLock()
	file := nodeLinkFile{
		Directed:   true,
		Multigraph: true,
		Nodes:      append([]Node(nil), g.nodes...),
		Links:      make([]nodeLinkEdge, 0, len(g.edges)),
	}
	for _, e := range g.edges {
		file.Links = append(file.Links, nodeLinkEdge{
			Source:   g.nodes[e.source].ID,
			Target:   g.nodes[e.target].ID,
			Relation: e.relation,
		})
	}
	g.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create graph directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write graph: %w", err)
	}

	g.logger.Debug("graph saved",
		zap.String("path", path), zap.Int("nodes", len(file.Nodes)), zap.Int("edges", len(file.Links)))
	return nil
}

// Load replaces the graph contents from a node/link JSON file. A missing
// file leaves the graph empty.
func (g *Graph) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read graph: %w", err)
	}

	var file nodeLinkFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse graph: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = file.Nodes
	g.index = make(map[string]int, len(file.Nodes))
	for i, n := range file.Nodes {
		g.index[n.ID] = i
	}
	g.edges = g.edges[:0]
	for _, link := range file.Links {
		src, okSrc := g.index[link.Source]
		dst, okDst := g.index[link.Target]
		if !okSrc || !okDst {
			continue
		}
		g.edges = append(g.edges, edge{source: src, target: dst, relation: link.Relation})
	}
	return nil
}
