// Package graph enforces Entity/Relation invariants and provides bounded
// breadth-first traversal and offline community detection.
// Reads go through the RecordStore; the cascade delete is the store's
// single-transaction path.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
	"memoryengine/internal/record"
	"memoryengine/internal/store"
)

// DefaultNodeBudget bounds how many entities one traversal may visit.
const DefaultNodeBudget = 500

// Graph wraps the store's Entity/Relation surface.
type Graph struct {
	store *store.RecordStore

	// NodeBudget caps traversal work per call.
	NodeBudget int
}

// New builds a Graph over the shared RecordStore.
func New(s *store.RecordStore) *Graph {
	return &Graph{store: s, NodeBudget: DefaultNodeBudget}
}

// Related is one traversal hit: the entity reached plus the path of entity
// ids from the start (exclusive) to it (inclusive).
type Related struct {
	Entity *record.Entity
	Path   []string
}

// FindRelated returns entities reachable from entityID within maxDepth hops,
// breadth-first, cut off at the node budget. relationType filters edges when
// non-empty. Edges are followed in both directions; traversal order is
// deterministic (relation strength desc, then id).
func (g *Graph) FindRelated(ctx context.Context, entityID, relationType string, maxDepth int) ([]Related, error) {
	const op = "Graph.FindRelated"
	if maxDepth < 1 {
		return nil, engerr.Invariantf(op, fmt.Errorf("max_depth must be >= 1, got %d", maxDepth))
	}
	if _, err := g.store.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryGraph, "FindRelated")
	defer timer.Stop()

	type frontierEntry struct {
		id   string
		path []string
	}

	visited := map[string]bool{entityID: true}
	frontier := []frontierEntry{{id: entityID}}
	budget := g.NodeBudget

	var out []Related
	for depth := 0; depth < maxDepth && len(frontier) > 0 && budget > 0; depth++ {
		var next []frontierEntry
		for _, cur := range frontier {
			relations, err := g.store.RelationsIncidentOn(ctx, cur.id)
			if err != nil {
				return nil, err
			}
			sort.Slice(relations, func(i, j int) bool {
				if relations[i].Strength != relations[j].Strength {
					return relations[i].Strength > relations[j].Strength
				}
				return relations[i].ID < relations[j].ID
			})

			for _, rel := range relations {
				if relationType != "" && rel.RelationType != relationType {
					continue
				}
				neighbor := rel.ToEntity
				if neighbor == cur.id {
					neighbor = rel.FromEntity
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true

				entity, err := g.store.GetEntity(ctx, neighbor)
				if err != nil {
					// A dangling edge (entity deleted out from under us)
					// is skipped, not fatal.
					logging.GraphDebug("skipping dangling relation %s -> %s: %v", cur.id, neighbor, err)
					continue
				}

				path := append(append([]string{}, cur.path...), neighbor)
				out = append(out, Related{Entity: entity, Path: path})
				next = append(next, frontierEntry{id: neighbor, path: path})

				budget--
				if budget <= 0 {
					logging.GraphDebug("traversal from %s hit node budget %d", entityID, g.NodeBudget)
					return out, nil
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// DeleteEntity removes an entity and cascades to its incident relations in a
// single transaction. The store enforces the archived + retention-horizon
// deletion policy.
func (g *Graph) DeleteEntity(ctx context.Context, id string) error {
	return g.store.Delete(ctx, record.KindEntity, id)
}

// DetectCommunities runs offline label propagation over a project's entity
// graph and stores the resulting assignment as a community_id tag on each
// Entity.
// Deterministic: ties in label frequency break toward the smaller label, and
// iteration order is sorted entity id.
func (g *Graph) DetectCommunities(ctx context.Context, projectID string) (int, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "DetectCommunities")
	defer timer.Stop()

	entities, err := g.store.ScopeEntities(ctx, projectID, []record.Lifecycle{record.LifecycleActive})
	if err != nil {
		return 0, err
	}
	if len(entities) == 0 {
		return 0, nil
	}
	relations, err := g.store.ScopeRelations(ctx, projectID, []record.Lifecycle{record.LifecycleActive})
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(entities))
	label := make(map[string]int, len(entities))
	for i, e := range entities {
		ids = append(ids, e.ID)
		label[e.ID] = i
	}
	sort.Strings(ids)

	adj := make(map[string][]string)
	for _, r := range relations {
		if _, ok := label[r.FromEntity]; !ok {
			continue
		}
		if _, ok := label[r.ToEntity]; !ok {
			continue
		}
		adj[r.FromEntity] = append(adj[r.FromEntity], r.ToEntity)
		adj[r.ToEntity] = append(adj[r.ToEntity], r.FromEntity)
	}

	const maxRounds = 20
	for round := 0; round < maxRounds; round++ {
		changed := false
		for _, id := range ids {
			neighbors := adj[id]
			if len(neighbors) == 0 {
				continue
			}
			freq := make(map[int]int)
			for _, n := range neighbors {
				freq[label[n]]++
			}
			best, bestN := label[id], 0
			for l, n := range freq {
				if n > bestN || (n == bestN && l < best) {
					best, bestN = l, n
				}
			}
			if best != label[id] {
				label[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	// Renumber communities densely so labels are stable across runs on the
	// same graph.
	renumber := make(map[int]int)
	for _, id := range ids {
		if _, ok := renumber[label[id]]; !ok {
			renumber[label[id]] = len(renumber)
		}
		if err := g.store.SetEntityCommunity(ctx, id, strconv.Itoa(renumber[label[id]])); err != nil {
			return 0, err
		}
	}

	logging.Graph("community detection: %d entities -> %d communities (project=%s)", len(ids), len(renumber), projectID)
	return len(renumber), nil
}
