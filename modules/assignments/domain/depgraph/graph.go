// Package depgraph knows, for every computed field, which other fields it
// needs. It is built from the backend's dependency tree and answers the two
// questions the selection flow cares about: "what must come along when this
// field is selected" and "who still depends on this field".
package depgraph

import (
	"fmt"
	"sort"
)

// TreeNode is the wire shape of the backend dependency tree. A dependency
// may itself be computed, recursively.
type TreeNode struct {
	FieldID      string     `json:"field_id"`
	Name         string     `json:"field_name"`
	IsComputed   bool       `json:"is_computed"`
	Formula      string     `json:"formula,omitempty"`
	Dependencies []TreeNode `json:"dependencies,omitempty"`
}

type Metadata struct {
	Name       string
	IsComputed bool
	Formula    string
}

// RemovalImpact is the backend's answer to "what breaks if these fields go
// away": the computed fields still reading each candidate.
type RemovalImpact struct {
	FieldID          string   `json:"field_id"`
	AffectedComputed []string `json:"affected_computed_fields"`
	HasImpact        bool     `json:"has_impact"`
}

// Graph keeps a forward index (computed field -> its dependencies), a
// reverse index maintained in lockstep for O(1) "who depends on me" queries,
// and metadata for every node encountered.
type Graph struct {
	forward  map[string][]string
	reverse  map[string]map[string]struct{}
	metadata map[string]Metadata
}

// Build flattens the tree into the three indices. Self-dependencies are
// rejected; a dependency listed twice under the same computed field is kept
// once.
func Build(roots []TreeNode) (*Graph, error) {
	g := &Graph{
		forward:  make(map[string][]string),
		reverse:  make(map[string]map[string]struct{}),
		metadata: make(map[string]Metadata),
	}
	for i := range roots {
		if err := g.walk(&roots[i]); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) walk(node *TreeNode) error {
	if node.FieldID == "" {
		return fmt.Errorf("dependency tree node without field_id")
	}
	g.metadata[node.FieldID] = Metadata{
		Name:       node.Name,
		IsComputed: node.IsComputed,
		Formula:    node.Formula,
	}

	if !node.IsComputed || len(node.Dependencies) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(node.Dependencies))
	deps := g.forward[node.FieldID]
	existing := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		existing[d] = struct{}{}
	}

	for i := range node.Dependencies {
		dep := &node.Dependencies[i]
		if dep.FieldID == node.FieldID {
			return fmt.Errorf("field %s depends on itself", node.FieldID)
		}
		if _, dup := seen[dep.FieldID]; dup {
			continue
		}
		seen[dep.FieldID] = struct{}{}

		if _, ok := existing[dep.FieldID]; !ok {
			deps = append(deps, dep.FieldID)
			existing[dep.FieldID] = struct{}{}
			if g.reverse[dep.FieldID] == nil {
				g.reverse[dep.FieldID] = make(map[string]struct{})
			}
			g.reverse[dep.FieldID][node.FieldID] = struct{}{}
		}

		if err := g.walk(dep); err != nil {
			return err
		}
	}
	g.forward[node.FieldID] = deps
	return nil
}

func (g *Graph) IsComputed(fieldID string) bool {
	return g.metadata[fieldID].IsComputed
}

// Dependencies returns a copy of the direct dependencies of a computed
// field; nil for raw fields or computed fields without dependencies.
func (g *Graph) Dependencies(fieldID string) []string {
	deps := g.forward[fieldID]
	if len(deps) == 0 {
		return nil
	}
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Dependents returns the computed fields that directly depend on fieldID,
// sorted for stable output.
func (g *Graph) Dependents(fieldID string) []string {
	set := g.reverse[fieldID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) Metadata(fieldID string) (Metadata, bool) {
	m, ok := g.metadata[fieldID]
	return m, ok
}

func (g *Graph) NodeCount() int { return len(g.metadata) }

func (g *Graph) ComputedFieldCount() int {
	n := 0
	for _, m := range g.metadata {
		if m.IsComputed {
			n++
		}
	}
	return n
}

// Tree reconstructs a tree view rooted at fieldID from the flat indices.
// The visited set guards against cyclic formula graphs: a field already on
// the current path is emitted as a leaf instead of recursed into.
func (g *Graph) Tree(fieldID string) *TreeNode {
	meta, ok := g.metadata[fieldID]
	if !ok {
		return nil
	}
	return g.buildTree(fieldID, meta, map[string]struct{}{})
}

func (g *Graph) buildTree(fieldID string, meta Metadata, onPath map[string]struct{}) *TreeNode {
	node := &TreeNode{
		FieldID:    fieldID,
		Name:       meta.Name,
		IsComputed: meta.IsComputed,
		Formula:    meta.Formula,
	}
	onPath[fieldID] = struct{}{}
	defer delete(onPath, fieldID)

	for _, depID := range g.forward[fieldID] {
		depMeta := g.metadata[depID]
		if _, cyclic := onPath[depID]; cyclic {
			node.Dependencies = append(node.Dependencies, TreeNode{
				FieldID:    depID,
				Name:       depMeta.Name,
				IsComputed: depMeta.IsComputed,
				Formula:    depMeta.Formula,
			})
			continue
		}
		child := g.buildTree(depID, depMeta, onPath)
		node.Dependencies = append(node.Dependencies, *child)
	}
	return node
}

// DependencyMap returns a deep copy of the forward index. Mutating the
// result does not touch the graph.
func (g *Graph) DependencyMap() map[string][]string {
	out := make(map[string][]string, len(g.forward))
	for id, deps := range g.forward {
		cp := make([]string, len(deps))
		copy(cp, deps)
		out[id] = cp
	}
	return out
}

// ReverseDependencyMap returns a deep copy of the reverse index.
func (g *Graph) ReverseDependencyMap() map[string][]string {
	out := make(map[string][]string, len(g.reverse))
	for id := range g.reverse {
		out[id] = g.Dependents(id)
	}
	return out
}

// AllMetadata returns a copy of the metadata index.
func (g *Graph) AllMetadata() map[string]Metadata {
	out := make(map[string]Metadata, len(g.metadata))
	for id, m := range g.metadata {
		out[id] = m
	}
	return out
}
