// Package relation parses and validates the user-supplied denormalization
// tree (spec.md §3 "Relation (configuration)") and provides the lookup
// helpers the engine needs at runtime (spec.md §4.2).
package relation

import (
	"encoding/json"
	"fmt"
	"io"
)

// Relation is one node of a denormalization tree.
type Relation struct {
	Entity           string      `json:"Entity"`
	DenormalizedName string      `json:"DenormalizedName,omitempty"`
	JoinKey          string      `json:"JoinKey,omitempty"`
	ParentKey        string      `json:"ParentKey,omitempty"`
	Children         []*Relation `json:"Children,omitempty"`

	parent *Relation
}

// Parent returns the Relation's parent node, or nil at the root.
func (r *Relation) Parent() *Relation { return r.parent }

// IsRoot reports whether r has no parent.
func (r *Relation) IsRoot() bool { return r.parent == nil }

// JoinIndexName builds the stable join-index name for a child relation:
// "JK|<child.entity>|<child.join_key>" (spec.md §3 "Index names").
func (r *Relation) JoinIndexName() string {
	return fmt.Sprintf("JK|%s|%s", r.Entity, r.JoinKey)
}

// ParentIndexName builds the stable parent-index name for a (root, parent,
// child) triple: "PaK|<root.entity>|<parent.entity>|<child.parent_key>".
func ParentIndexName(root, parent, child *Relation) string {
	return fmt.Sprintf("PaK|%s|%s|%s", root.Entity, parent.Entity, child.ParentKey)
}

// Tree is a single root Relation plus its full subtree.
type Tree struct {
	Root *Relation
}

// Load decodes a JSON-encoded array of Relation nodes, wires parent
// pointers, and validates the result.
func Load(r io.Reader) (*Tree, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var nodes []*Relation
	if err := dec.Decode(&nodes); err != nil {
		return nil, fmt.Errorf("relation: decode: %w", err)
	}
	if len(nodes) != 1 {
		return nil, fmt.Errorf("relation: expected exactly one root relation, got %d", len(nodes))
	}

	root := nodes[0]
	wireParents(root, nil)

	t := &Tree{Root: root}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func wireParents(r *Relation, parent *Relation) {
	r.parent = parent
	for _, c := range r.Children {
		wireParents(c, r)
	}
}

// Validate enforces spec.md §3's invariants: exactly one root (guaranteed by
// Load's shape), join_key/parent_key present iff non-root,
// denormalized_name present iff root, and no cycles.
func (t *Tree) Validate() error {
	if t.Root.DenormalizedName == "" {
		return fmt.Errorf("relation: root %q missing DenormalizedName", t.Root.Entity)
	}
	if t.Root.JoinKey != "" || t.Root.ParentKey != "" {
		return fmt.Errorf("relation: root %q must not declare JoinKey/ParentKey", t.Root.Entity)
	}
	visited := map[*Relation]bool{t.Root: true}
	return validateSubtree(t.Root, visited)
}

func validateSubtree(r *Relation, visited map[*Relation]bool) error {
	for _, c := range r.Children {
		if c.Entity == "" {
			return fmt.Errorf("relation: child of %q missing Entity", r.Entity)
		}
		if c.JoinKey == "" || c.ParentKey == "" {
			return fmt.Errorf("relation: child %q missing JoinKey/ParentKey", c.Entity)
		}
		if c.DenormalizedName != "" {
			return fmt.Errorf("relation: non-root %q must not declare DenormalizedName", c.Entity)
		}
		if visited[c] {
			return fmt.Errorf("relation: cycle detected at %q", c.Entity)
		}
		visited[c] = true
		if err := validateSubtree(c, visited); err != nil {
			return err
		}
		delete(visited, c)
	}
	return nil
}

// Find performs a depth-first search for entity within the tree rooted at
// root, returning the parent Relation (nil if entity is the root itself)
// and the matched Relation. The first DFS match wins when an entity name
// repeats within one tree (spec.md §4.2).
func Find(root *Relation, entity string) (parent *Relation, matched *Relation, ok bool) {
	if root.Entity == entity {
		return nil, root, true
	}
	return findIn(root, entity)
}

func findIn(node *Relation, entity string) (*Relation, *Relation, bool) {
	for _, c := range node.Children {
		if c.Entity == entity {
			return node, c, true
		}
		if p, m, ok := findIn(c, entity); ok {
			return p, m, ok
		}
	}
	return nil, nil, false
}

// Edges enumerates every (parent, child) edge in the tree, depth-first.
func Edges(root *Relation) []Edge {
	var out []Edge
	collectEdges(root, &out)
	return out
}

// Edge is a single parent->child edge of a relation tree.
type Edge struct {
	Parent *Relation
	Child  *Relation
}

func collectEdges(node *Relation, out *[]Edge) {
	for _, c := range node.Children {
		*out = append(*out, Edge{Parent: node, Child: c})
		collectEdges(c, out)
	}
}
