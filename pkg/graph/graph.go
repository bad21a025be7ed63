// Package graph builds the in-memory snapshot-storage forest for one
// tree_ident from persisted rows.
package graph

import (
	"fmt"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/types"
)

// Node wraps one SnapshotStorage row with its tree position.
type Node struct {
	Row      *types.SnapshotStorage
	Parent   *Node
	Children []*Node
}

// Tree is the in-memory forest for a single tree_ident — really a single
// tree, since §3 allows at most one root per tree_ident.
type Tree struct {
	TreeIdent string
	Root      *Node
	byIdent   map[string]*Node
}

// Build constructs a Tree from rows, which must all share TreeIdent and
// have status != DELETED (the caller is expected to have queried
// pkg/store.StorageQueryValid). Returns a GraphIntegrity error if more
// than one root is found or a parent_ident is dangling.
func Build(treeIdent string, rows []*types.SnapshotStorage) (*Tree, error) {
	t := &Tree{TreeIdent: treeIdent, byIdent: make(map[string]*Node, len(rows))}

	for _, row := range rows {
		t.byIdent[row.Ident] = &Node{Row: row}
	}

	for _, row := range rows {
		node := t.byIdent[row.Ident]
		if row.ParentIdent == nil {
			if t.Root != nil {
				return nil, apierr.New(apierr.GraphIntegrity,
					fmt.Sprintf("tree split: not one root (%s and %s)", t.Root.Row.Ident, node.Row.Ident))
			}
			t.Root = node
			continue
		}
		parent, ok := t.byIdent[*row.ParentIdent]
		if !ok {
			return nil, apierr.New(apierr.GraphIntegrity,
				fmt.Sprintf("generate tree failed: dangling parent_ident %s for %s", *row.ParentIdent, row.Ident))
		}
		node.Parent = parent
		parent.Children = append(parent.Children, node)
	}

	return t, nil
}

// Get returns the node for ident, or nil.
func (t *Tree) Get(ident string) *Node {
	return t.byIdent[ident]
}

// NodesByBFS returns all nodes in level-order starting from the root.
func (t *Tree) NodesByBFS() []*Node {
	if t.Root == nil {
		return nil
	}
	var out []*Node
	queue := []*Node{t.Root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		queue = append(queue, n.Children...)
	}
	return out
}

// Leaves returns every node with no children.
func (t *Tree) Leaves() []*Node {
	var out []*Node
	for _, n := range t.NodesByBFS() {
		if len(n.Children) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// PathToRoot returns the nodes from ident up to the root (rootToNode=false)
// or from the root down to ident (rootToNode=true).
func (t *Tree) PathToRoot(ident string, rootToNode bool) ([]*Node, error) {
	node, ok := t.byIdent[ident]
	if !ok {
		return nil, apierr.New(apierr.NotFound, fmt.Sprintf("storage ident %s not in tree %s", ident, t.TreeIdent))
	}
	var path []*Node
	for n := node; n != nil; n = n.Parent {
		path = append(path, n)
	}
	if rootToNode {
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
	}
	return path, nil
}
