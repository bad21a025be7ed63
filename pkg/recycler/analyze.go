package recycler

import (
	"github.com/quaydisk/snapstore/pkg/graph"
	"github.com/quaydisk/snapstore/pkg/refmanager"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/quaydisk/snapstore/pkg/types"
)

// analyze inspects tree and returns the recycling works for one pass:
// deletable leaves first (batched), else the first mergeable interior
// node found by BFS from the root, else an empty slice, matching
// StorageCollection._analyze_storage_and_create_recycling_works.
func analyze(tree *graph.Tree, st store.Store, refmgr *refmanager.Manager, callerName string) ([]Work, error) {
	deleting := fetchDeletingNodes(tree, refmgr)
	if len(deleting) > 0 {
		works, err := createDeleteWorks(st, refmgr, deleting, callerName)
		if err != nil {
			return nil, err
		}
		return works, nil
	}

	for _, node := range tree.NodesByBFS() {
		can, kind := canMerge(node, refmgr)
		if !can {
			continue
		}

		switch kind {
		case KindMergeCDP:
			mergeRows := fetchMergeCDPNodes(node, refmgr)
			if len(mergeRows) == 0 {
				continue
			}
			dependNodes, err := pathRows(tree, node.Parent.Row.Ident)
			if err != nil {
				return nil, err
			}
			children := childRows(tree.Get(mergeRows[len(mergeRows)-1].Ident))
			w := NewMergeCdpWork(refmgr, node.Parent.Row, mergeRows, children, dependNodes, callerName)
			if err := st.StorageCreate(w.NewStorage()); err != nil {
				return nil, err
			}
			return []Work{w}, nil

		case KindMergeQcowTypeB:
			dependNodes, err := pathRows(tree, node.Parent.Row.Ident)
			if err != nil {
				return nil, err
			}
			children := childRows(node)
			w := NewMergeQcowSnapshotTypeBWork(refmgr, node.Parent.Row, node.Row, children, dependNodes, callerName)
			if err := st.StorageCreate(w.NewStorage()); err != nil {
				return nil, err
			}
			return []Work{w}, nil

		case KindMergeQcowTypeA:
			var parentRow *types.SnapshotStorage
			if node.Parent != nil {
				parentRow = node.Parent.Row
			}
			children := childRows(node)
			w := NewMergeQcowSnapshotTypeAWork(parentRow, node.Row, children)
			return []Work{w}, nil
		}
	}

	return []Work{}, nil
}

func pathRows(tree *graph.Tree, ident string) ([]*types.SnapshotStorage, error) {
	nodes, err := tree.PathToRoot(ident, true)
	if err != nil {
		return nil, err
	}
	rows := make([]*types.SnapshotStorage, len(nodes))
	for i, n := range nodes {
		rows[i] = n.Row
	}
	return rows, nil
}

func childRows(node *graph.Node) []*types.SnapshotStorage {
	rows := make([]*types.SnapshotStorage, len(node.Children))
	for i, c := range node.Children {
		rows[i] = c.Row
	}
	return rows
}

// fetchDeletingNodes walks depth-first from every leaf toward the root,
// collecting every node that can be deleted immediately; it stops
// following a branch at the first node that cannot, matching
// StorageCollection._fetch_deleting_storage_objs.
func fetchDeletingNodes(tree *graph.Tree, refmgr *refmanager.Manager) []*graph.Node {
	var out []*graph.Node
	for _, leaf := range tree.Leaves() {
		for n := leaf; n != nil; n = n.Parent {
			if !canDelete(n, refmgr) {
				break
			}
			out = append(out, n)
		}
	}
	return out
}

// canDelete matches StorageCollection._can_disk_snapshot_storage_delete.
// The upstream also skips nodes whose image lives outside the service's
// managed mount points; this port has no filesystem-mount abstraction
// (physical storage provisioning is out of scope here), so that check
// is omitted here.
func canDelete(node *graph.Node, refmgr *refmanager.Manager) bool {
	row := node.Row
	if row.Status != types.StatusRecycling {
		return false
	}
	if refmgr.IsStorageUsing(row.Ident) {
		return false
	}
	if row.IsQCOW() && refmgr.IsStorageWriting(row.ImagePath) {
		return false
	}
	for _, child := range node.Children {
		if child.Row.Status != types.StatusRecycling {
			return false
		}
	}
	return true
}

// canMerge matches StorageCollection._can_disk_snapshot_storage_merge,
// with a corrected parent-status comparison: the upstream compares the
// parent SnapshotStorage object
// itself against status constants, a no-op typo that always evaluates
// false; this compares parentRow.Status, the evidently intended check.
func canMerge(node *graph.Node, refmgr *refmanager.Manager) (bool, Kind) {
	if node.Parent == nil && len(node.Children) > 1 {
		return false, ""
	}
	if len(node.Children) == 0 {
		return false, ""
	}

	row := node.Row
	if row.Status != types.StatusRecycling {
		return false, ""
	}

	var parentRow *types.SnapshotStorage
	if node.Parent != nil {
		parentRow = node.Parent.Row
	}
	if parentRow != nil {
		switch parentRow.Status {
		case types.StatusCreating, types.StatusWriting, types.StatusHashing, types.StatusAbnormal:
			return false, ""
		}
	}

	if row.IsCDP() {
		if node.Parent == nil {
			return false, ""
		}
		if isChildDependWithTimestamp(node) {
			return false, ""
		}
		if refmgr.IsStorageWriting(parentRow.ImagePath) {
			return false, ""
		}
		return true, KindMergeCDP
	}

	if row.FileLevelDeduplication {
		return false, ""
	}

	if isChildrenInOtherFile(node) {
		if node.Parent == nil {
			return false, ""
		}
		if parentRow.IsCDP() {
			return false, ""
		}
		if parentRow.DiskBytes != row.DiskBytes {
			return false, ""
		}
		if isMultiSnapshotInQcow(node) {
			return false, ""
		}
		if refmgr.IsStorageWriting(parentRow.ImagePath) {
			return false, ""
		}
		return true, KindMergeQcowTypeB
	}

	if refmgr.IsStorageWriting(row.ImagePath) {
		return false, ""
	}
	return true, KindMergeQcowTypeA
}

func isChildDependWithTimestamp(node *graph.Node) bool {
	for _, child := range node.Children {
		if child.Row.ParentTimestamp != nil {
			return true
		}
	}
	return false
}

func isChildrenInOtherFile(node *graph.Node) bool {
	for _, child := range node.Children {
		if node.Row.ImagePath != child.Row.ImagePath {
			return true
		}
	}
	return false
}

func isMultiSnapshotInQcow(node *graph.Node) bool {
	if node.Parent != nil && node.Parent.Row.ImagePath == node.Row.ImagePath {
		return true
	}
	for _, child := range node.Children {
		if child.Row.ImagePath == node.Row.ImagePath {
			return true
		}
	}
	return false
}

// fetchMergeCDPNodes walks a straight-line run of CDP snapshots starting
// at node, stopping once the next node in the run is no longer mergeable
// as CDP. Corrected from the upstream, which re-checks the original
// node's mergeability on every iteration instead of the newly-visited
// one — its own inline comment notes current_node has changed and the
// stale value can't be reused, but the call site keeps using it anyway.
func fetchMergeCDPNodes(node *graph.Node, refmgr *refmanager.Manager) []*types.SnapshotStorage {
	var out []*types.SnapshotStorage
	current := node
	for {
		out = append(out, current.Row)
		next := childNodeWithCDPStorage(current)
		if next == nil {
			break
		}
		can, kind := canMerge(next, refmgr)
		if !can || kind != KindMergeCDP {
			break
		}
		current = next
	}
	return out
}

// childNodeWithCDPStorage returns the single CDP, non-terminal child of
// node, if any, matching
// StorageCollection._get_child_node_with_cdp_disk_snapshot_storage.
func childNodeWithCDPStorage(node *graph.Node) *graph.Node {
	var found *graph.Node
	for _, child := range node.Children {
		if child.Row.Status == types.StatusAbnormal || child.Row.Status == types.StatusDeleted {
			continue
		}
		if child.Row.IsQCOW() {
			continue
		}
		found = child
	}
	return found
}

// createDeleteWorks builds one Work per deletable node: a qcow node whose
// image still backs other live snapshots gets a DeleteQcowSnapshotWork
// (metadata-only), everything else gets a DeleteFileWork, deduplicated
// per image_path so a file backing several deleted snapshots is only
// physically removed once, matching StorageCollection._create_delete_works.
func createDeleteWorks(st store.Store, refmgr *refmanager.Manager, nodes []*graph.Node, callerName string) ([]Work, error) {
	works := make([]Work, 0, len(nodes))
	fileDedup := make(map[string]bool)
	qcowDedup := make(map[string]bool)

	for _, n := range nodes {
		row := n.Row
		if row.IsCDP() {
			w := NewDeleteFileWork(refmgr, row, callerName)
			if fileDedup[w.DedupKey()] {
				w.SetDuplicated()
			}
			fileDedup[w.DedupKey()] = true
			works = append(works, w)
			continue
		}

		usingCount, err := st.StorageCountUsing(row.ImagePath)
		if err != nil {
			return nil, err
		}
		if usingCount > 0 {
			w := NewDeleteQcowSnapshotWork(refmgr, row, callerName)
			if qcowDedup[w.DedupKey()] {
				w.SetDuplicated()
			}
			qcowDedup[w.DedupKey()] = true
			works = append(works, w)
		} else {
			w := NewDeleteFileWork(refmgr, row, callerName)
			if fileDedup[w.DedupKey()] {
				w.SetDuplicated()
			}
			fileDedup[w.DedupKey()] = true
			works = append(works, w)
		}
	}
	return works, nil
}
