package recycler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quaydisk/snapstore/pkg/chain"
	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/refmanager"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/quaydisk/snapstore/pkg/types"
)

// Kind labels the recycling work variants for metrics and logging.
type Kind string

const (
	KindDeleteFile         Kind = "delete_file"
	KindDeleteQcowSnapshot Kind = "delete_qcow_snapshot"
	KindMergeCDP           Kind = "merge_cdp"
	KindMergeQcowTypeA     Kind = "merge_qcow_type_a"
	KindMergeQcowTypeB     Kind = "merge_qcow_type_b"
)

// Work is one unit of recycling work (one delete or one merge on a storage
// tree): its resources are acquired while the storage lock is held, it
// executes outside any lock, its result is saved under the storage lock
// again, and its resources are freed afterwards, matching RecyclingWorkBase.
type Work interface {
	Kind() Kind
	String() string
	AllocResource() error
	FreeResource()
	Execute(ctx context.Context, images imagesvc.Service)
	SaveResult(st store.Store) (bool, error)
	// DedupKey identifies work items that perform the identical physical
	// action, so the planner only executes it once; "" disables dedup.
	DedupKey() string
}

func newImageRef(row *types.SnapshotStorage) imagesvc.ImageRef {
	return imagesvc.ImageRef{Path: row.ImagePath, SnapshotName: row.Ident}
}

// deleteWork is the shared base for DeleteFileWork/DeleteQcowSnapshotWork,
// matching DeleteWork.
type deleteWork struct {
	target     *types.SnapshotStorage
	wChain     *chain.Chain
	successful bool
	duplicated bool
}

func newDeleteWork(refmgr *refmanager.Manager, target *types.SnapshotStorage, callName string) deleteWork {
	return deleteWork{
		target: target,
		wChain: chain.New(chain.VariantWrite, refmgr, callName).InsertTail(target),
	}
}

func (w *deleteWork) AllocResource() error { return w.wChain.Acquire() }
func (w *deleteWork) FreeResource()        { w.wChain.Release() }

func (w *deleteWork) SaveResult(st store.Store) (bool, error) {
	if !w.successful {
		return false, nil
	}
	_, err := st.StorageUpdateStatus(w.target.Ident, types.StatusDeleted)
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteFileWork removes the entire on-disk image backing target,
// matching DeleteFileWork. Valid for both CDP and qcow targets.
type DeleteFileWork struct {
	deleteWork
}

// NewDeleteFileWork builds a DeleteFileWork for target; callerName names
// the caller for the underlying write chain (e.g. "recycler | tree_ident").
func NewDeleteFileWork(refmgr *refmanager.Manager, target *types.SnapshotStorage, callerName string) *DeleteFileWork {
	name := fmt.Sprintf("%s DeleteFileWork %s", callerName, target.ImagePath)
	return &DeleteFileWork{deleteWork: newDeleteWork(refmgr, target, name)}
}

func (w *DeleteFileWork) Kind() Kind { return KindDeleteFile }
func (w *DeleteFileWork) String() string {
	return fmt.Sprintf("delete_file_work:<%s>", w.target.ImagePath)
}
func (w *DeleteFileWork) DedupKey() string { return w.target.ImagePath + ":delete_file_work" }

func (w *DeleteFileWork) Execute(ctx context.Context, images imagesvc.Service) {
	if w.duplicated {
		w.successful = true
		return
	}
	err := images.RemoveFile(ctx, newImageRef(w.target), w.target.IsCDP())
	w.successful = err == nil
}

// SetDuplicated marks w as a no-op stand-in for an already-executed
// DeleteFileWork targeting the same image_path.
func (w *DeleteFileWork) SetDuplicated() { w.duplicated = true }

// DeleteQcowSnapshotWork removes a single snapshot point from a qcow file
// that still holds other live snapshots, matching DeleteQcowSnapshotWork.
type DeleteQcowSnapshotWork struct {
	deleteWork
}

// NewDeleteQcowSnapshotWork builds a DeleteQcowSnapshotWork for target.
func NewDeleteQcowSnapshotWork(refmgr *refmanager.Manager, target *types.SnapshotStorage, callerName string) *DeleteQcowSnapshotWork {
	name := fmt.Sprintf("%s DeleteQcowSnapshotWork %s", callerName, target.Ident)
	return &DeleteQcowSnapshotWork{deleteWork: newDeleteWork(refmgr, target, name)}
}

func (w *DeleteQcowSnapshotWork) Kind() Kind { return KindDeleteQcowSnapshot }
func (w *DeleteQcowSnapshotWork) String() string {
	return fmt.Sprintf("delete_qcow_snapshot_work:<%s:%s>", w.target.ImagePath, w.target.Ident)
}
func (w *DeleteQcowSnapshotWork) DedupKey() string {
	return w.target.Ident + ":" + w.target.ImagePath + ":delete_qcow_snapshot_work"
}

func (w *DeleteQcowSnapshotWork) Execute(ctx context.Context, images imagesvc.Service) {
	if w.duplicated {
		w.successful = true
		return
	}
	err := images.DeleteSnapshot(ctx, newImageRef(w.target))
	w.successful = err == nil
}

func (w *DeleteQcowSnapshotWork) SetDuplicated() { w.duplicated = true }

// mergeWork is the shared base for MergeCdpWork and
// MergeQcowSnapshotTypeBWork, matching MergeWork: parent is the merged
// node's parent, children is the set of nodes that must be reparented onto
// newStorage once the merge lands.
type mergeWork struct {
	parent     *types.SnapshotStorage
	children   []*types.SnapshotStorage
	newStorage *types.SnapshotStorage
	successful bool
}

func (w *mergeWork) reparentChildren(st store.Store) error {
	for _, child := range w.children {
		if _, err := st.StorageUpdateParent(child.Ident, &w.newStorage.Ident); err != nil {
			return err
		}
	}
	return nil
}

// MergeCdpWork folds a straight-line run of CDP snapshots into one new
// qcow (or the parent qcow, if the parent isn't itself CDP), matching
// MergeCdpWork.
type MergeCdpWork struct {
	mergeWork
	mergeSnapshots []*types.SnapshotStorage
	rwChain        *chain.Chain
}

// NewMergeCdpWork builds a MergeCdpWork. dependNodes is the ordered
// root-to-parent dependency chain (excluding parent itself is not
// required — callers pass graph.Tree.PathToRoot(parent.Ident, true)).
func NewMergeCdpWork(
	refmgr *refmanager.Manager,
	parent *types.SnapshotStorage,
	mergeSnapshots []*types.SnapshotStorage,
	children []*types.SnapshotStorage,
	dependNodes []*types.SnapshotStorage,
	callerName string,
) *MergeCdpWork {
	newIdent := types.NewIdent()
	var imagePath string
	if parent.IsCDP() {
		imagePath = filepath.Join(filepath.Dir(parent.ImagePath), types.NewIdent()+".qcow")
	} else {
		imagePath = parent.ImagePath
	}
	newStorage := &types.SnapshotStorage{
		Ident:       newIdent,
		ParentIdent: &parent.Ident,
		Type:        types.StorageTypeQCOW,
		DiskBytes:   parent.DiskBytes,
		Status:      types.StatusCreating,
		ImagePath:   imagePath,
		TreeIdent:   parent.TreeIdent,
	}

	name := fmt.Sprintf("%s MergeCdpWork %s", callerName, newIdent)
	rw := chain.New(chain.VariantRW, refmgr, name)
	for _, n := range dependNodes {
		rw.InsertTail(n)
	}
	rw.InsertTail(newStorage)

	return &MergeCdpWork{
		mergeWork:      mergeWork{parent: parent, children: children, newStorage: newStorage},
		mergeSnapshots: mergeSnapshots,
		rwChain:        rw,
	}
}

func (w *MergeCdpWork) Kind() Kind          { return KindMergeCDP }
func (w *MergeCdpWork) DedupKey() string    { return "" }
func (w *MergeCdpWork) String() string      { return fmt.Sprintf("merge_cdp_work:<%s>", w.newStorage.Ident) }
func (w *MergeCdpWork) AllocResource() error { return w.rwChain.Acquire() }
func (w *MergeCdpWork) FreeResource()        { w.rwChain.Release() }

// NewStorage exposes the merged-into row so the planner can persist it
// before Execute runs.
func (w *MergeCdpWork) NewStorage() *types.SnapshotStorage { return w.newStorage }

func (w *MergeCdpWork) Execute(ctx context.Context, images imagesvc.Service) {
	flag := generateFlag(w.String())
	var merge []imagesvc.ImageRef
	for _, s := range w.mergeSnapshots {
		merge = append(merge, newImageRef(s))
	}
	var depend []imagesvc.ImageRef
	for _, n := range w.rwChain.KeyItems() {
		depend = append(depend, newImageRef(n))
	}
	err := images.MergeCDP(ctx, depend, merge, newImageRef(w.newStorage), flag)
	w.successful = err == nil
}

func (w *MergeCdpWork) SaveResult(st store.Store) (bool, error) {
	status := types.StatusAbnormal
	if w.successful {
		status = types.StatusStorage
	}
	if _, err := st.StorageUpdateStatus(w.newStorage.Ident, status); err != nil {
		return false, err
	}
	if !w.successful {
		return false, nil
	}
	if err := w.reparentChildren(st); err != nil {
		return false, err
	}
	return true, nil
}

// MergeQcowSnapshotTypeAWork folds one interior qcow snapshot's metadata
// into its parent without moving any data — both snapshots already share
// one qcow file. If parent is nil, the merged-away node is the tree's
// root and its single child takes its place as the new root, matching
// MergeQcowSnapshotTypeAWork.
type MergeQcowSnapshotTypeAWork struct {
	parent       *types.SnapshotStorage
	mergeStorage *types.SnapshotStorage
	children     []*types.SnapshotStorage
	successful   bool
}

// NewMergeQcowSnapshotTypeAWork builds a MergeQcowSnapshotTypeAWork.
func NewMergeQcowSnapshotTypeAWork(parent *types.SnapshotStorage, mergeStorage *types.SnapshotStorage, children []*types.SnapshotStorage) *MergeQcowSnapshotTypeAWork {
	return &MergeQcowSnapshotTypeAWork{parent: parent, mergeStorage: mergeStorage, children: children}
}

func (w *MergeQcowSnapshotTypeAWork) Kind() Kind       { return KindMergeQcowTypeA }
func (w *MergeQcowSnapshotTypeAWork) DedupKey() string { return "" }
func (w *MergeQcowSnapshotTypeAWork) String() string {
	return fmt.Sprintf("merge_qcow_snapshot_type_a_work:<%s>", w.mergeStorage.Ident)
}
func (w *MergeQcowSnapshotTypeAWork) AllocResource() error { return nil }
func (w *MergeQcowSnapshotTypeAWork) FreeResource()        {}

func (w *MergeQcowSnapshotTypeAWork) Execute(ctx context.Context, images imagesvc.Service) {
	var children []imagesvc.ImageRef
	for _, c := range w.children {
		children = append(children, newImageRef(c))
	}
	err := images.MergeQcowHash(ctx, children, newImageRef(w.mergeStorage))
	w.successful = err == nil
}

func (w *MergeQcowSnapshotTypeAWork) SaveResult(st store.Store) (bool, error) {
	if !w.successful {
		return false, nil
	}
	if w.parent == nil {
		// the merged-away node was the root; its one child becomes root.
		if _, err := st.StorageUpdateParent(w.children[0].Ident, nil); err != nil {
			return false, err
		}
		return true, nil
	}
	for _, child := range w.children {
		if _, err := st.StorageUpdateParent(child.Ident, &w.parent.Ident); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MergeQcowSnapshotTypeBWork folds an interior qcow snapshot whose data
// lives in a different file than its parent's, physically moving the
// data across, matching MergeQcowSnapshotTypeBWork.
type MergeQcowSnapshotTypeBWork struct {
	mergeWork
	mergeStorage *types.SnapshotStorage
	writeChain   *chain.Chain
}

// NewMergeQcowSnapshotTypeBWork builds a MergeQcowSnapshotTypeBWork.
func NewMergeQcowSnapshotTypeBWork(
	refmgr *refmanager.Manager,
	parent *types.SnapshotStorage,
	mergeStorage *types.SnapshotStorage,
	children []*types.SnapshotStorage,
	dependNodes []*types.SnapshotStorage,
	callerName string,
) *MergeQcowSnapshotTypeBWork {
	newIdent := types.NewIdent()
	newStorage := &types.SnapshotStorage{
		Ident:       newIdent,
		ParentIdent: &parent.Ident,
		Type:        types.StorageTypeQCOW,
		DiskBytes:   parent.DiskBytes,
		Status:      types.StatusCreating,
		ImagePath:   parent.ImagePath,
		TreeIdent:   parent.TreeIdent,
	}

	name := fmt.Sprintf("%s MergeQcowSnapshotTypeBWork %s", callerName, newIdent)
	wc := chain.New(chain.VariantWrite, refmgr, name)
	for _, n := range dependNodes {
		wc.InsertTail(n)
	}
	wc.InsertTail(newStorage)

	return &MergeQcowSnapshotTypeBWork{
		mergeWork:    mergeWork{parent: parent, children: children, newStorage: newStorage},
		mergeStorage: mergeStorage,
		writeChain:   wc,
	}
}

func (w *MergeQcowSnapshotTypeBWork) Kind() Kind       { return KindMergeQcowTypeB }
func (w *MergeQcowSnapshotTypeBWork) DedupKey() string { return "" }
func (w *MergeQcowSnapshotTypeBWork) String() string {
	return fmt.Sprintf("merge_qcow_snapshot_type_b_work:<%s>", w.mergeStorage.Ident)
}
func (w *MergeQcowSnapshotTypeBWork) AllocResource() error { return w.writeChain.Acquire() }
func (w *MergeQcowSnapshotTypeBWork) FreeResource()        { w.writeChain.Release() }

// NewStorage exposes the merged-into row so the planner can persist it
// before Execute runs.
func (w *MergeQcowSnapshotTypeBWork) NewStorage() *types.SnapshotStorage { return w.newStorage }

func (w *MergeQcowSnapshotTypeBWork) Execute(ctx context.Context, images imagesvc.Service) {
	flag := generateFlag(w.String())
	var depend []imagesvc.ImageRef
	for _, n := range w.writeChain.KeyItemsForWrite() {
		depend = append(depend, newImageRef(n))
	}
	err := images.MoveData(ctx, newImageRef(w.mergeStorage), depend, newImageRef(w.newStorage), flag)
	w.successful = err == nil
}

func (w *MergeQcowSnapshotTypeBWork) SaveResult(st store.Store) (bool, error) {
	status := types.StatusAbnormal
	if w.successful {
		status = types.StatusStorage
	}
	if _, err := st.StorageUpdateStatus(w.newStorage.Ident, status); err != nil {
		return false, err
	}
	if !w.successful {
		return false, nil
	}
	if err := w.reparentChildren(st); err != nil {
		return false, err
	}
	return true, nil
}

// generateFlag builds the caller-identity flag passed to the image
// service, matching DiskSnapshotAction.generate_flag's "PiD<hex pid>
// <trace>" format truncated to 255 bytes, same convention as
// pkg/service.generateFlag.
func generateFlag(trace string) string {
	flag := fmt.Sprintf("PiD%x %s", os.Getpid(), trace)
	if len(flag) > 255 {
		flag = flag[:255]
	}
	return flag
}
