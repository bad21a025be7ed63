package service

import (
	"context"
	"errors"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/chain"
	"github.com/quaydisk/snapstore/pkg/graph"
	"github.com/quaydisk/snapstore/pkg/handlepool"
	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/journal"
	"github.com/quaydisk/snapstore/pkg/log"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/quaydisk/snapstore/pkg/types"
)

// CreateParams carries everything needed to execute a create_snapshot
// RPC call, matching idd.CreateSnapshotParams.
type CreateParams struct {
	Handle       string
	JournalToken string
	CallerTrace  string
}

// CreateSnapshot consumes the create journal named by params.JournalToken
// and dispatches to the CDP or QCOW creation path, matching
// consume_journal.create_snapshot.
func (s *Service) CreateSnapshot(ctx context.Context, p CreateParams) (*handlepool.Handle, error) {
	jn, err := s.consumeCreateJournal(p.JournalToken, p.CallerTrace)
	if err != nil {
		return nil, err
	}
	if jn.IsCDP() {
		return s.createCDPStorage(ctx, p.Handle, p.CallerTrace, jn)
	}
	return s.createQCOWStorage(ctx, p.Handle, p.CallerTrace, jn)
}

func (s *Service) consumeCreateJournal(token, trace string) (*journal.CreateView, error) {
	var view *journal.CreateView
	err := s.Locks.WithJournal(trace, func() error {
		row, err := s.Store.JournalGetByToken(token)
		if err != nil {
			return err
		}
		if row.Consumed() {
			return apierr.New(apierr.StateConflict, "journal has already been consumed")
		}
		view, err = journal.NewCreateView(s.Store, row)
		if err != nil {
			return err
		}
		return view.Consume()
	})
	return view, err
}

func (s *Service) checkTree(treeIdent string) error {
	rows, err := s.Store.StorageQueryValid(treeIdent)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	_, err = graph.Build(treeIdent, rows)
	return err
}

// reparentJournalChildren points every storage row recorded as a child
// of jn at newRow, matching CreateStorage._deal_children_in_journal.
func (s *Service) reparentJournalChildren(jn *journal.CreateView, newRow *types.SnapshotStorage) error {
	for _, childIdent := range jn.ChildrenIdents() {
		childRow, err := s.Store.StorageGetByIdent(childIdent)
		if err != nil {
			return err
		}
		if childRow.ParentTimestamp != nil {
			return apierr.New(apierr.GraphIntegrity, "child recorded in journal has a parent_timestamp")
		}
		ident := newRow.Ident
		if _, err := s.Store.StorageUpdateParent(childRow.Ident, &ident); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) destroyHandleOnError(ctx context.Context, h *handlepool.Handle, newRow *types.SnapshotStorage, err error) (*handlepool.Handle, error) {
	if newRow != nil {
		if _, uerr := s.Store.StorageUpdateStatus(newRow.Ident, types.StatusAbnormal); uerr != nil {
			log.WithStorageIdent(newRow.Ident).Warn().Err(uerr).Msg("failed to mark storage abnormal after create error")
		}
	}
	h.Destroy(ctx, s.Handles, s.Images)
	return nil, err
}

// createCDPStorage implements CreateCdpStorage.execute.
func (s *Service) createCDPStorage(ctx context.Context, handleToken, callerTrace string, jn *journal.CreateView) (*handlepool.Handle, error) {
	if jn.ParentIdent() == nil {
		return nil, apierr.New(apierr.Validation, "cdp storage requires a parent")
	}
	if jn.ParentTimestamp() != nil {
		return nil, apierr.New(apierr.Validation, "cdp storage must not carry a parent_timestamp")
	}

	rawFlag := generateFlag(callerTrace)
	h := handlepool.NewHandle(handleToken, true, rawFlag)
	if _, err := s.Handles.Insert(h); err != nil {
		return nil, err
	}

	var newRow *types.SnapshotStorage
	err := s.Locks.WithJournalAndStorage(jn.Token()+" create cdp", func() error {
		parentRow, err := s.queryCDPParentStorage(jn)
		if err != nil {
			return err
		}

		treeIdent := types.NewIdent()
		if parentRow != nil {
			treeIdent = parentRow.TreeIdent
		}

		newRow = &types.SnapshotStorage{
			Ident:           jn.NewIdent(),
			ParentIdent:     jn.ParentIdent(),
			ParentTimestamp: jn.ParentTimestamp(),
			Type:            types.StorageTypeCDP,
			DiskBytes:       jn.NewDiskBytes(),
			ImagePath:       generateCDPImagePath(jn.NewStorageDir(), jn.NewIdent()),
			TreeIdent:       treeIdent,
		}
		if parentRow == nil {
			newRow.ParentIdent = nil // real parent not created yet; detached until reparented
		} else {
			parentIdent := parentRow.Ident
			newRow.ParentIdent = &parentIdent
		}
		if err := s.Store.StorageCreate(newRow); err != nil {
			return err
		}

		c := chain.New(chain.VariantWrite, s.RefMgr, h.Handle+" create cdp "+jn.NewIdent())
		c.InsertTail(newRow)
		if err := c.Acquire(); err != nil {
			return err
		}
		h.Chain = c
		return nil
	})
	if err != nil {
		return s.destroyHandleOnError(ctx, h, newRow, err)
	}

	rawHandle, endpoint, err := s.Images.Create(ctx, imagesvc.RoleCDP,
		imagesvc.ImageRef{Path: newRow.ImagePath, SnapshotName: imagesvc.AllSnapshot}, nil, newRow.DiskBytes, rawFlag)
	if err != nil {
		return s.destroyHandleOnError(ctx, h, newRow, err)
	}
	h.RawHandle = rawHandle
	h.Endpoint = string(endpoint)

	err = s.Locks.WithStorage(jn.Token()+" mark writing", func() error {
		_, err := s.Store.StorageUpdateStatus(newRow.Ident, types.StatusWriting)
		return err
	})
	if err != nil {
		return s.destroyHandleOnError(ctx, h, newRow, err)
	}
	return h, nil
}

// queryCDPParentStorage resolves jn's parent, which may already be a
// committed storage row, or may still be a pending (unconsumed) QCOW
// create journal — in which case this CDP storage is recorded as the
// pending journal's child until that journal actually commits and
// reparents it. Meanwhile it stays detached (nil result) when the pending
// journal is a root, and otherwise hangs off the nearest committed
// ancestor returned here, matching CreateCdpStorage._query_parent_storage.
func (s *Service) queryCDPParentStorage(jn *journal.CreateView) (*types.SnapshotStorage, error) {
	parentRow, err := s.Store.StorageGetByIdent(*jn.ParentIdent())
	if err == nil {
		return parentRow, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	unconsumed, err := journal.QueryUnconsumedCreate(s.Store, 0)
	if err != nil {
		return nil, err
	}
	for _, other := range unconsumed {
		if other.NewIdent() != *jn.ParentIdent() || !other.IsQCOW() {
			continue
		}
		if err := other.AppendChild(jn.NewIdent()); err != nil {
			return nil, err
		}
		if other.IsRoot() {
			return nil, nil
		}
		return s.findParentInPendingChain(other, unconsumed)
	}
	return nil, apierr.New(apierr.GraphIntegrity, "cdp parent not in storage and not a pending create journal")
}

// findParentInPendingChain walks a chain of pending (unconsumed) create
// journals up to the first ancestor that is already committed to
// storage, matching CreateCdpStorage._find_parent_in_storage.
func (s *Service) findParentInPendingChain(first *journal.CreateView, unconsumed []*journal.CreateView) (*types.SnapshotStorage, error) {
	current := first
	for {
		next := current.FindParentAmongUnconsumed(unconsumed)
		if next == nil {
			break
		}
		current = next
	}
	if current.ParentIdent() == nil {
		return nil, apierr.New(apierr.GraphIntegrity, "cdp parent chain has no committed ancestor")
	}
	parentRow, err := s.Store.StorageGetByIdent(*current.ParentIdent())
	if err != nil {
		return nil, apierr.New(apierr.GraphIntegrity, "cdp parent chain ancestor not in storage")
	}
	return parentRow, nil
}

// createQCOWStorage implements CreateQcowStorage.execute.
func (s *Service) createQCOWStorage(ctx context.Context, handleToken, callerTrace string, jn *journal.CreateView) (*handlepool.Handle, error) {
	rawFlag := generateFlag(callerTrace)
	h := handlepool.NewHandle(handleToken, true, rawFlag)
	if _, err := s.Handles.Insert(h); err != nil {
		return nil, err
	}

	var newRow *types.SnapshotStorage
	err := s.Locks.WithJournalAndStorage(jn.Token()+" create qcow (commit)", func() error {
		parentRow, dependNodes, treeIdent, err := s.queryQCOWParentStorageAndChain(jn)
		if err != nil {
			return err
		}

		var parentIdent *string
		if parentRow != nil {
			id := parentRow.Ident
			parentIdent = &id
		}
		newRow = &types.SnapshotStorage{
			Ident:           jn.NewIdent(),
			ParentIdent:     parentIdent,
			ParentTimestamp: jn.ParentTimestamp(),
			Type:            types.StorageTypeQCOW,
			DiskBytes:       jn.NewDiskBytes(),
			ImagePath:       s.generateQcowImagePath(parentRow, jn.NewStorageDir(), jn.NewDiskBytes()),
			TreeIdent:       treeIdent,
		}
		if err := s.Store.StorageCreate(newRow); err != nil {
			return err
		}
		if jn.IsRoot() {
			if err := s.reparentJournalChildren(jn, newRow); err != nil {
				return err
			}
		}

		rw := chain.New(chain.VariantRW, s.RefMgr, h.Handle+" create qcow "+jn.NewIdent())
		for _, node := range dependNodes {
			rw.InsertTail(node)
		}
		rw.InsertTail(newRow)
		if err := rw.Acquire(); err != nil {
			return err
		}
		h.Chain = rw
		return s.checkTree(newRow.TreeIdent)
	})
	if err != nil {
		return s.destroyHandleOnError(ctx, h, newRow, err)
	}

	keyItems := h.Chain.KeyItems()
	var dependImages []imagesvc.ImageRef
	for _, it := range keyItems[:len(keyItems)-1] {
		dependImages = append(dependImages, imagesvc.ImageRef{Path: it.ImagePath, SnapshotName: it.Ident})
	}
	target := imagesvc.ImageRef{Path: newRow.ImagePath, SnapshotName: newRow.Ident}

	rawHandle, endpoint, err := s.Images.Create(ctx, imagesvc.RoleWrite, target, dependImages, newRow.DiskBytes, rawFlag)
	if err != nil {
		return s.destroyHandleOnError(ctx, h, newRow, err)
	}
	h.RawHandle = rawHandle
	h.Endpoint = string(endpoint)

	err = s.Locks.WithStorage(jn.Token()+" mark writing", func() error {
		if !jn.IsRoot() {
			if err := s.reparentJournalChildren(jn, newRow); err != nil {
				return err
			}
		}
		if _, err := s.Store.StorageUpdateStatus(newRow.Ident, types.StatusWriting); err != nil {
			return err
		}
		return s.checkTree(newRow.TreeIdent)
	})
	if err != nil {
		return s.destroyHandleOnError(ctx, h, newRow, err)
	}
	return h, nil
}

// queryQCOWParentStorageAndChain resolves the parent row, the ordered
// dependency nodes from root to parent, and the tree_ident for a new
// QCOW storage, matching CreateQcowStorage._query_parent_storage_and_chain.
func (s *Service) queryQCOWParentStorageAndChain(jn *journal.CreateView) (*types.SnapshotStorage, []*types.SnapshotStorage, string, error) {
	if jn.IsRoot() {
		treeIdent := s.treeIdentFromJournalChildren(jn)
		if treeIdent == "" {
			treeIdent = types.NewIdent()
		}
		return nil, nil, treeIdent, nil
	}

	parentRow, err := s.Store.StorageGetByIdent(*jn.ParentIdent())
	if err != nil {
		return nil, nil, "", apierr.New(apierr.GraphIntegrity, "qcow parent not in storage")
	}

	rows, err := s.Store.StorageQueryValid(parentRow.TreeIdent)
	if err != nil {
		return nil, nil, "", err
	}
	tree, err := graph.Build(parentRow.TreeIdent, rows)
	if err != nil {
		return nil, nil, "", err
	}
	path, err := tree.PathToRoot(*jn.ParentIdent(), true)
	if err != nil {
		return nil, nil, "", err
	}
	dependNodes := make([]*types.SnapshotStorage, len(path))
	for i, n := range path {
		if n.Row.Status == types.StatusCreating {
			return nil, nil, "", apierr.New(apierr.StateConflict, "dependency chain has a creating storage")
		}
		if n.Row.Status == types.StatusAbnormal {
			return nil, nil, "", apierr.New(apierr.StateConflict, "dependency chain has an abnormal storage")
		}
		dependNodes[i] = n.Row
	}
	return parentRow, dependNodes, parentRow.TreeIdent, nil
}

// treeIdentFromJournalChildren returns the tree_ident of the first
// storage row recorded as this root journal's child, if any, matching
// CreateQcowStorage._query_tree_ident_from_children.
func (s *Service) treeIdentFromJournalChildren(jn *journal.CreateView) string {
	for _, childIdent := range jn.ChildrenIdents() {
		childRow, err := s.Store.StorageGetByIdent(childIdent)
		if err == nil {
			return childRow.TreeIdent
		}
	}
	return ""
}
