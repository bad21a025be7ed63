package service

import (
	"context"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/chain"
	"github.com/quaydisk/snapstore/pkg/graph"
	"github.com/quaydisk/snapstore/pkg/handlepool"
	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/types"
)

// OpenParams carries everything needed to execute an open_snapshot RPC
// call, matching idd.OpenSnapshotParams.
type OpenParams struct {
	Handle        string
	CallerTrace   string
	StorageIdent  string
	Timestamp     *float64
	OpenRawHandle bool
}

// OpenSnapshot acquires a read chain from root to StorageIdent and
// optionally opens the raw read handle immediately, matching
// OpenStorage.execute.
func (s *Service) OpenSnapshot(ctx context.Context, p OpenParams) (*handlepool.Handle, error) {
	rawFlag := generateFlag(p.CallerTrace)
	h := handlepool.NewHandle(p.Handle, false, rawFlag)
	if _, err := s.Handles.Insert(h); err != nil {
		return nil, err
	}

	err := s.Locks.WithJournalAndStorage(p.CallerTrace+" open "+p.StorageIdent, func() error {
		row, err := s.Store.StorageGetByIdent(p.StorageIdent)
		if err != nil {
			return err
		}
		rows, err := s.Store.StorageQueryValid(row.TreeIdent)
		if err != nil {
			return err
		}
		tree, err := graph.Build(row.TreeIdent, rows)
		if err != nil {
			return err
		}
		path, err := tree.PathToRoot(p.StorageIdent, true)
		if err != nil {
			return err
		}

		c := chain.New(chain.VariantRead, s.RefMgr, h.Handle+" open "+p.StorageIdent)
		for _, n := range path {
			c.InsertTail(n.Row)
		}
		if err := c.Acquire(); err != nil {
			return err
		}
		h.Chain = c
		return nil
	})
	if err != nil {
		h.Destroy(ctx, s.Handles, s.Images)
		return nil, err
	}

	if p.OpenRawHandle {
		if err := s.openRawReadHandle(ctx, h, rawFlag); err != nil {
			h.Destroy(ctx, s.Handles, s.Images)
			return nil, err
		}
	}
	return h, nil
}

func (s *Service) openRawReadHandle(ctx context.Context, h *handlepool.Handle, rawFlag string) error {
	var refs []imagesvc.ImageRef
	for _, it := range h.Chain.KeyItems() {
		refs = append(refs, imagesvc.ImageRef{Path: it.ImagePath, SnapshotName: it.Ident})
	}
	rawHandle, endpoint, err := s.Images.Open(ctx, refs, rawFlag)
	if err != nil {
		return err
	}
	h.RawHandle = rawHandle
	h.Endpoint = string(endpoint)
	return nil
}

// GetRawHandle lazily opens the raw read handle for a handle opened
// without OpenRawHandle, matching handle_operation.get_raw_handle.
func (s *Service) GetRawHandle(ctx context.Context, handleToken string) (*handlepool.Handle, error) {
	h, err := s.Handles.Get(handleToken, true)
	if err != nil {
		return nil, err
	}
	if !h.Writing && h.RawHandle == 0 {
		if err := s.openRawReadHandle(ctx, h, h.RawFlag); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// CloseSnapshot destroys handleToken, transitioning its storage to
// HASHING on a write close, or to ABNORMAL if that transition fails,
// matching CloseStorage.execute.
func (s *Service) CloseSnapshot(ctx context.Context, handleToken string) error {
	h, err := s.Handles.Get(handleToken, true)
	if err != nil {
		return err
	}
	if !h.Writing {
		h.Destroy(ctx, s.Handles, s.Images)
		return nil
	}

	last := lastWriteTarget(h)
	h.Destroy(ctx, s.Handles, s.Images)

	return s.Locks.WithStorage("close "+handleToken, func() error {
		if last == "" {
			return nil
		}
		if _, err := s.Store.StorageUpdateStatus(last, types.StatusHashing); err != nil {
			s.Store.StorageUpdateStatus(last, types.StatusAbnormal)
			return err
		}
		return nil
	})
}

func lastWriteTarget(h *handlepool.Handle) string {
	if h.Chain == nil {
		return ""
	}
	return h.Chain.LastItem().Ident
}

// SetHashMode records the caller's requested hash-closing mode for
// handleToken. The upstream leaves the hash-mode subsystem unimplemented
// (service_logic/handle_operation.py's set_hash_mode is a no-op body);
// this keeps the call observable by persisting a HashRecord without
// driving any hashing behavior.
func (s *Service) SetHashMode(handleToken, mode string) error {
	h, err := s.Handles.Get(handleToken, true)
	if err != nil {
		return err
	}
	ident := lastWriteTarget(h)
	if ident == "" {
		return apierr.New(apierr.StateConflict, "handle has no storage target")
	}
	return s.Store.HashUpsert(ident, mode)
}
