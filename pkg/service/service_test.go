package service

import (
	"context"
	"testing"

	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/quaydisk/snapstore/pkg/types"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, imagesvc.NewFake()), st
}

func TestCreateRootQcowSnapshotEndToEnd(t *testing.T) {
	s, st := newTestService(t)

	if err := s.GenerateJournalForCreate("tok-root", "root1", nil, nil, types.StorageTypeQCOW, "/data/root1", 4096, nil); err != nil {
		t.Fatalf("GenerateJournalForCreate: %v", err)
	}

	h, err := s.CreateSnapshot(context.Background(), CreateParams{Handle: "h1", JournalToken: "tok-root", CallerTrace: "test"})
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if h.RawHandle == 0 {
		t.Fatalf("expected nonzero raw handle")
	}

	row, err := st.StorageGetByIdent("root1")
	if err != nil {
		t.Fatalf("StorageGetByIdent: %v", err)
	}
	if row.Status != types.StatusWriting {
		t.Fatalf("expected status writing, got %s", row.Status)
	}

	if err := s.CloseSnapshot(context.Background(), "h1"); err != nil {
		t.Fatalf("CloseSnapshot: %v", err)
	}
	row, err = st.StorageGetByIdent("root1")
	if err != nil {
		t.Fatalf("StorageGetByIdent: %v", err)
	}
	if row.Status != types.StatusHashing {
		t.Fatalf("expected status hashing after close, got %s", row.Status)
	}
}

func TestOpenSnapshotBuildsReadChainToRoot(t *testing.T) {
	s, st := newTestService(t)

	if err := s.GenerateJournalForCreate("tok-root", "root1", nil, nil, types.StorageTypeQCOW, "/data/root1", 4096, nil); err != nil {
		t.Fatalf("GenerateJournalForCreate: %v", err)
	}
	h1, err := s.CreateSnapshot(context.Background(), CreateParams{Handle: "h1", JournalToken: "tok-root", CallerTrace: "test"})
	if err != nil {
		t.Fatalf("CreateSnapshot root: %v", err)
	}
	if err := s.CloseSnapshot(context.Background(), "h1"); err != nil {
		t.Fatalf("CloseSnapshot: %v", err)
	}
	if _, err := st.StorageUpdateStatus("root1", types.StatusStorage); err != nil {
		t.Fatalf("StorageUpdateStatus: %v", err)
	}
	_ = h1

	root := "root1"
	if err := s.GenerateJournalForCreate("tok-child", "child1", &root, nil, types.StorageTypeQCOW, "/data/root1", 4096, nil); err != nil {
		t.Fatalf("GenerateJournalForCreate child: %v", err)
	}
	h2, err := s.CreateSnapshot(context.Background(), CreateParams{Handle: "h2", JournalToken: "tok-child", CallerTrace: "test"})
	if err != nil {
		t.Fatalf("CreateSnapshot child: %v", err)
	}
	if err := s.CloseSnapshot(context.Background(), "h2"); err != nil {
		t.Fatalf("CloseSnapshot child: %v", err)
	}
	if _, err := st.StorageUpdateStatus("child1", types.StatusStorage); err != nil {
		t.Fatalf("StorageUpdateStatus: %v", err)
	}

	h3, err := s.OpenSnapshot(context.Background(), OpenParams{Handle: "h3", CallerTrace: "test", StorageIdent: "child1", OpenRawHandle: true})
	if err != nil {
		t.Fatalf("OpenSnapshot: %v", err)
	}
	if h3.RawHandle == 0 {
		t.Fatalf("expected nonzero raw handle from open")
	}
	if err := s.CloseSnapshot(context.Background(), "h3"); err != nil {
		t.Fatalf("CloseSnapshot open handle: %v", err)
	}
}

func TestDestroyJournalMarksStorageRecycling(t *testing.T) {
	s, st := newTestService(t)

	if err := s.GenerateJournalForCreate("tok-root", "root1", nil, nil, types.StorageTypeQCOW, "/data/root1", 4096, nil); err != nil {
		t.Fatalf("GenerateJournalForCreate: %v", err)
	}
	if _, err := s.CreateSnapshot(context.Background(), CreateParams{Handle: "h1", JournalToken: "tok-root", CallerTrace: "test"}); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := s.CloseSnapshot(context.Background(), "h1"); err != nil {
		t.Fatalf("CloseSnapshot: %v", err)
	}
	if _, err := st.StorageUpdateStatus("root1", types.StatusStorage); err != nil {
		t.Fatalf("StorageUpdateStatus: %v", err)
	}

	if err := s.GenerateJournalForDestroy("tok-destroy", []string{"root1"}); err != nil {
		t.Fatalf("GenerateJournalForDestroy: %v", err)
	}
	if err := s.DestroyJournal("tok-destroy"); err != nil {
		t.Fatalf("DestroyJournal: %v", err)
	}

	row, err := st.StorageGetByIdent("root1")
	if err != nil {
		t.Fatalf("StorageGetByIdent: %v", err)
	}
	if row.Status != types.StatusRecycling {
		t.Fatalf("expected status recycling, got %s", row.Status)
	}

	djRow, err := st.JournalGetByToken("tok-destroy")
	if err != nil {
		t.Fatalf("JournalGetByToken: %v", err)
	}
	if !djRow.Consumed() {
		t.Fatalf("expected destroy journal consumed")
	}
}

func TestDestroyJournalDelaysOnWritingStorage(t *testing.T) {
	s, st := newTestService(t)

	if err := s.GenerateJournalForCreate("tok-root", "root1", nil, nil, types.StorageTypeQCOW, "/data/root1", 4096, nil); err != nil {
		t.Fatalf("GenerateJournalForCreate: %v", err)
	}
	if _, err := s.CreateSnapshot(context.Background(), CreateParams{Handle: "h1", JournalToken: "tok-root", CallerTrace: "test"}); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	// root1 is left in WRITING status (not yet STORAGE), so destroy must delay.

	if err := s.GenerateJournalForDestroy("tok-destroy", []string{"root1"}); err != nil {
		t.Fatalf("GenerateJournalForDestroy: %v", err)
	}
	if err := s.DestroyJournal("tok-destroy"); err != nil {
		t.Fatalf("DestroyJournal: %v", err)
	}

	djRow, err := st.JournalGetByToken("tok-destroy")
	if err != nil {
		t.Fatalf("JournalGetByToken: %v", err)
	}
	if djRow.Consumed() {
		t.Fatalf("expected destroy journal to remain unconsumed while target is WRITING")
	}
}

func TestSetHashModeAcceptsWriteHandle(t *testing.T) {
	s, st := newTestService(t)

	if err := s.GenerateJournalForCreate("tok-root", "root1", nil, nil, types.StorageTypeQCOW, "/data/root1", 4096, nil); err != nil {
		t.Fatalf("GenerateJournalForCreate: %v", err)
	}
	if _, err := s.CreateSnapshot(context.Background(), CreateParams{Handle: "h1", JournalToken: "tok-root", CallerTrace: "test"}); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	if err := s.SetHashMode("h1", "corrected"); err != nil {
		t.Fatalf("SetHashMode: %v", err)
	}
	_ = st
}
