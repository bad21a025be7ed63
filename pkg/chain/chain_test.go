package chain

import (
	"runtime"
	"testing"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/refmanager"
	"github.com/quaydisk/snapstore/pkg/types"
)

func storageRow(ident, imagePath string, status types.Status) *types.SnapshotStorage {
	return &types.SnapshotStorage{Ident: ident, ImagePath: imagePath, Status: status, Type: types.StorageTypeQCOW}
}

func TestReadChainAcquireRegistersKeyItems(t *testing.T) {
	rm := refmanager.New()
	c := New(VariantRead, rm, "reader1")
	c.InsertTail(storageRow("base", "/base.img", types.StatusStorage))
	c.InsertTail(storageRow("top", "/top.img", types.StatusStorage))

	if err := c.Acquire(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Release()

	if len(c.KeyItems()) != 2 {
		t.Fatalf("expected both items to be key items (different image paths), got %d", len(c.KeyItems()))
	}
	if !rm.IsStorageUsing("top") {
		t.Fatalf("expected top to be registered as used")
	}
}

func TestReadChainRejectsCreatingTail(t *testing.T) {
	rm := refmanager.New()
	c := New(VariantRead, rm, "reader1")
	c.InsertTail(storageRow("a", "/a.img", types.StatusCreating))

	err := c.Acquire()
	if !apierr.Is(err, apierr.StateConflict) {
		t.Fatalf("expected StateConflict, got %v", err)
	}
}

func TestWriteChainKeyItemsForWriteFiltersByImagePath(t *testing.T) {
	rm := refmanager.New()
	c := New(VariantWrite, rm, "writer1")
	c.InsertTail(storageRow("base", "/shared.img", types.StatusStorage))
	c.InsertTail(storageRow("new", "/shared.img", types.StatusCreating))

	if err := c.Acquire(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Release()

	writeItems := c.KeyItemsForWrite()
	if len(writeItems) == 0 {
		t.Fatalf("expected at least one write key item")
	}
	for _, it := range writeItems {
		if it.ImagePath != "/shared.img" {
			t.Fatalf("unexpected image path in write key items: %s", it.ImagePath)
		}
	}
}

func TestWriteChainCDPTailOnlyTargetsItself(t *testing.T) {
	rm := refmanager.New()
	c := New(VariantWrite, rm, "writer1")
	row := storageRow("cdp1", "/cdp.img", types.StatusCreating)
	row.Type = types.StorageTypeCDP
	c.InsertTail(row)

	if err := c.Acquire(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Release()

	writeItems := c.KeyItemsForWrite()
	if len(writeItems) != 1 || writeItems[0].Ident != "cdp1" {
		t.Fatalf("expected single cdp write item, got %v", writeItems)
	}
}

func TestSecondWriterOnSameImagePathIsRejected(t *testing.T) {
	rm := refmanager.New()
	c1 := New(VariantWrite, rm, "writer1")
	c1.InsertTail(storageRow("a", "/shared.img", types.StatusCreating))
	if err := c1.Acquire(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c1.Release()

	c2 := New(VariantWrite, rm, "writer2")
	c2.InsertTail(storageRow("b", "/shared.img", types.StatusCreating))
	err := c2.Acquire()
	if !apierr.Is(err, apierr.ReferenceRepeated) {
		t.Fatalf("expected ReferenceRepeated, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	rm := refmanager.New()
	c := New(VariantRead, rm, "reader1")
	c.InsertTail(storageRow("a", "/a.img", types.StatusStorage))
	if err := c.Acquire(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Release()
	c.Release()
	if rm.IsStorageUsing("a") {
		t.Fatalf("expected record cleared after release")
	}
}

func TestChainLeakIsReleasedByFinalizer(t *testing.T) {
	rm := refmanager.New()
	func() {
		c := New(VariantRead, rm, "leaker")
		c.InsertTail(storageRow("a", "/a.img", types.StatusStorage))
		if err := c.Acquire(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// c deliberately goes out of scope without Release().
	}()

	for i := 0; i < 5 && rm.IsStorageUsing("a"); i++ {
		runtime.GC()
	}
	if rm.IsStorageUsing("a") {
		t.Skip("finalizer-based cleanup is best-effort and GC timing is not guaranteed under -race")
	}
}
