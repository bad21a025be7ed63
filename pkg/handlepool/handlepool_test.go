package handlepool

import (
	"context"
	"testing"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/chain"
	"github.com/quaydisk/snapstore/pkg/refmanager"
	"github.com/quaydisk/snapstore/pkg/types"
)

type fakeCloser struct {
	closed    bool
	rawHandle int64
	endpoint  string
	err       error
}

func (f *fakeCloser) Close(ctx context.Context, rawHandle int64, endpoint string) error {
	f.closed = true
	f.rawHandle = rawHandle
	f.endpoint = endpoint
	return f.err
}

func TestInsertRejectsDuplicateToken(t *testing.T) {
	p := New()
	h := NewHandle("tok1", false, "")
	if _, err := p.Insert(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Insert(NewHandle("tok1", false, "")); !apierr.Is(err, apierr.StateConflict) {
		t.Fatalf("expected StateConflict, got %v", err)
	}
}

func TestGetMissingHandleRaisesWhenRequested(t *testing.T) {
	p := New()
	if _, err := p.Get("missing", true); !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	h, err := p.Get("missing", false)
	if err != nil || h != nil {
		t.Fatalf("expected nil, nil when not raising, got %v, %v", h, err)
	}
}

func TestDestroyClosesRawHandleAndRemovesFromPool(t *testing.T) {
	p := New()
	h := NewHandle("tok2", true, "")
	h.RawHandle = 42
	h.Endpoint = "tcp://1.2.3.4:9000"
	if _, err := p.Insert(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closer := &fakeCloser{}
	h.Destroy(context.Background(), p, closer)

	if !closer.closed || closer.rawHandle != 42 || closer.endpoint != "tcp://1.2.3.4:9000" {
		t.Fatalf("expected closer invoked with raw handle details, got %+v", closer)
	}
	if _, err := p.Get("tok2", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if h2, _ := p.Get("tok2", false); h2 != nil {
		t.Fatalf("expected handle removed from pool")
	}
}

func TestDestroyReleasesChainEvenWhenCloseFails(t *testing.T) {
	p := New()
	h := NewHandle("tok3", false, "")
	h.RawHandle = 7
	if _, err := p.Insert(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := refmanager.New()
	c := chain.New(chain.VariantRead, rm, "tok3 reader").InsertTail(&types.SnapshotStorage{
		Ident: "s1", Type: types.StorageTypeQCOW, Status: types.StatusStorage, ImagePath: "/s1.qcow",
	})
	if err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Chain = c

	closer := &fakeCloser{err: context.DeadlineExceeded}
	h.Destroy(context.Background(), p, closer)

	if !closer.closed {
		t.Fatalf("expected closer invoked despite error")
	}
	if rm.IsStorageUsing("s1") {
		t.Fatalf("expected chain released despite close error")
	}
}

func TestSizeReflectsLiveHandles(t *testing.T) {
	p := New()
	if p.Size() != 0 {
		t.Fatalf("expected empty pool")
	}
	if _, err := p.Insert(NewHandle("a", false, "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Insert(NewHandle("b", false, "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Size() != 2 {
		t.Fatalf("expected size 2, got %d", p.Size())
	}
	p.Remove("a")
	if p.Size() != 1 {
		t.Fatalf("expected size 1 after remove, got %d", p.Size())
	}
}
