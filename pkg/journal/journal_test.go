package journal

import (
	"testing"

	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/quaydisk/snapstore/pkg/types"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateViewRoundTripsPayload(t *testing.T) {
	st := newTestStore(t)
	payload, err := EncodeCreatePayload("new1", nil, nil, types.StorageTypeQCOW, "/data/new1", 1024, nil)
	if err != nil {
		t.Fatalf("EncodeCreatePayload: %v", err)
	}
	row, err := st.JournalCreate("tok1", payload, types.OperationCreate)
	if err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}
	view, err := NewCreateView(st, row)
	if err != nil {
		t.Fatalf("NewCreateView: %v", err)
	}
	if view.NewIdent() != "new1" || !view.IsRoot() || !view.IsQCOW() {
		t.Fatalf("unexpected decoded view: %+v", view)
	}
	if view.NewDiskBytes() != 1024 {
		t.Fatalf("expected disk_bytes 1024, got %d", view.NewDiskBytes())
	}
}

func TestCreateViewRejectsDestroyJournal(t *testing.T) {
	st := newTestStore(t)
	payload, _ := EncodeDestroyPayload([]string{"a", "b"})
	row, err := st.JournalCreate("tok2", payload, types.OperationDestroy)
	if err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}
	if _, err := NewCreateView(st, row); err == nil {
		t.Fatalf("expected error decoding destroy journal as create view")
	}
}

func TestDestroyViewDecodesIdents(t *testing.T) {
	st := newTestStore(t)
	payload, _ := EncodeDestroyPayload([]string{"a", "b", "c"})
	row, err := st.JournalCreate("tok3", payload, types.OperationDestroy)
	if err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}
	view, err := NewDestroyView(st, row)
	if err != nil {
		t.Fatalf("NewDestroyView: %v", err)
	}
	idents := view.Idents()
	if len(idents) != 3 || idents[0] != "a" || idents[2] != "c" {
		t.Fatalf("unexpected idents: %v", idents)
	}
}

func TestAppendChildAccumulates(t *testing.T) {
	st := newTestStore(t)
	payload, _ := EncodeCreatePayload("new1", nil, nil, types.StorageTypeQCOW, "/data/new1", 0, nil)
	row, err := st.JournalCreate("tok4", payload, types.OperationCreate)
	if err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}
	view, err := NewCreateView(st, row)
	if err != nil {
		t.Fatalf("NewCreateView: %v", err)
	}
	if err := view.AppendChild("child1"); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	if err := view.AppendChild("child2"); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	children := view.ChildrenIdents()
	if len(children) != 2 || children[0] != "child1" || children[1] != "child2" {
		t.Fatalf("unexpected children: %v", children)
	}
}

func TestConsumeMarksJournalConsumed(t *testing.T) {
	st := newTestStore(t)
	payload, _ := EncodeCreatePayload("new1", nil, nil, types.StorageTypeQCOW, "/data/new1", 0, nil)
	row, err := st.JournalCreate("tok5", payload, types.OperationCreate)
	if err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}
	view, err := NewCreateView(st, row)
	if err != nil {
		t.Fatalf("NewCreateView: %v", err)
	}
	if view.Consumed() {
		t.Fatalf("expected unconsumed initially")
	}
	if err := view.Consume(); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !view.Consumed() {
		t.Fatalf("expected consumed after Consume()")
	}
}

func TestQueryUnconsumedCreateFiltersByType(t *testing.T) {
	st := newTestStore(t)
	createPayload, _ := EncodeCreatePayload("new1", nil, nil, types.StorageTypeQCOW, "/data/new1", 0, nil)
	destroyPayload, _ := EncodeDestroyPayload([]string{"x"})
	if _, err := st.JournalCreate("tokA", createPayload, types.OperationCreate); err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}
	if _, err := st.JournalCreate("tokB", destroyPayload, types.OperationDestroy); err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}
	views, err := QueryUnconsumedCreate(st, 0)
	if err != nil {
		t.Fatalf("QueryUnconsumedCreate: %v", err)
	}
	if len(views) != 1 || views[0].NewIdent() != "new1" {
		t.Fatalf("expected single create view, got %v", views)
	}
}

func TestFindParentAmongUnconsumed(t *testing.T) {
	st := newTestStore(t)
	parentPayload, _ := EncodeCreatePayload("parent1", nil, nil, types.StorageTypeQCOW, "/data/parent1", 0, nil)
	parentIdent := "parent1"
	childPayload, _ := EncodeCreatePayload("child1", &parentIdent, nil, types.StorageTypeQCOW, "/data/child1", 0, nil)

	parentRow, err := st.JournalCreate("tokP", parentPayload, types.OperationCreate)
	if err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}
	childRow, err := st.JournalCreate("tokC", childPayload, types.OperationCreate)
	if err != nil {
		t.Fatalf("JournalCreate: %v", err)
	}

	parentView, err := NewCreateView(st, parentRow)
	if err != nil {
		t.Fatalf("NewCreateView parent: %v", err)
	}
	childView, err := NewCreateView(st, childRow)
	if err != nil {
		t.Fatalf("NewCreateView child: %v", err)
	}

	found := childView.FindParentAmongUnconsumed([]*CreateView{parentView, childView})
	if found == nil || found.NewIdent() != "parent1" {
		t.Fatalf("expected to find parent1, got %v", found)
	}
	if parentView.FindParentAmongUnconsumed([]*CreateView{parentView, childView}) != nil {
		t.Fatalf("expected root journal to have no parent match")
	}
}
