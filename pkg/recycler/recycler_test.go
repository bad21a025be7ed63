package recycler

import (
	"context"
	"testing"
	"time"

	"github.com/quaydisk/snapstore/pkg/graph"
	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/lockmgr"
	"github.com/quaydisk/snapstore/pkg/refmanager"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/quaydisk/snapstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func row(ident string, parent *string, typ types.StorageType, status types.Status, imagePath string) *types.SnapshotStorage {
	return &types.SnapshotStorage{
		Ident:       ident,
		ParentIdent: parent,
		Type:        typ,
		Status:      status,
		ImagePath:   imagePath,
		DiskBytes:   4096,
		TreeIdent:   "tree1",
	}
}

func buildTree(t *testing.T, rows []*types.SnapshotStorage) *graph.Tree {
	t.Helper()
	tr, err := graph.Build("tree1", rows)
	require.NoError(t, err, "graph.Build")
	return tr
}

// advanceStatus walks a row that StorageCreate has just inserted (always in
// CREATING) through the legal status transitions until it reaches want.
func advanceStatus(t *testing.T, st store.Store, r *types.SnapshotStorage, want types.Status) {
	t.Helper()
	for _, next := range []types.Status{types.StatusWriting, types.StatusHashing, types.StatusStorage, types.StatusRecycling} {
		if r.Status == want {
			return
		}
		_, err := st.StorageUpdateStatus(r.Ident, next)
		require.NoError(t, err, "StorageUpdateStatus %s -> %s", r.Ident, next)
		r.Status = next
	}
	require.Equal(t, want, r.Status, "status of %s", r.Ident)
}

func TestCanDeleteLeafRecyclingAndUnreferenced(t *testing.T) {
	rm := refmanager.New()
	r := row("leaf", ptr("root"), types.StorageTypeQCOW, types.StatusRecycling, "/a.qcow")
	rootRow := row("root", nil, types.StorageTypeQCOW, types.StatusRecycling, "/a.qcow")
	tr := buildTree(t, []*types.SnapshotStorage{rootRow, r})
	node := tr.Get("leaf")

	assert.True(t, canDelete(node, rm), "expected leaf to be deletable")
}

func TestCanDeleteRejectsInUse(t *testing.T) {
	rm := refmanager.New()
	rm.AddReadingRecord("someone", []refmanager.Record{{Ident: "leaf", ImagePath: "/a.qcow"}})

	rootRow := row("root", nil, types.StorageTypeQCOW, types.StatusRecycling, "/a.qcow")
	r := row("leaf", ptr("root"), types.StorageTypeQCOW, types.StatusRecycling, "/a.qcow")
	tr := buildTree(t, []*types.SnapshotStorage{rootRow, r})

	assert.False(t, canDelete(tr.Get("leaf"), rm), "expected in-use leaf to be rejected")
}

func TestCanDeleteRejectsNonRecyclingChild(t *testing.T) {
	rm := refmanager.New()
	rootRow := row("root", nil, types.StorageTypeQCOW, types.StatusRecycling, "/a.qcow")
	child := row("child", ptr("root"), types.StorageTypeQCOW, types.StatusStorage, "/b.qcow")
	tr := buildTree(t, []*types.SnapshotStorage{rootRow, child})

	assert.False(t, canDelete(tr.Get("root"), rm), "expected root with a non-recycling child to be rejected")
}

// TestMergeableInteriorExcludesParentStatus pins the corrected behavior
// discussed in DESIGN.md: a recycling interior node whose parent is still
// CREATING/WRITING/HASHING/ABNORMAL must not be merged. The upstream's
// equivalent check compares the parent object itself to status
// constants (always false), so this rejection never actually fired
// there; this port makes the comparison meaningful.
func TestMergeableInteriorExcludesParentStatus(t *testing.T) {
	rm := refmanager.New()
	parent := row("parent", nil, types.StorageTypeQCOW, types.StatusWriting, "/p.qcow")
	mid := row("mid", ptr("parent"), types.StorageTypeQCOW, types.StatusRecycling, "/p.qcow")
	child := row("child", ptr("mid"), types.StorageTypeQCOW, types.StatusStorage, "/p.qcow")
	tr := buildTree(t, []*types.SnapshotStorage{parent, mid, child})

	can, _ := canMerge(tr.Get("mid"), rm)
	assert.False(t, can, "expected merge to be rejected while parent is still WRITING")
}

func TestCanMergeQcowTypeARemovesPureInteriorNode(t *testing.T) {
	rm := refmanager.New()
	parent := row("parent", nil, types.StorageTypeQCOW, types.StatusStorage, "/p.qcow")
	mid := row("mid", ptr("parent"), types.StorageTypeQCOW, types.StatusRecycling, "/p.qcow")
	child := row("child", ptr("mid"), types.StorageTypeQCOW, types.StatusStorage, "/p.qcow")
	tr := buildTree(t, []*types.SnapshotStorage{parent, mid, child})

	can, kind := canMerge(tr.Get("mid"), rm)
	require.True(t, can, "expected mid to be mergeable")
	assert.Equal(t, KindMergeQcowTypeA, kind)
}

func TestCanMergeRejectsCDPRoot(t *testing.T) {
	rm := refmanager.New()
	root := row("root", nil, types.StorageTypeCDP, types.StatusRecycling, "/root.cdp")
	child := row("child", ptr("root"), types.StorageTypeQCOW, types.StatusStorage, "/c.qcow")
	tr := buildTree(t, []*types.SnapshotStorage{root, child})

	can, _ := canMerge(tr.Get("root"), rm)
	assert.False(t, can, "expected CDP root to be rejected for merge")
}

func TestCreateDeleteWorksDedupesSharedImagePath(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err, "NewBoltStore")
	defer st.Close()

	a := row("a", ptr("b"), types.StorageTypeQCOW, types.StatusRecycling, "/shared.qcow")
	b := row("b", nil, types.StorageTypeQCOW, types.StatusRecycling, "/shared.qcow")
	require.NoError(t, st.StorageCreate(a), "StorageCreate a")
	advanceStatus(t, st, a, types.StatusRecycling)
	require.NoError(t, st.StorageCreate(b), "StorageCreate b")
	advanceStatus(t, st, b, types.StatusRecycling)

	rm := refmanager.New()
	tr := buildTree(t, []*types.SnapshotStorage{a, b})
	nodes := fetchDeletingNodes(tr, rm)
	require.Len(t, nodes, 2, "expected both nodes deletable")

	works, err := createDeleteWorks(st, rm, nodes, "test")
	require.NoError(t, err, "createDeleteWorks")
	require.Len(t, works, 2)

	dfw1, ok := works[0].(*DeleteFileWork)
	require.True(t, ok, "expected first work to be a DeleteFileWork")
	dfw2, ok := works[1].(*DeleteFileWork)
	require.True(t, ok, "expected second work to be a DeleteFileWork")
	assert.NotEqual(t, dfw1.duplicated, dfw2.duplicated, "expected exactly one of the two same-file works to be marked duplicated")
}

func TestRunTreeDeletesRecyclingLeaf(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err, "NewBoltStore")
	defer st.Close()

	root := row("root", nil, types.StorageTypeQCOW, types.StatusRecycling, "/root.qcow")
	require.NoError(t, st.StorageCreate(root), "StorageCreate")
	advanceStatus(t, st, root, types.StatusRecycling)

	locks := lockmgr.New()
	rm := refmanager.New()
	fake := imagesvc.NewFake()
	rec := New(st, locks, rm, fake, time.Minute)

	ok, err := rec.RunTree(context.Background(), "tree1")
	require.NoError(t, err, "RunTree")
	require.True(t, ok, "expected work to succeed")

	got, err := st.StorageGetByIdent("root")
	require.NoError(t, err, "StorageGetByIdent")
	assert.Equal(t, types.StatusDeleted, got.Status)
	assert.True(t, fake.IsRemoved("/root.qcow"), "expected RemoveFile to have been called")
}

func TestRunTreeMergesPureInteriorNode(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err, "NewBoltStore")
	defer st.Close()

	parent := row("parent", nil, types.StorageTypeQCOW, types.StatusStorage, "/p.qcow")
	mid := row("mid", ptr("parent"), types.StorageTypeQCOW, types.StatusRecycling, "/p.qcow")
	child := row("child", ptr("mid"), types.StorageTypeQCOW, types.StatusStorage, "/p.qcow")
	for _, r := range []*types.SnapshotStorage{parent, mid, child} {
		want := r.Status
		require.NoError(t, st.StorageCreate(r), "StorageCreate %s", r.Ident)
		advanceStatus(t, st, r, want)
	}

	locks := lockmgr.New()
	rm := refmanager.New()
	fake := imagesvc.NewFake()
	rec := New(st, locks, rm, fake, time.Minute)

	ok, err := rec.RunTree(context.Background(), "tree1")
	require.NoError(t, err, "RunTree")
	require.True(t, ok, "expected merge work to succeed")

	got, err := st.StorageGetByIdent("child")
	require.NoError(t, err, "StorageGetByIdent")
	require.NotNil(t, got.ParentIdent)
	assert.Equal(t, "parent", *got.ParentIdent, "expected child reparented onto parent")
}
