package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/service"
	"github.com/quaydisk/snapstore/pkg/store"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(service.New(st, imagesvc.NewFake()))
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestDispatchGenerateJournalForCreateThenCreateSnapshot(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, CallGenerateJournalForCreate, mustMarshal(t, generateJournalForCreateRequest{
		JournalToken:  "tok-root",
		NewIdent:      "root1",
		NewType:       "qcow",
		NewStorageDir: "/data/root1",
		NewDiskBytes:  4096,
	}))
	if err != nil {
		t.Fatalf("generate_journal_for_create: %v", err)
	}

	out, err := d.Dispatch(ctx, CallCreateSnapshot, mustMarshal(t, createSnapshotRequest{
		Handle:       "h1",
		JournalToken: "tok-root",
		CallerTrace:  "test",
	}))
	if err != nil {
		t.Fatalf("create_snapshot: %v", err)
	}
	var resp handleResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.RawHandle == 0 {
		t.Fatalf("expected nonzero raw_handle, got %+v", resp)
	}
}

func TestDispatchCreateSnapshotRejectsOversizedHandle(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	longHandle := ""
	for i := 0; i < 33; i++ {
		longHandle += "a"
	}
	_, err := d.Dispatch(ctx, CallCreateSnapshot, mustMarshal(t, createSnapshotRequest{
		Handle:       longHandle,
		JournalToken: "tok-root",
	}))
	if !apierr.Is(err, apierr.Validation) {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

func TestDispatchUnknownCall(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), Call("not_a_real_call"), []byte(`{}`))
	if !apierr.Is(err, apierr.Validation) {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

func TestDispatchCreateSnapshotMissingJournalTokenFails(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), CallCreateSnapshot, mustMarshal(t, createSnapshotRequest{Handle: "h1"}))
	if !apierr.Is(err, apierr.Validation) {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

func TestDispatchSetHashModeThenGetRawHandle(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, CallGenerateJournalForCreate, mustMarshal(t, generateJournalForCreateRequest{
		JournalToken:  "tok-root",
		NewIdent:      "root1",
		NewType:       "qcow",
		NewStorageDir: "/data/root1",
		NewDiskBytes:  4096,
	})); err != nil {
		t.Fatalf("generate_journal_for_create: %v", err)
	}
	if _, err := d.Dispatch(ctx, CallCreateSnapshot, mustMarshal(t, createSnapshotRequest{
		Handle:       "h1",
		JournalToken: "tok-root",
	})); err != nil {
		t.Fatalf("create_snapshot: %v", err)
	}

	if _, err := d.Dispatch(ctx, CallSetHashMode, mustMarshal(t, setHashModeRequest{
		Handle:   "h1",
		HashMode: "sha256",
	})); err != nil {
		t.Fatalf("set_hash_mode: %v", err)
	}

	out, err := d.Dispatch(ctx, CallGetRawHandle, mustMarshal(t, getRawHandleRequest{Handle: "h1"}))
	if err != nil {
		t.Fatalf("get_raw_handle: %v", err)
	}
	var resp handleResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.RawHandle == 0 {
		t.Fatalf("expected nonzero raw_handle")
	}
}
