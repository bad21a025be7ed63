package refmanager

import (
	"sync"
	"testing"

	"github.com/quaydisk/snapstore/pkg/apierr"
)

func TestAddReadingRecordRejectsDuplicateCaller(t *testing.T) {
	m := New()
	if err := m.AddReadingRecord("c1", []Record{{Ident: "a", ImagePath: "/a"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AddReadingRecord("c1", []Record{{Ident: "b", ImagePath: "/b"}}); err == nil {
		t.Fatalf("expected error on duplicate caller")
	}
}

func TestAddWritingRecordRejectsRepeatedImagePath(t *testing.T) {
	m := New()
	if err := m.AddWritingRecord("writer1", Record{Ident: "a", ImagePath: "/disk.img"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := m.AddWritingRecord("writer2", Record{Ident: "b", ImagePath: "/disk.img"})
	if !apierr.Is(err, apierr.ReferenceRepeated) {
		t.Fatalf("expected ReferenceRepeated, got %v", err)
	}
}

func TestRemoveThenReaddWritingRecordSucceeds(t *testing.T) {
	m := New()
	if err := m.AddWritingRecord("writer1", Record{Ident: "a", ImagePath: "/disk.img"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RemoveWritingRecord("writer1")
	if err := m.AddWritingRecord("writer2", Record{Ident: "b", ImagePath: "/disk.img"}); err != nil {
		t.Fatalf("expected re-add to succeed after release, got %v", err)
	}
}

func TestIsStorageUsingReflectsReadersAndWriters(t *testing.T) {
	m := New()
	if m.IsStorageUsing("a") {
		t.Fatalf("expected false before any record")
	}
	_ = m.AddReadingRecord("c1", []Record{{Ident: "a", ImagePath: "/a"}})
	if !m.IsStorageUsing("a") {
		t.Fatalf("expected true after reading record added")
	}
	m.RemoveReadingRecord("c1")
	if m.IsStorageUsing("a") {
		t.Fatalf("expected false after reading record removed")
	}
	_ = m.AddWritingRecord("c2", Record{Ident: "a", ImagePath: "/a"})
	if !m.IsStorageUsing("a") {
		t.Fatalf("expected true after writing record added")
	}
}

func TestIsStorageWritingReflectsWriters(t *testing.T) {
	m := New()
	if m.IsStorageWriting("/a") {
		t.Fatalf("expected false before any writer")
	}
	_ = m.AddWritingRecord("c1", Record{Ident: "a", ImagePath: "/a"})
	if !m.IsStorageWriting("/a") {
		t.Fatalf("expected true after writer added")
	}
	m.RemoveWritingRecord("c1")
	if m.IsStorageWriting("/a") {
		t.Fatalf("expected false after writer removed")
	}
}

func TestMemoizationInvalidatesAcrossConcurrentMutation(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			caller := string(rune('a' + n))
			_ = m.AddReadingRecord(caller, []Record{{Ident: caller, ImagePath: "/" + caller}})
			m.IsStorageUsing(caller)
			m.RemoveReadingRecord(caller)
		}(i)
	}
	wg.Wait()
	if m.IsStorageUsing("a") {
		t.Fatalf("expected false after all readers removed")
	}
}
