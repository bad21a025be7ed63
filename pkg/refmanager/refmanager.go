// Package refmanager is the in-memory registry of active readers and
// writers keyed by caller_name (one chain instance), mediating per-file
// and per-snapshot exclusion.
package refmanager

import (
	"fmt"
	"sync"

	"github.com/quaydisk/snapstore/pkg/apierr"
)

// Record describes one snapshot being read or written by a caller.
type Record struct {
	Ident     string
	ImagePath string
}

// Manager holds the reader and writer registries. Readers and writers
// are tracked separately, each behind its own RWMutex, matching the
// source system's two independent RWLockWrite-guarded dicts.
type Manager struct {
	readersMu sync.RWMutex
	readers   map[string][]Record // caller_name -> records

	writersMu sync.RWMutex
	writers   map[string]Record // caller_name -> record

	// memo caches is_storage_using/is_storage_writing results, invalidated
	// by bumping generation on every mutation (a generation-counter
	// substitute for the source's @lru_cache + cache_clear()).
	memoMu       sync.Mutex
	generation   uint64
	usingMemo    map[string]bool
	usingMemoGen uint64
	writeMemo    map[string]bool
	writeMemoGen uint64
}

// New creates an empty reference manager.
func New() *Manager {
	return &Manager{
		readers: make(map[string][]Record),
		writers: make(map[string]Record),
	}
}

func (m *Manager) bumpGeneration() {
	m.memoMu.Lock()
	m.generation++
	m.memoMu.Unlock()
}

// AddReadingRecord registers callerName as a reader of the given storage
// items. Fails if callerName is already registered as a reader.
func (m *Manager) AddReadingRecord(callerName string, items []Record) error {
	m.readersMu.Lock()
	defer m.readersMu.Unlock()
	if _, exists := m.readers[callerName]; exists {
		return fmt.Errorf("reading record for %s already exists", callerName)
	}
	cp := make([]Record, len(items))
	copy(cp, items)
	m.readers[callerName] = cp
	m.bumpGeneration()
	return nil
}

// RemoveReadingRecord unregisters callerName as a reader, if present.
func (m *Manager) RemoveReadingRecord(callerName string) {
	m.readersMu.Lock()
	_, existed := m.readers[callerName]
	delete(m.readers, callerName)
	m.readersMu.Unlock()
	if existed {
		m.bumpGeneration()
	}
}

// AddWritingRecord registers callerName as the writer of item. Fails with
// apierr.ReferenceRepeated if another writer already holds
// item.ImagePath, and with a plain error if callerName already has a
// writer record.
func (m *Manager) AddWritingRecord(callerName string, item Record) error {
	m.writersMu.Lock()
	defer m.writersMu.Unlock()

	for existingCaller, rec := range m.writers {
		if rec.ImagePath == item.ImagePath {
			return apierr.New(apierr.ReferenceRepeated,
				fmt.Sprintf("image_path %s already has writer %s", item.ImagePath, existingCaller))
		}
	}
	if _, exists := m.writers[callerName]; exists {
		return fmt.Errorf("writing record for %s already exists", callerName)
	}
	m.writers[callerName] = item
	m.bumpGeneration()
	return nil
}

// RemoveWritingRecord unregisters callerName as a writer, if present.
func (m *Manager) RemoveWritingRecord(callerName string) {
	m.writersMu.Lock()
	_, existed := m.writers[callerName]
	delete(m.writers, callerName)
	m.writersMu.Unlock()
	if existed {
		m.bumpGeneration()
	}
}

// IsStorageUsing reports whether any reader or writer record carries
// ident. The result is memoized and invalidated on every mutation.
func (m *Manager) IsStorageUsing(ident string) bool {
	m.memoMu.Lock()
	if m.usingMemo != nil && m.usingMemoGen == m.generation {
		if v, ok := m.usingMemo[ident]; ok {
			m.memoMu.Unlock()
			return v
		}
	} else {
		m.usingMemo = make(map[string]bool)
		m.usingMemoGen = m.generation
	}
	m.memoMu.Unlock()

	result := m.computeIsStorageUsing(ident)

	m.memoMu.Lock()
	if m.usingMemoGen == m.generation {
		m.usingMemo[ident] = result
	}
	m.memoMu.Unlock()
	return result
}

func (m *Manager) computeIsStorageUsing(ident string) bool {
	m.readersMu.RLock()
	for _, recs := range m.readers {
		for _, r := range recs {
			if r.Ident == ident {
				m.readersMu.RUnlock()
				return true
			}
		}
	}
	m.readersMu.RUnlock()

	m.writersMu.RLock()
	defer m.writersMu.RUnlock()
	for _, r := range m.writers {
		if r.Ident == ident {
			return true
		}
	}
	return false
}

// IsStorageWriting reports whether some writer record carries imagePath.
// Memoized the same way as IsStorageUsing.
func (m *Manager) IsStorageWriting(imagePath string) bool {
	m.memoMu.Lock()
	if m.writeMemo != nil && m.writeMemoGen == m.generation {
		if v, ok := m.writeMemo[imagePath]; ok {
			m.memoMu.Unlock()
			return v
		}
	} else {
		m.writeMemo = make(map[string]bool)
		m.writeMemoGen = m.generation
	}
	m.memoMu.Unlock()

	result := m.computeIsStorageWriting(imagePath)

	m.memoMu.Lock()
	if m.writeMemoGen == m.generation {
		m.writeMemo[imagePath] = result
	}
	m.memoMu.Unlock()
	return result
}

func (m *Manager) computeIsStorageWriting(imagePath string) bool {
	m.writersMu.RLock()
	defer m.writersMu.RUnlock()
	for _, r := range m.writers {
		if r.ImagePath == imagePath {
			return true
		}
	}
	return false
}
