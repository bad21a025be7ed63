// Package chain implements the storage-chain acquisition/release protocol:
// ordered snapshot sequences with three variants — Read, Write,
// ReadWrite — distinguished by which reference records they take.
package chain

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/log"
	"github.com/quaydisk/snapstore/pkg/refmanager"
	"github.com/quaydisk/snapstore/pkg/types"
)

// Variant distinguishes the three chain flavors (Design Note 9's sealed
// sum type, since Go has no abstract base class).
type Variant string

const (
	VariantRead  Variant = "r"
	VariantWrite Variant = "w"
	VariantRW    Variant = "rw"
)

var chainSeq int64

func nextChainSeq() int64 {
	return atomic.AddInt64(&chainSeq, 1)
}

// Chain is an ordered list of snapshot-storage rows with acquire/release
// semantics against a reference manager. Not safe for concurrent use by
// multiple goroutines on the same instance; acquire is not re-entrant.
type Chain struct {
	Name    string
	variant Variant

	refmgr *refmanager.Manager
	items  []*types.SnapshotStorage

	valid          bool
	keyItems       []*types.SnapshotStorage
	writeKeyItems  []*types.SnapshotStorage
	finalizerSet   bool
}

// New creates an empty chain of the given variant for callerName, named
// after the source system's `{prefix} | {seq} | {caller_name}` scheme.
func New(variant Variant, refmgr *refmanager.Manager, callerName string) *Chain {
	c := &Chain{
		Name:    fmt.Sprintf("%s | %d | %s", variant, nextChainSeq(), callerName),
		variant: variant,
		refmgr:  refmgr,
	}
	return c
}

// InsertTail appends row to the end of the chain. Not valid once acquired.
func (c *Chain) InsertTail(row *types.SnapshotStorage) *Chain {
	if c.valid {
		panic("chain: InsertTail after acquire")
	}
	c.items = append(c.items, row)
	return c
}

// InsertHead prepends row to the chain.
func (c *Chain) InsertHead(row *types.SnapshotStorage) *Chain {
	if c.valid {
		panic("chain: InsertHead after acquire")
	}
	c.items = append([]*types.SnapshotStorage{row}, c.items...)
	return c
}

// IsEmpty reports whether the chain has no items.
func (c *Chain) IsEmpty() bool { return len(c.items) == 0 }

// LastItem returns the tail of the chain.
func (c *Chain) LastItem() *types.SnapshotStorage {
	if len(c.items) == 0 {
		return nil
	}
	return c.items[len(c.items)-1]
}

// Items returns every row on the chain; only valid once acquired.
func (c *Chain) Items() []*types.SnapshotStorage {
	if !c.valid {
		panic("chain: Items before acquire")
	}
	return c.items
}

// KeyItems returns the subset of rows that must be physically opened.
func (c *Chain) KeyItems() []*types.SnapshotStorage {
	if !c.valid {
		panic("chain: KeyItems before acquire")
	}
	return c.keyItems
}

// queryKeyStorageItems implements the chain's key-item selection,
// identical across all three variants.
func queryKeyStorageItems(items []*types.SnapshotStorage) ([]*types.SnapshotStorage, error) {
	var keyItems []*types.SnapshotStorage
	last := len(items) - 1
	for i, item := range items {
		if item.Status == types.StatusDeleted || item.Status == types.StatusAbnormal {
			return nil, apierr.New(apierr.StateConflict, fmt.Sprintf("chain item %s has status %s", item.Ident, item.Status))
		}
		if i == last {
			keyItems = append(keyItems, item)
			continue
		}
		if i == 0 && item.FileLevelDeduplication {
			if item.ParentIdent != nil {
				return nil, apierr.New(apierr.GraphIntegrity, fmt.Sprintf("root item %s has file_level_deduplication but a parent", item.Ident))
			}
			keyItems = append(keyItems, item)
			continue
		}
		if item.ImagePath != items[i+1].ImagePath {
			keyItems = append(keyItems, item)
			continue
		}
		if items[i+1].Status == types.StatusWriting {
			keyItems = append(keyItems, item)
			continue
		}
	}
	return keyItems, nil
}

// queryKeyStorageItemsForWrite implements the write-key subset of key
// storage item selection.
func queryKeyStorageItemsForWrite(items []*types.SnapshotStorage, keyItems []*types.SnapshotStorage) ([]*types.SnapshotStorage, error) {
	last := items[len(items)-1]
	if last.Status != types.StatusCreating {
		return nil, apierr.New(apierr.StateConflict, fmt.Sprintf("write chain tail %s is not CREATING", last.Ident))
	}
	if last.IsCDP() {
		return []*types.SnapshotStorage{last}, nil
	}
	var out []*types.SnapshotStorage
	for _, item := range keyItems {
		if item.ImagePath == last.ImagePath {
			out = append(out, item)
		}
	}
	return out, nil
}

func (c *Chain) asRecords(items []*types.SnapshotStorage) []refmanager.Record {
	out := make([]refmanager.Record, len(items))
	for i, it := range items {
		out[i] = refmanager.Record{Ident: it.Ident, ImagePath: it.ImagePath}
	}
	return out
}

// Acquire computes key items and registers the variant-appropriate
// reference records. Not re-entrant; on failure it releases any partial
// registration and returns the error.
func (c *Chain) Acquire() (err error) {
	if c.valid {
		panic("chain: Acquire called twice")
	}
	if c.IsEmpty() {
		panic("chain: Acquire on empty chain")
	}
	defer func() {
		if err != nil {
			c.Release()
		}
	}()

	switch c.variant {
	case VariantRead:
		for _, item := range c.items {
			if item.Status == types.StatusCreating || item.Status == types.StatusAbnormal || item.Status == types.StatusDeleted {
				return apierr.New(apierr.StateConflict, fmt.Sprintf("read chain item %s has status %s", item.Ident, item.Status))
			}
		}
	}

	c.keyItems, err = queryKeyStorageItems(c.items)
	if err != nil {
		return err
	}
	c.valid = true

	if !c.finalizerSet {
		runtime.SetFinalizer(c, finalize)
		c.finalizerSet = true
	}

	switch c.variant {
	case VariantRead:
		err = c.refmgr.AddReadingRecord(c.Name, c.asRecords(c.keyItems))
	case VariantWrite:
		c.writeKeyItems, err = queryKeyStorageItemsForWrite(c.items, c.keyItems)
		if err != nil {
			return err
		}
		err = c.refmgr.AddWritingRecord(c.Name, refmanager.Record{Ident: c.LastItem().Ident, ImagePath: c.LastItem().ImagePath})
	case VariantRW:
		c.writeKeyItems, err = queryKeyStorageItemsForWrite(c.items, c.keyItems)
		if err != nil {
			return err
		}
		if err = c.refmgr.AddReadingRecord(c.Name, c.asRecords(c.keyItems)); err != nil {
			return err
		}
		err = c.refmgr.AddWritingRecord(c.Name, refmanager.Record{Ident: c.LastItem().Ident, ImagePath: c.LastItem().ImagePath})
	}
	return err
}

// KeyItemsForWrite returns the write-targeted subset (write/rw variants).
func (c *Chain) KeyItemsForWrite() []*types.SnapshotStorage {
	if !c.valid {
		panic("chain: KeyItemsForWrite before acquire")
	}
	return c.writeKeyItems
}

// Release undoes the registrations made by Acquire. Idempotent: safe to
// call on a chain that never successfully acquired or has already been
// released.
func (c *Chain) Release() {
	if !c.valid {
		return
	}
	c.valid = false
	c.keyItems = nil
	c.writeKeyItems = nil

	switch c.variant {
	case VariantRead:
		c.refmgr.RemoveReadingRecord(c.Name)
	case VariantWrite:
		c.refmgr.RemoveWritingRecord(c.Name)
	case VariantRW:
		c.refmgr.RemoveWritingRecord(c.Name)
		c.refmgr.RemoveReadingRecord(c.Name)
	}
}

func finalize(c *Chain) {
	if c.valid {
		log.Logger.Warn().Str("chain", c.Name).Msg("chain leaked: release was never called")
		c.Release()
	}
}
