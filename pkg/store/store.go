// Package store is the persistence layer: strongly-typed CRUD for
// Journal and SnapshotStorage rows, enforcing per-row state transitions
// the way warren's pkg/storage enforces CRUD for its cluster types.
package store

import (
	"errors"

	"github.com/quaydisk/snapstore/pkg/types"
)

// ErrNotFound is returned when a lookup by ident/token finds no row.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by creates that collide on a unique key.
var ErrAlreadyExists = errors.New("already exists")

// ErrIllegalTransition is returned when a status or consumption change
// does not appear in the transition tables.
var ErrIllegalTransition = errors.New("illegal transition")

// Store is the persistence contract the rest of the service is built on.
// All methods run their own implicit transaction; pkg/lockmgr is
// responsible for serializing the higher-level read-modify-write
// sequences that span multiple calls.
type Store interface {
	// Journal
	JournalCreate(token, opStr string, opType types.OperationType) (*types.Journal, error)
	JournalGetByToken(token string) (*types.Journal, error)
	JournalConsume(token string) (*types.Journal, error)
	JournalAlterChildren(token string, childrenIdents []string) (*types.Journal, error)
	JournalQueryUnconsumed(opType types.OperationType, beforeID int64) ([]*types.Journal, error)

	// SnapshotStorage
	StorageCreate(row *types.SnapshotStorage) error
	StorageGetByIdent(ident string) (*types.SnapshotStorage, error)
	StorageQueryValid(treeIdent string) ([]*types.SnapshotStorage, error)
	StorageUpdateStatus(ident string, newStatus types.Status) (*types.SnapshotStorage, error)
	StorageUpdateParent(ident string, parentIdent *string) (*types.SnapshotStorage, error)
	StorageCountUsing(imagePath string) (int, error)
	StorageCountExist(imagePath string) (int, error)
	StorageListTreeIdents() ([]string, error)

	// Hash (auxiliary, §6/§9 set_hash_mode)
	HashUpsert(storageIdent, mode string) error

	// Stats feed pkg/metrics.Collector; they scan the whole bucket and are
	// not meant to be called on the request hot path.
	StorageStats() (map[types.StorageType]map[types.Status]int, error)
	JournalBacklogStats() (map[types.OperationType]int, error)

	Close() error
}
