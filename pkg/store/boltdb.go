package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/quaydisk/snapstore/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJournal = []byte("journal")
	bucketStorage = []byte("snapshot_storage")
	bucketHash    = []byte("hash")
	bucketMeta    = []byte("meta")

	metaKeyJournalSeq = []byte("journal_seq")
)

// BoltStore implements Store on top of an embedded bbolt database, the
// same bucket-per-row-type layout as warren/pkg/storage.BoltStore.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "snapstore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJournal, bucketStorage, bucketHash, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// journalKey returns the fixed-width lexicographic-sortable row key for a
// monotonic journal id.
func journalKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func (s *BoltStore) nextJournalID(tx *bolt.Tx) (int64, error) {
	b := tx.Bucket(bucketMeta)
	raw := b.Get(metaKeyJournalSeq)
	var next int64 = 1
	if raw != nil {
		cur, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
		next = cur + 1
	}
	if err := b.Put(metaKeyJournalSeq, []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *BoltStore) findJournalByToken(tx *bolt.Tx, token string) (*types.Journal, []byte, error) {
	b := tx.Bucket(bucketJournal)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var j types.Journal
		if err := json.Unmarshal(v, &j); err != nil {
			return nil, nil, err
		}
		if j.Token == token {
			return &j, append([]byte(nil), k...), nil
		}
	}
	return nil, nil, nil
}

func (s *BoltStore) putJournal(tx *bolt.Tx, key []byte, j *types.Journal) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJournal).Put(key, data)
}

func (s *BoltStore) JournalCreate(token, opStr string, opType types.OperationType) (*types.Journal, error) {
	var created types.Journal
	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, _, err := s.findJournalByToken(tx, token)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("journal token %s: %w", token, ErrAlreadyExists)
		}
		id, err := s.nextJournalID(tx)
		if err != nil {
			return err
		}
		created = types.Journal{
			ID:                id,
			Token:             token,
			OperationType:     opType,
			OperationStr:      opStr,
			ProducedTimestamp: types.Now(),
		}
		return s.putJournal(tx, journalKey(id), &created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *BoltStore) JournalGetByToken(token string) (*types.Journal, error) {
	var found *types.Journal
	err := s.db.View(func(tx *bolt.Tx) error {
		j, _, err := s.findJournalByToken(tx, token)
		if err != nil {
			return err
		}
		found = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("journal token %s: %w", token, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) JournalConsume(token string) (*types.Journal, error) {
	var updated types.Journal
	err := s.db.Update(func(tx *bolt.Tx) error {
		j, key, err := s.findJournalByToken(tx, token)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("journal token %s: %w", token, ErrNotFound)
		}
		if j.Consumed() {
			return fmt.Errorf("journal token %s already consumed: %w", token, ErrIllegalTransition)
		}
		now := types.Now()
		j.ConsumedTimestamp = &now
		if err := s.putJournal(tx, key, j); err != nil {
			return err
		}
		updated = *j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) JournalAlterChildren(token string, childrenIdents []string) (*types.Journal, error) {
	var updated types.Journal
	err := s.db.Update(func(tx *bolt.Tx) error {
		j, key, err := s.findJournalByToken(tx, token)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("journal token %s: %w", token, ErrNotFound)
		}
		j.ChildrenIdents = childrenIdents
		if err := s.putJournal(tx, key, j); err != nil {
			return err
		}
		updated = *j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) JournalQueryUnconsumed(opType types.OperationType, beforeID int64) ([]*types.Journal, error) {
	var rows []*types.Journal
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		return b.ForEach(func(_, v []byte) error {
			var j types.Journal
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.Consumed() {
				return nil
			}
			if opType != "" && j.OperationType != opType {
				return nil
			}
			if beforeID > 0 && j.ID >= beforeID {
				return nil
			}
			rows = append(rows, &j)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortJournalsByID(rows)
	return rows, nil
}

func sortJournalsByID(rows []*types.Journal) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j-1].ID > rows[j].ID; j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
}

func (s *BoltStore) putStorage(tx *bolt.Tx, row *types.SnapshotStorage) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStorage).Put([]byte(row.Ident), data)
}

func (s *BoltStore) StorageCreate(row *types.SnapshotStorage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorage)
		if b.Get([]byte(row.Ident)) != nil {
			return fmt.Errorf("storage ident %s: %w", row.Ident, ErrAlreadyExists)
		}
		row.Status = types.StatusCreating
		return s.putStorage(tx, row)
	})
}

func (s *BoltStore) StorageGetByIdent(ident string) (*types.SnapshotStorage, error) {
	var row types.SnapshotStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStorage).Get([]byte(ident))
		if data == nil {
			return fmt.Errorf("storage ident %s: %w", ident, ErrNotFound)
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *BoltStore) StorageQueryValid(treeIdent string) ([]*types.SnapshotStorage, error) {
	var rows []*types.SnapshotStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorage)
		return b.ForEach(func(_, v []byte) error {
			var row types.SnapshotStorage
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.TreeIdent != treeIdent || row.Status == types.StatusDeleted {
				return nil
			}
			rows = append(rows, &row)
			return nil
		})
	})
	return rows, err
}

// StorageUpdateStatus transitions ident to newStatus. A no-op transition
// (row already at newStatus) succeeds without consulting the transition
// table, matching update_obj_status's same-status short-circuit.
func (s *BoltStore) StorageUpdateStatus(ident string, newStatus types.Status) (*types.SnapshotStorage, error) {
	var updated types.SnapshotStorage
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStorage).Get([]byte(ident))
		if data == nil {
			return fmt.Errorf("storage ident %s: %w", ident, ErrNotFound)
		}
		var row types.SnapshotStorage
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}
		if row.Status == newStatus {
			updated = row
			return nil
		}
		if !types.CanTransition(row.Status, newStatus) {
			return fmt.Errorf("storage %s: %s -> %s: %w", ident, row.Status, newStatus, ErrIllegalTransition)
		}
		row.Status = newStatus
		if err := s.putStorage(tx, &row); err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) StorageUpdateParent(ident string, parentIdent *string) (*types.SnapshotStorage, error) {
	var updated types.SnapshotStorage
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStorage).Get([]byte(ident))
		if data == nil {
			return fmt.Errorf("storage ident %s: %w", ident, ErrNotFound)
		}
		var row types.SnapshotStorage
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}
		row.ParentIdent = parentIdent
		if err := s.putStorage(tx, &row); err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *BoltStore) StorageCountUsing(imagePath string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorage).ForEach(func(_, v []byte) error {
			var row types.SnapshotStorage
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.ImagePath != imagePath {
				return nil
			}
			if row.Status == types.StatusDeleted || row.Status == types.StatusRecycling {
				return nil
			}
			count++
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) StorageCountExist(imagePath string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorage).ForEach(func(_, v []byte) error {
			var row types.SnapshotStorage
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.ImagePath == imagePath && row.Status != types.StatusDeleted {
				count++
			}
			return nil
		})
	})
	return count, err
}

// StorageListTreeIdents returns every distinct tree_ident with at least
// one non-deleted row, feeding pkg/recycler's per-tree scan loop.
func (s *BoltStore) StorageListTreeIdents() ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorage).ForEach(func(_, v []byte) error {
			var row types.SnapshotStorage
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Status != types.StatusDeleted {
				seen[row.TreeIdent] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	idents := make([]string, 0, len(seen))
	for ident := range seen {
		idents = append(idents, ident)
	}
	return idents, nil
}

func (s *BoltStore) StorageStats() (map[types.StorageType]map[types.Status]int, error) {
	stats := make(map[types.StorageType]map[types.Status]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorage).ForEach(func(_, v []byte) error {
			var row types.SnapshotStorage
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if stats[row.Type] == nil {
				stats[row.Type] = make(map[types.Status]int)
			}
			stats[row.Type][row.Status]++
			return nil
		})
	})
	return stats, err
}

func (s *BoltStore) JournalBacklogStats() (map[types.OperationType]int, error) {
	stats := make(map[types.OperationType]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJournal).ForEach(func(_, v []byte) error {
			var j types.Journal
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if !j.Consumed() {
				stats[j.OperationType]++
			}
			return nil
		})
	})
	return stats, err
}

func (s *BoltStore) HashUpsert(storageIdent, mode string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := types.HashRecord{StorageIdent: storageIdent, HashMode: mode, UpdatedAt: types.Now()}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHash).Put([]byte(storageIdent), data)
	})
}
