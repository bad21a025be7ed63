// Package types defines the persisted and in-memory data model for the
// snapshot storage service: journal entries and snapshot-storage rows,
// their status machines, and the small value types shared across packages.
package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewIdent returns a fresh 32-char lowercase hex identifier, matching the
// source system's uuid4().hex idents.
func NewIdent() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// StorageType distinguishes the two physical snapshot formats.
type StorageType string

const (
	StorageTypeQCOW StorageType = "qcow"
	StorageTypeCDP  StorageType = "cdp"
)

// Status is the lifecycle state of a SnapshotStorage row.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusWriting   Status = "writing"
	StatusHashing   Status = "hashing"
	StatusStorage   Status = "storage"
	StatusAbnormal  Status = "abnormal"
	StatusRecycling Status = "recycling"
	StatusDeleted   Status = "deleted"
)

// statusTransitions is the directed graph of legal status transitions.
var statusTransitions = map[Status][]Status{
	StatusCreating:  {StatusWriting, StatusAbnormal},
	StatusWriting:   {StatusHashing, StatusAbnormal},
	StatusHashing:   {StatusStorage, StatusAbnormal},
	StatusStorage:   {StatusRecycling},
	StatusRecycling: {StatusDeleted, StatusAbnormal},
	StatusAbnormal:  {StatusDeleted},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SnapshotStorage is one node in the snapshot-storage forest.
type SnapshotStorage struct {
	Ident                  string      `json:"ident"`
	ParentIdent            *string     `json:"parent_ident,omitempty"`
	ParentTimestamp        *float64    `json:"parent_timestamp,omitempty"`
	Type                   StorageType `json:"type"`
	DiskBytes              int64       `json:"disk_bytes"`
	Status                 Status      `json:"status"`
	ImagePath              string      `json:"image_path"`
	TreeIdent              string      `json:"tree_ident"`
	FileLevelDeduplication bool        `json:"file_level_deduplication"`
	StartTimestamp         *float64    `json:"start_timestamp,omitempty"`
	FinishTimestamp        *float64    `json:"finish_timestamp,omitempty"`
}

func (s *SnapshotStorage) IsQCOW() bool { return s.Type == StorageTypeQCOW }
func (s *SnapshotStorage) IsCDP() bool  { return s.Type == StorageTypeCDP }

// Clone returns a shallow, independent copy of the row.
func (s *SnapshotStorage) Clone() *SnapshotStorage {
	c := *s
	return &c
}

// OperationType is the kind of intent a Journal row describes.
type OperationType string

const (
	OperationCreate  OperationType = "create"
	OperationDestroy OperationType = "destroy"
)

// Journal is one intent-log entry.
type Journal struct {
	ID                int64         `json:"id"`
	Token             string        `json:"token"`
	OperationType     OperationType `json:"operation_type"`
	OperationStr      string        `json:"operation_str"`
	ProducedTimestamp float64       `json:"produced_timestamp"`
	ConsumedTimestamp *float64      `json:"consumed_timestamp,omitempty"`
	ChildrenIdents    []string      `json:"children_idents,omitempty"`
}

// Consumed reports whether this journal entry has already been consumed.
func (j *Journal) Consumed() bool { return j.ConsumedTimestamp != nil }

// HashRecord is the auxiliary hash-mode row referenced, but not consumed,
// by the core set_hash_mode call.
type HashRecord struct {
	StorageIdent string  `json:"storage_ident"`
	HashMode     string  `json:"hash_mode"`
	UpdatedAt    float64 `json:"updated_at"`
}

// Now returns the current time as decimal seconds, matching the source
// system's timestamp convention (6-digit fractional precision).
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
