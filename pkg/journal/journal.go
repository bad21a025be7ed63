// Package journal provides typed views over the persisted journal rows:
// CreateView decodes a create-journal's operation payload, DestroyView
// decodes a destroy-journal's.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/quaydisk/snapstore/pkg/types"
)

// createPayload is the JSON shape of a create journal's OperationStr.
type createPayload struct {
	NewIdent        string   `json:"new_ident"`
	ParentIdent     *string  `json:"parent_ident,omitempty"`
	ParentTimestamp *float64 `json:"parent_timestamp,omitempty"`
	NewType         string   `json:"new_type"`
	NewStorageDir   string   `json:"new_storage_folder"`
	NewDiskBytes    int64    `json:"new_disk_bytes"`
	NewHashMode     *string  `json:"new_hash_mode,omitempty"`
}

// destroyPayload is the JSON shape of a destroy journal's OperationStr.
type destroyPayload struct {
	Idents string `json:"idents"`
}

// View wraps a persisted journal row with consume/inspect operations
// common to both create and destroy journals.
type View struct {
	st  store.Store
	row *types.Journal
}

func (v *View) Consumed() bool { return v.row.Consumed() }
func (v *View) Token() string  { return v.row.Token }

// Consume marks the underlying journal as consumed.
func (v *View) Consume() error {
	updated, err := v.st.JournalConsume(v.row.Token)
	if err != nil {
		return err
	}
	v.row = updated
	return nil
}

// CreateView is a typed view over a TYPE_CREATE journal.
type CreateView struct {
	View
	payload createPayload
}

// NewCreateView decodes row's OperationStr as a create payload. row must
// have OperationType == OperationCreate.
func NewCreateView(st store.Store, row *types.Journal) (*CreateView, error) {
	if row.OperationType != types.OperationCreate {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("journal %s is not a create journal", row.Token))
	}
	var p createPayload
	if err := json.Unmarshal([]byte(row.OperationStr), &p); err != nil {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("journal %s has malformed create payload: %v", row.Token, err))
	}
	return &CreateView{View: View{st: st, row: row}, payload: p}, nil
}

func (v *CreateView) NewIdent() string          { return v.payload.NewIdent }
func (v *CreateView) ParentIdent() *string       { return v.payload.ParentIdent }
func (v *CreateView) ParentTimestamp() *float64 { return v.payload.ParentTimestamp }
func (v *CreateView) NewType() types.StorageType { return types.StorageType(v.payload.NewType) }
func (v *CreateView) NewStorageDir() string      { return v.payload.NewStorageDir }
func (v *CreateView) NewDiskBytes() int64        { return v.payload.NewDiskBytes }
func (v *CreateView) NewHashMode() *string       { return v.payload.NewHashMode }
func (v *CreateView) IsRoot() bool               { return v.payload.ParentIdent == nil }
func (v *CreateView) IsCDP() bool                { return v.NewType() == types.StorageTypeCDP }
func (v *CreateView) IsQCOW() bool               { return v.NewType() == types.StorageTypeQCOW }

// ChildrenIdents returns the idents of storages created as children of
// this journal's new storage (populated by AppendChild as they commit).
func (v *CreateView) ChildrenIdents() []string {
	return v.row.ChildrenIdents
}

// AppendChild records storageIdent as a child of this journal's new
// storage, used when that child is created before this journal is
// consumed.
func (v *CreateView) AppendChild(storageIdent string) error {
	children := append(append([]string{}, v.row.ChildrenIdents...), storageIdent)
	updated, err := v.st.JournalAlterChildren(v.row.Token, children)
	if err != nil {
		return err
	}
	v.row = updated
	return nil
}

// FindParentAmongUnconsumed returns the CreateView in unconsumed whose
// NewIdent matches v's ParentIdent, or nil if v is a root or no match
// is found (used to walk up a chain of pending parent journals).
func (v *CreateView) FindParentAmongUnconsumed(unconsumed []*CreateView) *CreateView {
	if v.payload.ParentIdent == nil {
		return nil
	}
	for _, other := range unconsumed {
		if other.payload.NewIdent == *v.payload.ParentIdent {
			return other
		}
	}
	return nil
}

// DestroyView is a typed view over a TYPE_DESTROY journal.
type DestroyView struct {
	View
	payload destroyPayload
}

// NewDestroyView decodes row's OperationStr as a destroy payload. row
// must have OperationType == OperationDestroy.
func NewDestroyView(st store.Store, row *types.Journal) (*DestroyView, error) {
	if row.OperationType != types.OperationDestroy {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("journal %s is not a destroy journal", row.Token))
	}
	var p destroyPayload
	if err := json.Unmarshal([]byte(row.OperationStr), &p); err != nil {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("journal %s has malformed destroy payload: %v", row.Token, err))
	}
	return &DestroyView{View: View{st: st, row: row}, payload: p}, nil
}

// Idents returns the storage idents targeted by this destroy journal.
func (v *DestroyView) Idents() []string {
	if v.payload.Idents == "" {
		return nil
	}
	return strings.Split(v.payload.Idents, ",")
}

// EncodeCreatePayload marshals a create journal's operation payload for
// storage in types.Journal.OperationStr, mirroring how generate_journal.py
// builds its operation_str before persisting.
func EncodeCreatePayload(newIdent string, parentIdent *string, parentTimestamp *float64, newType types.StorageType, newStorageDir string, newDiskBytes int64, newHashMode *string) (string, error) {
	p := createPayload{
		NewIdent:        newIdent,
		ParentIdent:     parentIdent,
		ParentTimestamp: parentTimestamp,
		NewType:         string(newType),
		NewStorageDir:   newStorageDir,
		NewDiskBytes:    newDiskBytes,
		NewHashMode:     newHashMode,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeDestroyPayload marshals a destroy journal's operation payload.
func EncodeDestroyPayload(idents []string) (string, error) {
	b, err := json.Marshal(destroyPayload{Idents: strings.Join(idents, ",")})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// QueryUnconsumed returns every unconsumed journal of opType ("" means any
// type) before beforeID (0 means no upper bound), as untyped Views.
func QueryUnconsumed(st store.Store, opType types.OperationType, beforeID int64) ([]*View, error) {
	rows, err := st.JournalQueryUnconsumed(opType, beforeID)
	if err != nil {
		return nil, err
	}
	views := make([]*View, len(rows))
	for i, r := range rows {
		views[i] = &View{st: st, row: r}
	}
	return views, nil
}

// QueryUnconsumedCreate returns every unconsumed create journal before
// beforeID, decoded into typed CreateViews.
func QueryUnconsumedCreate(st store.Store, beforeID int64) ([]*CreateView, error) {
	rows, err := st.JournalQueryUnconsumed(types.OperationCreate, beforeID)
	if err != nil {
		return nil, err
	}
	views := make([]*CreateView, 0, len(rows))
	for _, r := range rows {
		v, err := NewCreateView(st, r)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}
