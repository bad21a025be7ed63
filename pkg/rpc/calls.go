package rpc

import (
	"context"
	"fmt"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/handlepool"
	"github.com/quaydisk/snapstore/pkg/service"
	"github.com/quaydisk/snapstore/pkg/types"
)

// callerTrace falls back to a pid-derived trace when the caller omits
// caller_trace, matching the upstream's use of caller_pid/caller_pid_created
// to build a diagnosable trace string when the explicit one is blank.
func callerTrace(explicit string, pid int64, pidCreated float64) string {
	if explicit != "" {
		return explicit
	}
	return fmt.Sprintf("pid%d:%g", pid, pidCreated)
}

type emptyResponse struct{}

type handleResponse struct {
	RawHandle int64  `json:"raw_handle"`
	Endpoint  string `json:"ice_endpoint"`
}

func handleResponseFrom(h *handlepool.Handle) handleResponse {
	return handleResponse{RawHandle: h.RawHandle, Endpoint: h.Endpoint}
}

type generateJournalForCreateRequest struct {
	JournalToken    string  `json:"journal_token"`
	NewIdent        string  `json:"new_ident"`
	ParentIdent     *string `json:"parent_ident"`
	ParentTimestamp *float64 `json:"parent_timestamp"`
	NewType         string  `json:"new_type"`
	NewStorageDir   string  `json:"new_storage_folder"`
	NewDiskBytes    int64   `json:"new_disk_bytes"`
	NewHashVersion  *string `json:"new_hash_version"`
}

func (d *Dispatcher) generateJournalForCreate(body []byte) (interface{}, error) {
	var req generateJournalForCreateRequest
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.JournalToken == "" || req.NewIdent == "" || req.NewType == "" {
		return nil, apierr.New(apierr.Validation, "rpc: journal_token, new_ident, and new_type are required")
	}
	newType := types.StorageType(req.NewType)
	if newType != types.StorageTypeQCOW && newType != types.StorageTypeCDP {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("rpc: unknown new_type %q", req.NewType))
	}
	err := d.Service.GenerateJournalForCreate(
		req.JournalToken, req.NewIdent, req.ParentIdent, req.ParentTimestamp,
		newType, req.NewStorageDir, req.NewDiskBytes, req.NewHashVersion,
	)
	if err != nil {
		return nil, err
	}
	return emptyResponse{}, nil
}

type generateJournalForDestroyRequest struct {
	JournalToken string   `json:"journal_token"`
	Idents       []string `json:"idents"`
}

func (d *Dispatcher) generateJournalForDestroy(body []byte) (interface{}, error) {
	var req generateJournalForDestroyRequest
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.JournalToken == "" || len(req.Idents) == 0 {
		return nil, apierr.New(apierr.Validation, "rpc: journal_token and at least one ident are required")
	}
	if err := d.Service.GenerateJournalForDestroy(req.JournalToken, req.Idents); err != nil {
		return nil, err
	}
	return emptyResponse{}, nil
}

type createSnapshotRequest struct {
	Handle           string  `json:"handle"`
	JournalToken     string  `json:"journal_token"`
	CallerTrace      string  `json:"caller_trace"`
	CallerPid        int64   `json:"caller_pid"`
	CallerPidCreated float64 `json:"caller_pid_created"`
}

func (d *Dispatcher) createSnapshot(ctx context.Context, body []byte) (interface{}, error) {
	var req createSnapshotRequest
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Handle == "" || req.JournalToken == "" {
		return nil, apierr.New(apierr.Validation, "rpc: handle and journal_token are required")
	}
	if len(req.Handle) > 32 {
		return nil, apierr.New(apierr.Validation, "rpc: handle exceeds 32 characters")
	}
	h, err := d.Service.CreateSnapshot(ctx, service.CreateParams{
		Handle:       req.Handle,
		JournalToken: req.JournalToken,
		CallerTrace:  callerTrace(req.CallerTrace, req.CallerPid, req.CallerPidCreated),
	})
	if err != nil {
		return nil, err
	}
	return handleResponseFrom(h), nil
}

type openSnapshotRequest struct {
	Handle           string   `json:"handle"`
	CallerTrace      string   `json:"caller_trace"`
	CallerPid        int64    `json:"caller_pid"`
	CallerPidCreated float64  `json:"caller_pid_created"`
	StorageIdent     string   `json:"storage_ident"`
	Timestamp        *float64 `json:"timestamp"`
	OpenRawHandle    *bool    `json:"open_raw_handle"`
}

func (d *Dispatcher) openSnapshot(ctx context.Context, body []byte) (interface{}, error) {
	var req openSnapshotRequest
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Handle == "" || req.StorageIdent == "" {
		return nil, apierr.New(apierr.Validation, "rpc: handle and storage_ident are required")
	}
	openRaw := req.OpenRawHandle != nil && *req.OpenRawHandle
	h, err := d.Service.OpenSnapshot(ctx, service.OpenParams{
		Handle:        req.Handle,
		CallerTrace:   callerTrace(req.CallerTrace, req.CallerPid, req.CallerPidCreated),
		StorageIdent:  req.StorageIdent,
		Timestamp:     req.Timestamp,
		OpenRawHandle: openRaw,
	})
	if err != nil {
		return nil, err
	}
	return handleResponseFrom(h), nil
}

type closeSnapshotRequest struct {
	Handle string `json:"handle"`
}

func (d *Dispatcher) closeSnapshot(ctx context.Context, body []byte) (interface{}, error) {
	var req closeSnapshotRequest
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Handle == "" {
		return nil, apierr.New(apierr.Validation, "rpc: handle is required")
	}
	if err := d.Service.CloseSnapshot(ctx, req.Handle); err != nil {
		return nil, err
	}
	return emptyResponse{}, nil
}

type getRawHandleRequest struct {
	Handle string `json:"handle"`
}

func (d *Dispatcher) getRawHandle(ctx context.Context, body []byte) (interface{}, error) {
	var req getRawHandleRequest
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Handle == "" {
		return nil, apierr.New(apierr.Validation, "rpc: handle is required")
	}
	h, err := d.Service.GetRawHandle(ctx, req.Handle)
	if err != nil {
		return nil, err
	}
	return handleResponseFrom(h), nil
}

type setHashModeRequest struct {
	Handle   string `json:"handle"`
	HashMode string `json:"hash_mode"`
}

func (d *Dispatcher) setHashMode(body []byte) (interface{}, error) {
	var req setHashModeRequest
	if err := unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Handle == "" || req.HashMode == "" {
		return nil, apierr.New(apierr.Validation, "rpc: handle and hash_mode are required")
	}
	if err := d.Service.SetHashMode(req.Handle, req.HashMode); err != nil {
		return nil, err
	}
	return emptyResponse{}, nil
}
