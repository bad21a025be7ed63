// Package service is the orchestration layer: it owns the store, lock
// manager, reference manager, handle pool, and image service client,
// and exposes the create/destroy/open/close/
// get-raw-handle/set-hash-mode operations every RPC call dispatches to.
package service

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/quaydisk/snapstore/pkg/handlepool"
	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/lockmgr"
	"github.com/quaydisk/snapstore/pkg/refmanager"
	"github.com/quaydisk/snapstore/pkg/store"
)

// Service bundles every subsystem an RPC call needs, replacing the
// upstream's module-level globals (journal, storage, handle_pool,
// storage_reference_manager) with one explicit struct.
type Service struct {
	Store   store.Store
	Locks   *lockmgr.Manager
	RefMgr  *refmanager.Manager
	Handles *handlepool.Pool
	Images  imagesvc.Service

	opSeq int64
}

// New builds a Service over an already-open store and image-service
// client.
func New(st store.Store, images imagesvc.Service) *Service {
	return &Service{
		Store:   st,
		Locks:   lockmgr.New(),
		RefMgr:  refmanager.New(),
		Handles: handlepool.New(),
		Images:  images,
	}
}

// nextOpNumber is a process-unique sequence used to label destroy
// operations for trace logging, replacing generate_unique_number.
func (s *Service) nextOpNumber() int64 {
	return atomic.AddInt64(&s.opSeq, 1)
}

// generateFlag builds the caller-identity flag passed to the image
// service, matching DiskSnapshotAction.generate_flag's "PiD<hex pid>
// <trace>" format truncated to 255 bytes.
func generateFlag(trace string) string {
	flag := fmt.Sprintf("PiD%x %s", os.Getpid(), trace)
	if len(flag) > 255 {
		flag = flag[:255]
	}
	return flag
}
