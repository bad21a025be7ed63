// Package handlepool tracks live open/write handles returned to RPC
// callers, mirroring handle_pool.py's insert/remove/get plus a destroy
// path that closes the raw handle and releases the underlying storage
// chain.
package handlepool

import (
	"context"
	"fmt"
	"sync"

	"github.com/quaydisk/snapstore/pkg/apierr"
	"github.com/quaydisk/snapstore/pkg/chain"
	"github.com/quaydisk/snapstore/pkg/log"
	"github.com/quaydisk/snapstore/pkg/types"
)

// RawCloser closes an externally-opened raw image handle. Satisfied by
// pkg/imagesvc.Service.
type RawCloser interface {
	Close(ctx context.Context, rawHandle int64, endpoint string) error
}

// Handle is one outstanding open/write operation handed back to a caller.
type Handle struct {
	Handle    string
	Writing   bool
	RawFlag   string
	Chain     *chain.Chain
	RawHandle int64
	Endpoint  string
	CreatedAt float64

	mu sync.Mutex
}

// NewHandle creates a handle entry; handle is the handle string chosen by
// the RPC caller.
func NewHandle(handle string, writing bool, rawFlag string) *Handle {
	return &Handle{
		Handle:    handle,
		Writing:   writing,
		RawFlag:   rawFlag,
		CreatedAt: types.Now(),
	}
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s | %d | %s | writing=%v", h.Handle, h.RawHandle, h.Endpoint, h.Writing)
}

func (h *Handle) closeRawHandle(ctx context.Context, closer RawCloser) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.RawHandle == 0 || closer == nil {
		return
	}
	if err := closer.Close(ctx, h.RawHandle, h.Endpoint); err != nil {
		log.WithHandle(h.Handle).Warn().Err(err).Msg("close raw handle failed")
	}
}

func (h *Handle) releaseChain() {
	if h.Chain == nil {
		return
	}
	h.Chain.Release()
}

// Destroy removes h from pool, closes its raw handle, and releases its
// chain — in that order, matching handle_pool.py's try/finally so the
// chain is always released even if closing the raw handle fails.
func (h *Handle) Destroy(ctx context.Context, pool *Pool, closer RawCloser) {
	pool.Remove(h.Handle)
	defer h.releaseChain()
	h.closeRawHandle(ctx, closer)
}

// Pool is the process-wide registry of live handles.
type Pool struct {
	mu    sync.Mutex
	cache map[string]*Handle
}

// New creates an empty handle pool.
func New() *Pool {
	return &Pool{cache: make(map[string]*Handle)}
}

// Insert registers h, failing if its Handle token already exists.
func (p *Pool) Insert(h *Handle) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.cache[h.Handle]; exists {
		return nil, apierr.New(apierr.StateConflict, fmt.Sprintf("handle %s already in pool", h.Handle))
	}
	p.cache[h.Handle] = h
	log.Logger.Info().Str("handle", h.Handle).Msg("insert handle into pool")
	return h, nil
}

// Remove unregisters and returns the handle for token, or nil.
func (p *Pool) Remove(token string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.cache[token]
	delete(p.cache, token)
	if ok {
		log.Logger.Info().Str("handle", token).Msg("remove handle from pool")
	} else {
		log.Logger.Warn().Str("handle", token).Msg("handle not in pool")
	}
	return h
}

// Get returns the handle for token without removing it, or nil.
func (p *Pool) Get(token string, raiseIfMissing bool) (*Handle, error) {
	p.mu.Lock()
	h, ok := p.cache[token]
	p.mu.Unlock()
	if !ok {
		log.Logger.Warn().Str("handle", token).Msg("handle not in pool")
		if raiseIfMissing {
			return nil, apierr.New(apierr.NotFound, fmt.Sprintf("handle %s not in pool", token))
		}
		return nil, nil
	}
	return h, nil
}

// Size reports the number of live handles, used by pkg/metrics.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}
