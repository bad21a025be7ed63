package imagesvc

import (
	"context"
	"sync"
)

// Fake is an in-memory Service for tests: it hands out sequential raw
// handles and tracks which are open, without performing any real I/O.
type Fake struct {
	mu         sync.Mutex
	nextRaw    int64
	open       map[int64]bool
	removed    map[string]bool // ref.Path -> RemoveFile was called
	InUse      map[string]bool // ref.Path -> still in use, for DelSnaport
	CreateErr  error
	OpenErr    error
	RemoveErr  error
	MergeErr   error
	MoveErr    error
}

// NewFake creates an empty fake image service.
func NewFake() *Fake {
	return &Fake{
		nextRaw: 1,
		open:    make(map[int64]bool),
		removed: make(map[string]bool),
		InUse:   make(map[string]bool),
	}
}

func (f *Fake) Create(ctx context.Context, role Role, target ImageRef, chain []ImageRef, diskBytes int64, flag string) (int64, Endpoint, error) {
	if f.CreateErr != nil {
		return 0, "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.nextRaw
	f.nextRaw++
	f.open[h] = true
	return h, Encode(role, "fake"), nil
}

func (f *Fake) Open(ctx context.Context, chain []ImageRef, flag string) (int64, Endpoint, error) {
	if f.OpenErr != nil {
		return 0, "", f.OpenErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.nextRaw
	f.nextRaw++
	f.open[h] = true
	return h, Encode(RoleRead, "fake"), nil
}

func (f *Fake) Close(ctx context.Context, rawHandle int64, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, rawHandle)
	return nil
}

func (f *Fake) DelSnaport(ctx context.Context, ref ImageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InUse[ref.Path] {
		return ErrInUse
	}
	return nil
}

// IsOpen reports whether rawHandle is still considered open, for tests.
func (f *Fake) IsOpen(rawHandle int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[rawHandle]
}

// RemoveFile implements Service.
func (f *Fake) RemoveFile(ctx context.Context, ref ImageRef, cdp bool) error {
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[ref.Path] = true
	return nil
}

// DeleteSnapshot implements Service.
func (f *Fake) DeleteSnapshot(ctx context.Context, ref ImageRef) error {
	return f.RemoveErr
}

// MergeCDP implements Service.
func (f *Fake) MergeCDP(ctx context.Context, chain []ImageRef, merge []ImageRef, target ImageRef, flag string) error {
	return f.MergeErr
}

// MergeQcowHash implements Service.
func (f *Fake) MergeQcowHash(ctx context.Context, children []ImageRef, target ImageRef) error {
	return f.MergeErr
}

// MoveData implements Service.
func (f *Fake) MoveData(ctx context.Context, from ImageRef, chain []ImageRef, target ImageRef, flag string) error {
	return f.MoveErr
}

// IsRemoved reports whether RemoveFile was called for path, for tests.
func (f *Fake) IsRemoved(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[path]
}
