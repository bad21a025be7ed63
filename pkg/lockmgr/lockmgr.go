// Package lockmgr provides the two named, process-wide locks ("journal"
// and "storage") that serialize the multi-step read-modify-write
// sequences in pkg/service, with trace-stack diagnostics on contention.
package lockmgr

import (
	"sync"

	"github.com/quaydisk/snapstore/pkg/log"
)

// TracedLock is a named lock that logs a debug event whenever its trace
// stack transitions empty<->non-empty, giving diagnosable contention
// traces without wrapping every call site.
//
// Go has no reentrant mutex; no call path in the source system ever
// re-acquires the same named lock on one goroutine (see DESIGN.md), so
// this is a plain mutex plus a trace stack rather than a counting lock.
type TracedLock struct {
	name string
	mu   sync.Mutex

	traceMu sync.Mutex
	trace   []string
}

func newTracedLock(name string) *TracedLock {
	return &TracedLock{name: name}
}

// Acquire blocks until the lock is held, then pushes trace onto the
// trace stack.
func (l *TracedLock) Acquire(trace string) {
	l.mu.Lock()
	l.pushTrace(trace)
}

// Release pops the most recent trace and unlocks.
func (l *TracedLock) Release() {
	l.popTrace()
	l.mu.Unlock()
}

func (l *TracedLock) pushTrace(trace string) {
	l.traceMu.Lock()
	defer l.traceMu.Unlock()
	wasEmpty := len(l.trace) == 0
	l.trace = append(l.trace, trace)
	if wasEmpty {
		log.Logger.Debug().Str("lock", l.name).Str("trace", trace).Msg("lock acquired")
	}
}

func (l *TracedLock) popTrace() {
	l.traceMu.Lock()
	defer l.traceMu.Unlock()
	if len(l.trace) > 0 {
		l.trace = l.trace[:len(l.trace)-1]
	}
	if len(l.trace) == 0 {
		log.Logger.Debug().Str("lock", l.name).Msg("lock released")
	}
}

// CurrentTrace joins the live trace stack, innermost first.
func (l *TracedLock) CurrentTrace() string {
	l.traceMu.Lock()
	defer l.traceMu.Unlock()
	out := ""
	for i := len(l.trace) - 1; i >= 0; i-- {
		if out != "" {
			out += " # "
		}
		out += l.trace[i]
	}
	return out
}

// Manager owns the two named locks used throughout the service. Contract:
// Journal is always acquired before Storage when both are needed.
type Manager struct {
	Journal *TracedLock
	Storage *TracedLock
}

// New creates a Manager with fresh journal/storage locks.
func New() *Manager {
	return &Manager{
		Journal: newTracedLock("journal"),
		Storage: newTracedLock("storage"),
	}
}

// WithJournal runs fn while holding the journal lock.
func (m *Manager) WithJournal(trace string, fn func() error) error {
	m.Journal.Acquire(trace)
	defer m.Journal.Release()
	return fn()
}

// WithJournalAndStorage runs fn while holding journal then storage, in
// that order, released in reverse order.
func (m *Manager) WithJournalAndStorage(trace string, fn func() error) error {
	m.Journal.Acquire(trace)
	defer m.Journal.Release()
	m.Storage.Acquire(trace)
	defer m.Storage.Release()
	return fn()
}

// WithStorage runs fn while holding only the storage lock.
func (m *Manager) WithStorage(trace string, fn func() error) error {
	m.Storage.Acquire(trace)
	defer m.Storage.Release()
	return fn()
}
