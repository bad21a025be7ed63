// Package recycler implements the background recycling pass: per
// storage tree, it deletes snapshots already marked for recycling once
// nothing references them, and merges interior
// snapshots back toward their parent once a delete-only pass finds
// nothing left to do.
package recycler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quaydisk/snapstore/pkg/graph"
	"github.com/quaydisk/snapstore/pkg/imagesvc"
	"github.com/quaydisk/snapstore/pkg/lockmgr"
	"github.com/quaydisk/snapstore/pkg/log"
	"github.com/quaydisk/snapstore/pkg/metrics"
	"github.com/quaydisk/snapstore/pkg/refmanager"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/rs/zerolog"
)

// Recycler periodically scans every storage tree for recyclable work,
// matching StorageCollection.collect wrapped in a ticker loop.
type Recycler struct {
	store  store.Store
	locks  *lockmgr.Manager
	refmgr *refmanager.Manager
	images imagesvc.Service

	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Recycler over the same store/lock/reference-manager/
// image-service instances the rest of the service uses.
func New(st store.Store, locks *lockmgr.Manager, refmgr *refmanager.Manager, images imagesvc.Service, interval time.Duration) *Recycler {
	return &Recycler{
		store:    st,
		locks:    locks,
		refmgr:   refmgr,
		images:   images,
		interval: interval,
		logger:   log.WithComponent("recycler"),
	}
}

// Start begins the recycling loop in a background goroutine.
func (r *Recycler) Start(ctx context.Context) {
	r.mu.Lock()
	r.stopCh = make(chan struct{})
	stop := r.stopCh
	r.mu.Unlock()
	go r.run(ctx, stop)
}

// Stop ends the recycling loop.
func (r *Recycler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

func (r *Recycler) run(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("recycler started")

	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("recycling cycle failed")
			}
		case <-stop:
			r.logger.Info().Msg("recycler stopped")
			return
		case <-ctx.Done():
			r.logger.Info().Msg("recycler stopped")
			return
		}
	}
}

// RunOnce runs a single recycling pass: one analyze/execute/save cycle
// per storage tree currently known to the store.
func (r *Recycler) RunOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.RecyclingCycleDuration)
		metrics.RecyclingCyclesTotal.Inc()
	}()

	treeIdents, err := r.store.StorageListTreeIdents()
	if err != nil {
		return fmt.Errorf("list tree idents: %w", err)
	}

	for _, treeIdent := range treeIdents {
		if _, err := r.RunTree(ctx, treeIdent); err != nil {
			r.logger.Error().Err(err).Str("tree_ident", treeIdent).Msg("recycling tree failed")
		}
	}
	return nil
}

// RunTree runs one analyze/execute/save cycle for a single tree_ident,
// matching StorageCollection.collect. It reports whether any work item
// succeeded.
func (r *Recycler) RunTree(ctx context.Context, treeIdent string) (bool, error) {
	name := fmt.Sprintf("recycler | %s", treeIdent)

	var works []Work
	err := r.locks.WithStorage(name, func() error {
		rows, err := r.store.StorageQueryValid(treeIdent)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		tr, err := graph.Build(treeIdent, rows)
		if err != nil {
			return err
		}
		if tr.Root == nil {
			return nil
		}

		w, err := analyze(tr, r.store, r.refmgr, name)
		if err != nil {
			return err
		}
		works = w
		for _, item := range works {
			if err := item.AllocResource(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, item := range works {
			item.FreeResource()
		}
		return false, err
	}
	if len(works) == 0 {
		return false, nil
	}

	for _, item := range works {
		item.Execute(ctx, r.images)
	}

	anySuccess := false
	saveErr := r.locks.WithStorage(name+" save", func() error {
		for _, item := range works {
			ok, err := item.SaveResult(r.store)
			if err != nil {
				return err
			}
			outcome := "failed"
			if ok {
				outcome = "succeeded"
				anySuccess = true
			}
			metrics.RecyclingWorkTotal.WithLabelValues(string(item.Kind()), outcome).Inc()
			r.logger.Info().Str("tree_ident", treeIdent).Str("work", item.String()).Str("outcome", outcome).Msg("recycling work item finished")
		}
		return nil
	})

	for _, item := range works {
		item.FreeResource()
	}
	if saveErr != nil {
		return anySuccess, saveErr
	}
	return anySuccess, nil
}
