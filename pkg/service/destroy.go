package service

import (
	"errors"

	"github.com/quaydisk/snapstore/pkg/journal"
	"github.com/quaydisk/snapstore/pkg/log"
	"github.com/quaydisk/snapstore/pkg/store"
	"github.com/quaydisk/snapstore/pkg/types"
)

// DelayDeal is the three-valued result of handling one destroy target,
// replacing the upstream's DelayDealException control-flow escape: the
// for/else loop in deal_in_journal is not translated literally — each
// ident resolves to exactly one of these outcomes, and the journal is
// consumed only if none were Delay.
type DelayDeal int

const (
	// Handled means the ident was found (in storage or as a pending
	// create journal) and dealt with immediately.
	Handled DelayDeal = iota
	// Delay means the ident's current state can't be resolved yet and
	// must be retried on a future pass.
	Delay
	// Missing means the ident was found nowhere; logged and skipped.
	Missing
)

// DestroyJournal processes every ident named by the destroy journal at
// token: storage rows in STORAGE move to RECYCLING; rows already
// ABNORMAL/DELETED/RECYCLING are left alone; rows in any other state
// delay the whole journal. Idents not in storage are looked up among
// pending create journals and consumed there instead. The destroy
// journal itself is consumed only once every ident resolved to Handled
// or Missing, matching DestroyJournal.execute.
func (s *Service) DestroyJournal(token string) error {
	op := s.nextOpNumber()
	return s.Locks.WithJournalAndStorage("destroy", func() error {
		row, err := s.Store.JournalGetByToken(token)
		if err != nil {
			return err
		}
		if row.Consumed() {
			return nil
		}
		view, err := journal.NewDestroyView(s.Store, row)
		if err != nil {
			return err
		}

		trace := log.WithJournalToken(token)
		allResolved := true
		for _, ident := range view.Idents() {
			outcome, err := s.destroyOneIdent(ident, token)
			if err != nil {
				return err
			}
			switch outcome {
			case Delay:
				allResolved = false
			case Missing:
				trace.Warn().Int64("op", op).Str("ident", ident).Msg("destroy target not found in storage or journal")
			}
		}

		if !allResolved {
			return nil
		}
		return view.Consume()
	})
}

func (s *Service) destroyOneIdent(ident, destroyToken string) (DelayDeal, error) {
	handled, err := s.destroyInStorage(ident, destroyToken)
	if err != nil || handled != Missing {
		return handled, err
	}
	return s.destroyInJournal(ident, destroyToken)
}

// destroyInStorage matches DestroyJournal._deal_in_storage.
func (s *Service) destroyInStorage(ident, destroyToken string) (DelayDeal, error) {
	row, err := s.Store.StorageGetByIdent(ident)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Missing, nil
		}
		return Missing, err
	}

	switch row.Status {
	case types.StatusStorage:
		if _, err := s.Store.StorageUpdateStatus(ident, types.StatusRecycling); err != nil {
			return Delay, err
		}
		log.WithStorageIdent(ident).Info().Str("destroy_token", destroyToken).Msg("storage marked recycling")
		return Handled, nil
	case types.StatusAbnormal, types.StatusDeleted, types.StatusRecycling:
		log.WithStorageIdent(ident).Warn().Str("status", string(row.Status)).Msg("destroy target already terminal, not updating")
		return Handled, nil
	default:
		return Delay, nil
	}
}

// destroyInJournal matches DestroyJournal._deal_in_journal.
func (s *Service) destroyInJournal(ident, destroyToken string) (DelayDeal, error) {
	pending, err := journal.QueryUnconsumedCreate(s.Store, 0)
	if err != nil {
		return Missing, err
	}
	for _, jn := range pending {
		if jn.NewIdent() != ident {
			continue
		}
		if err := jn.Consume(); err != nil {
			return Missing, err
		}
		log.WithJournalToken(jn.Token()).Info().Str("destroy_token", destroyToken).
			Msg("pending create journal consumed without creating, destroyed first")
		return Handled, nil
	}
	return Missing, nil
}
