package service

import (
	"github.com/quaydisk/snapstore/pkg/journal"
	"github.com/quaydisk/snapstore/pkg/types"
)

// GenerateJournalForCreate persists a create journal, matching
// generate_journal.for_create.
func (s *Service) GenerateJournalForCreate(token string, newIdent string, parentIdent *string, parentTimestamp *float64, newType types.StorageType, newStorageDir string, newDiskBytes int64, newHashMode *string) error {
	payload, err := journal.EncodeCreatePayload(newIdent, parentIdent, parentTimestamp, newType, newStorageDir, newDiskBytes, newHashMode)
	if err != nil {
		return err
	}
	return s.Locks.WithJournal("generate_journal_for_create", func() error {
		_, err := s.Store.JournalCreate(token, payload, types.OperationCreate)
		return err
	})
}

// GenerateJournalForDestroy persists a destroy journal, matching
// generate_journal.for_destroy.
func (s *Service) GenerateJournalForDestroy(token string, idents []string) error {
	payload, err := journal.EncodeDestroyPayload(idents)
	if err != nil {
		return err
	}
	return s.Locks.WithJournal("generate_journal_for_destroy", func() error {
		_, err := s.Store.JournalCreate(token, payload, types.OperationDestroy)
		return err
	})
}
