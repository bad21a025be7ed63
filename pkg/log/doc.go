/*
Package log wraps zerolog to give every component of snapstore
structured, leveled logging with a single global Logger.

Initialize once at process startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then derive component loggers with the With* helpers (WithComponent,
WithJournalToken, WithStorageIdent, WithTreeIdent, WithHandle,
WithCallerName) the way pkg/service, pkg/handlepool and pkg/recycler do
when reporting orchestrator failures, handle teardown, and recycling
work.
*/
package log
