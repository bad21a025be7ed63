// Package types is the foundation of snapstore's data model: the
// SnapshotStorage forest and the Journal intent log, plus the status and
// operation enums that every other package builds on.
//
// # Persistence
//
// Both SnapshotStorage and Journal are stored as JSON by pkg/store, one
// bucket per row type, the same way warren's pkg/storage persists
// types.Node/types.Service.
package types
