// Package store provides bbolt-backed persistence for the two core row
// types, journal and snapshot_storage, plus the auxiliary hash table.
// Every mutating call enforces the transition rules from pkg/types inside
// its own bbolt transaction; pkg/lockmgr still guards the multi-call
// sequences built on top of it.
package store
