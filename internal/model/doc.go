// Package model defines the abstract account/device records and the small
// capability interfaces the protocol engine calls out to for persistence,
// event insertion, and template lookup (spec.md §4.H, §6). Concrete stores
// (internal/store/postgres, internal/store/sqlite) satisfy these
// interfaces independently; the engine itself never imports a store
// package directly.
package model
