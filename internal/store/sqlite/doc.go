// Package sqlite provides a WAL-mode SQLite-backed implementation of
// internal/model's AccountStore, DeviceStore, TemplateStore, and EventSink
// interfaces, for single-node and embedded deployments (spec.md §3
// "Deliberately out of scope... the persistence layer (flat-file vs.
// relational store)").
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. Store keeps a
// single pooled connection, so reads (REST admin queries) and writes
// (connection/event recording) through one Store are serialised rather than
// run concurrently.
//
// # Template cache
//
// Per spec.md §5 "in the flat-file store [the template cache] is a single
// process-wide map reset on restart", Store keeps an in-memory
// accountID/deviceID/customType → Template cache behind a mutex, consulted
// before any database round trip and populated on every successful
// SaveTemplate or cache-miss Template lookup.
package sqlite
