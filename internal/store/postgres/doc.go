// Package postgres provides a PostgreSQL-backed implementation of
// internal/model's AccountStore, DeviceStore, TemplateStore, and EventSink
// interfaces, for multi-node deployments where the embedded SQLite store
// (internal/store/sqlite) cannot be shared across processes.
//
// # Batched event ingestion
//
// Account and device writes are infrequent admin operations and are applied
// immediately. Events arrive at ingestion rate, so InsertEvent enqueues into
// an in-memory buffer that Flush drains to PostgreSQL in a single batch
// round trip, either when the buffer reaches its configured size or when a
// background ticker fires — whichever comes first.
//
// # Template cache
//
// As with internal/store/sqlite, Store keeps an in-memory
// accountID/deviceID/customType → Template cache behind a mutex, consulted
// before any database round trip (spec.md §5).
package postgres
