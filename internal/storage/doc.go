// Package storage persists accounts, campaigns, targets, the blacklist and
// the append-only attempt statistics.
//
// The engine treats the store as crash-durable record storage keyed by
// entity id; no scheduling invariant depends on storage internals. A nil
// Store (driver "none") disables persistence entirely.
package storage
