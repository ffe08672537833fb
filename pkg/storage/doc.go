// Package storage holds the persistence configuration shared by the storage
// backends.
//
// Two backends implement billing.Store and ledger.Ledger:
//
//   - memory: process-local maps, used by tests and embedders
//   - postgres: PostgreSQL with embedded golang-migrate migrations, optional
//     read replicas and a Redis client for the gateway details cache
//
// Subscription updates are optimistic: a write carries the UpdatedAt it read
// and fails with billing.ErrConcurrentUpdate when the row moved on.
package storage
