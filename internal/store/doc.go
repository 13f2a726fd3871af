// Package store defines the persistence interfaces for the application's
// entities (reports, analysis tasks, rate-limit buckets and lease locks)
// together with the shared sentinel errors, the DBTX database abstraction
// and the transaction helper. Implementations live in
// internal/platform/postgres.
package store
