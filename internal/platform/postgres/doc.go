// Package postgres provides PostgreSQL-specific implementations for the data
// storage interfaces defined in the internal/store package: reports, the
// analysis task queue, rate-limit buckets, and the worker lease lock. It
// handles query execution and mapping between domain entities and database
// records, translating driver errors into store sentinel errors.
package postgres
