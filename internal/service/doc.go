// Package service contains the application-specific use cases and business
// logic. It orchestrates interactions between domain objects and repositories
// (defined in internal/store) to fulfill application features.
//
// The report service is the write path for the HTTP API: it owns report
// submission (including the cached and resumed shortcuts for repeated
// repo/keyword pairs), ownership enforcement, cancellation, cascading
// deletion, error-task requeue, and the per-user workload summary.
// Background processing lives in internal/worker; the service only
// enqueues the first page and wakes the tick loop.
//
// Services receive dependencies through constructor injection and depend
// on domain entities and repository interfaces, never on specific
// infrastructure implementations.
package service
