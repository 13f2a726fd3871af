// Package mocks provides centralized in-memory implementations of the
// store interfaces for testing.
//
// The mocks hold real state behind a mutex instead of returning canned
// responses, so multi-step pipeline tests exercise genuine ordering,
// idempotency, and state-machine behavior. Instead of defining inline
// fakes in individual test files, these implementations are shared
// across test packages.
//
// Usage:
//
//	import "github.com/issuewatch/issuewatch-api/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    reports := mocks.NewMemReportStore(existingReport)
//	    tasks := mocks.NewMemTaskStore()
//	    // Wire them into the component under test...
//	}
package mocks
