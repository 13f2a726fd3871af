// Package domain contains the core entities of the application: reports,
// the issues embedded in them, and the analysis tasks queued for the
// background worker. Entities carry their own validation logic and are
// persistence-agnostic.
package domain
