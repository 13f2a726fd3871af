// Package worker contains the background analysis pipeline: a lease
// locked tick loop that drains the task queue under a shared per-minute
// rate budget, a paginator that walks repository issues page by page,
// and a notifier that emails partial and final reports. The pieces
// communicate through the durable stores only, so any replica can run
// the tick and the pipeline survives restarts mid-report.
package worker
