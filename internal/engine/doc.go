// Package engine holds the shared domain model of the lead scraping
// orchestration service: jobs, targets, leads, session outcomes, and the
// interfaces each subsystem implements or consumes. It has no dependencies on
// the concrete stores, fetchers, or the worker pool, so every subsystem can be
// tested against fakes of these interfaces.
package engine
