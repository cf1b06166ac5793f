// Package main hosts the lead crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job
//     management endpoints. Submissions are validated by the planner,
//     expanded into a location × category × keyword target grid, and
//     persisted before the request returns.
//   - Queue & workers: the targets table doubles as the durable queue.
//     Worker slots lease targets with FOR UPDATE SKIP LOCKED semantics,
//     run one scraper session per target, and a reaper requeues targets
//     whose lease expired with a crashed or stalled worker.
//   - Scraper session: each target fetches list pages over plain HTTP via
//     the Colly fetcher, promotes to a headless Chromedp page when the
//     markup demands JavaScript, and streams extracted leads into the
//     dedup store as they are normalized.
//   - Rate limiting & blocks: a per-domain limiter paces requests with
//     jittered intervals and a rolling window. Detected blocks trigger
//     exponential cooldowns, snapshot uploads, and at most one external
//     solver attempt per session.
//   - Persistence & fanout: jobs, targets, and leads live in Postgres (or
//     in memory for local runs); blocked-page snapshots go to GCS; progress
//     events are batched through a hub into log, Prometheus, Pub/Sub, and
//     SSE subscriber sinks.
//
// Operational notes:
//   - Configuration comes from a YAML file plus LEADCRAWLER_* env
//     overrides via Viper; zap provides structured logging.
//   - Shutdown: SIGTERM stops the HTTP server, cancels the worker pool,
//     and drains the progress hub. Sessions notice cancellation at their
//     next state boundary; their targets are reclaimed by lease expiry.
//
// Run locally: go run ./cmd/leadcrawler -config config.yaml (or rely
// solely on env overrides; without a DB DSN everything stays in memory).
package main
