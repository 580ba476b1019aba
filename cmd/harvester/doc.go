// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Planner: internal/planner ensures one crawl task per API, parameter set and time window (rank every ten
//     minutes, per-project stats and trade history hourly). Ensure is idempotent on the task key, so replicas may
//     plan concurrently.
//   - Workers: a fixed pool leases tasks from the task store (SKIP LOCKED in Postgres), walks their pages and renews
//     the lease after every page. A lapsed lease aborts the task without writes; another worker resumes from
//     NextPage.
//   - Fetch pipeline: the Colly fetcher signs requests when OKX credentials are set, waits on a per-endpoint token
//     bucket and sends If-None-Match/If-Modified-Since from the last successful crawl log. A 304 or an identical
//     body hash marks the page unchanged and skips ingestion.
//   - Ingestion: internal/ingest upserts projects, opens and closes visibility tombstones, inserts bucketed
//     snapshots and idempotent trades, and publishes visibility changes to Pub/Sub.
//   - Persistence: memory or Postgres repositories, optional ClickHouse snapshots, optional Redis cache in front of
//     the crawl log, raw bodies archived to memory, local disk or GCS.
//
// Quick checklist:
//   - harvester migrate --config config.yaml creates the schema.
//   - harvester serve --config config.yaml runs API, planner and workers; SIGTERM drains them.
//   - Env overrides use the HARVESTER_ prefix, e.g. HARVESTER_DB_DSN, HARVESTER_OKX_ACCESS_KEY.
package main
