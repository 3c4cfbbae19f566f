// Package core runs the ingestion pipeline that lands already-parsed
// e-commerce report rows in per-identity fact tables.
//
// # Pipeline
//
// [Service.Ingest] takes one batch and:
//
//  1. Acquires a slot from the [IngestLimiter]
//  2. Skips the batch when the file ledger shows it was ingested before
//  3. Resolves the best published template and gates header drift
//  4. Ensures the fact table and adds columns for new headers
//  5. Extracts the period and currency of every row
//  6. Removes intra-batch and already-stored duplicates
//  7. Writes the rows in chunks through the [Executor]
//
// Stats always satisfy Inserted + Updated + Skipped + Errors == Total.
//
// # Write strategies
//
// Domains listed in INGEST_UPSERT_DOMAINS are written with [Upsert]; all
// others with [InsertOnly]. A chunk that hits a uniqueness conflict is
// replayed row by row inside savepoints so one bad row costs only itself.
//
// # Error Handling
//
// Technical errors are mapped to operator-facing messages using [MapError].
// Each category has a code for support reference:
//
//   - DB001-DB007: store constraints and connectivity
//   - VAL001-VAL004: request validation
//   - ING001-ING004: ingestion pipeline
//   - TPL001-TPL002: templates
//   - SCH001-SCH003: dynamic schema
//
// # Maintenance
//
// A [Scheduler] runs [Service.RunMaintenance] on a cron schedule to
// back-fill system columns and refresh planner statistics.
package core
