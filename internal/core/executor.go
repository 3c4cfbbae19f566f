package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/factingest/internal/database"
	"github.com/JonMunkholm/factingest/internal/dedup"
	"github.com/JonMunkholm/factingest/internal/logging"
	"github.com/JonMunkholm/factingest/internal/record"
	"github.com/JonMunkholm/factingest/internal/schema"
)

// DefaultBatchSize is the number of records written per chunk.
const DefaultBatchSize = 500

// DefaultCountTolerance is the accepted gap between the observed row
// delta and the expected insert count.
const DefaultCountTolerance = 5

// insertColumns are written for every record, in bind order.
var insertColumns = []string{
	schema.ColPlatform,
	schema.ColShopID,
	schema.ColDomain,
	schema.ColGranularity,
	schema.ColSubDomain,
	schema.ColMetricDate,
	schema.ColPeriodStartDate,
	schema.ColPeriodEndDate,
	schema.ColPeriodStartTime,
	schema.ColPeriodEndTime,
	schema.ColFileID,
	schema.ColTemplateID,
	schema.ColRawData,
	schema.ColHeaderColumns,
	schema.ColDataHash,
	schema.ColCurrencyCode,
	schema.ColIngestTimestamp,
}

// IngestionStats is the outcome of one ingestion. Inserted, Updated,
// Skipped and Errors should add up to Total; a gap is a data-integrity
// warning, not an error.
type IngestionStats struct {
	Total    int `json:"total"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// Accounted returns the number of records with a known outcome.
func (s IngestionStats) Accounted() int {
	return s.Inserted + s.Updated + s.Skipped + s.Errors
}

// Balanced reports whether every record has an outcome.
func (s IngestionStats) Balanced() bool {
	return s.Accounted() == s.Total
}

// BatchMeta carries what the executor needs besides the records.
type BatchMeta struct {
	Identity   record.Identity
	ShopID     string
	FileID     string
	TemplateID string
	Strategy   WriteStrategy
	Key        schema.UniqueKey
	// Columns are dynamic columns present on the table, back-filled from
	// the payload after the write.
	Columns    []record.ColumnDescriptor
	IngestedAt time.Time
}

func (m BatchMeta) scope(table string) dedup.Scope {
	return dedup.Scope{Table: table, Identity: m.Identity, ShopID: m.ShopID, Key: m.Key}
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	BatchSize      int
	CountTolerance int
	UpdateFields   []string
}

// Executor writes deduplicated records to a fact table.
type Executor struct {
	db     database.TxBeginner
	lookup dedup.HashLookup
	cfg    ExecutorConfig
}

// NewExecutor creates an executor. lookup pre-fetches stored fingerprints
// for accounting; nil disables the pre-fetch.
func NewExecutor(db database.TxBeginner, lookup dedup.HashLookup, cfg ExecutorConfig) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CountTolerance < 0 {
		cfg.CountTolerance = DefaultCountTolerance
	}
	return &Executor{db: db, lookup: lookup, cfg: cfg}
}

// chunkOutcome is the result of writing one chunk.
type chunkOutcome struct {
	written []string // fingerprints of committed rows
	skipped int
	errors  int
}

// IngestBatch writes records in chunks, one transaction per chunk.
//
// A chunk failing with a conflict-class error is replayed row by row so
// only the offending rows are lost: unique violations count as skipped,
// other row errors as errors. Any other chunk error counts the whole
// chunk as errors; later chunks still run and the error is returned
// with the stats. Dynamic columns are back-filled afterwards on a best
// effort basis.
func (e *Executor) IngestBatch(ctx context.Context, table string, records []record.RawRecord, meta BatchMeta) (IngestionStats, error) {
	log := logging.WithFields(ctx, "table", table, "strategy", meta.Strategy)
	stats := IngestionStats{Total: len(records)}
	if len(records) == 0 {
		return stats, nil
	}
	if meta.IngestedAt.IsZero() {
		meta.IngestedAt = time.Now().UTC()
	}

	existing := e.prefetch(ctx, table, records, meta)
	before, countErr := e.count(ctx, table, meta)
	if countErr != nil {
		log.Warn("row count before write failed, accounting from fingerprints", "error", countErr)
	}

	var (
		written []string
		errs    []error
	)
	for start := 0; start < len(records); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(records))
		if err := ctx.Err(); err != nil {
			stats.Errors += len(records) - start
			errs = append(errs, fmt.Errorf("stopped at row %d: %w", start, err))
			break
		}

		out, err := e.writeChunk(ctx, table, records[start:end], meta)
		written = append(written, out.written...)
		stats.Skipped += out.skipped
		stats.Errors += out.errors
		if err != nil {
			log.Error("chunk write failed", "rows_from", start, "rows_to", end, "error", err)
			errs = append(errs, fmt.Errorf("chunk write failed (rows %d-%d): %w", start, end, err))
		}
	}

	after := before
	if countErr == nil {
		if after, countErr = e.count(ctx, table, meta); countErr != nil {
			log.Warn("row count after write failed, accounting from fingerprints", "error", countErr)
		}
	}
	e.reconcile(ctx, &stats, written, existing, after-before, countErr == nil, meta.Strategy)

	if len(meta.Columns) > 0 && len(written) > 0 {
		e.backfill(ctx, table, records, written, meta)
	}

	log.Info("batch ingested",
		"total", stats.Total, "inserted", stats.Inserted, "updated", stats.Updated,
		"skipped", stats.Skipped, "errors", stats.Errors)
	if !stats.Balanced() {
		log.Warn("ingestion stats do not add up", "accounted", stats.Accounted(), "total", stats.Total)
	}
	return stats, errors.Join(errs...)
}

// prefetch returns the fingerprints of records already stored.
func (e *Executor) prefetch(ctx context.Context, table string, records []record.RawRecord, meta BatchMeta) map[string]struct{} {
	if e.lookup == nil {
		return nil
	}
	hashes := make([]string, len(records))
	for i, r := range records {
		hashes[i] = r.Fingerprint
	}
	found, err := e.lookup.ExistingHashes(ctx, meta.scope(table), hashes)
	if err != nil {
		logging.FromContext(ctx).Warn("fingerprint pre-fetch failed, counting writes as inserts",
			"table", table, "error", err)
		return nil
	}
	return found
}

// count returns the rows of the batch's partition.
func (e *Executor) count(ctx context.Context, table string, meta BatchMeta) (int, error) {
	conds, args, _ := meta.Key.Scope(meta.Identity, meta.ShopID, 1)
	sql := "SELECT COUNT(*) FROM " + database.QuoteIdentifier(table)
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	var n int64
	if err := e.db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// reconcile splits the written rows into inserted and updated or skipped.
//
// UPSERT: a written fingerprint that was stored before is an update.
// INSERT_ONLY: the row delta is the insert count and the rest of the
// written rows were no-op conflicts. Without a usable delta the
// fingerprint classification stands in for it.
func (e *Executor) reconcile(ctx context.Context, stats *IngestionStats, written []string, existing map[string]struct{}, delta int, haveDelta bool, strategy WriteStrategy) {
	expected := 0
	for _, h := range written {
		if _, ok := existing[h]; !ok {
			expected++
		}
	}

	switch strategy {
	case Upsert:
		stats.Inserted += expected
		stats.Updated += len(written) - expected
	default:
		inserted := expected
		if haveDelta {
			inserted = max(0, min(delta, len(written)))
		}
		stats.Inserted += inserted
		stats.Skipped += len(written) - inserted
	}

	if !haveDelta {
		return
	}
	if gap := expected - delta; gap > e.cfg.CountTolerance || -gap > e.cfg.CountTolerance {
		var loss decimal.Decimal
		if expected > 0 {
			loss = decimal.NewFromInt(int64(gap)).Div(decimal.NewFromInt(int64(expected))).Round(3)
		}
		logging.FromContext(ctx).Warn("row count delta diverges from expected inserts; check the dedup fields of this domain",
			"expected", expected, "delta", delta, "loss_ratio", loss.String(), "tolerance", e.cfg.CountTolerance)
	}
}

// writeChunk writes one chunk in a transaction, replaying it row by row
// on a conflict-class error.
func (e *Executor) writeChunk(ctx context.Context, table string, chunk []record.RawRecord, meta BatchMeta) (chunkOutcome, error) {
	sql := insertSQL(table, len(chunk), meta.Key, meta.Strategy, e.cfg.UpdateFields)
	args := make([]any, 0, len(chunk)*len(insertColumns))
	for _, r := range chunk {
		args = append(args, recordArgs(r, meta)...)
	}

	err := e.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sql, args...)
		return err
	})
	if err == nil {
		return chunkOutcome{written: fingerprints(chunk)}, nil
	}
	if !database.IsConflictClass(err) {
		return chunkOutcome{errors: len(chunk)}, err
	}

	logging.FromContext(ctx).Debug("chunk conflicted, replaying rows", "table", table, "rows", len(chunk), "error", err)
	return e.replayRows(ctx, table, chunk, meta)
}

// replayRows writes each row under its own savepoint inside one
// transaction, keeping every row that succeeds.
func (e *Executor) replayRows(ctx context.Context, table string, chunk []record.RawRecord, meta BatchMeta) (chunkOutcome, error) {
	var out chunkOutcome
	sql := insertSQL(table, 1, meta.Key, meta.Strategy, e.cfg.UpdateFields)
	log := logging.FromContext(ctx)

	err := e.inTx(ctx, func(tx pgx.Tx) error {
		out = chunkOutcome{}
		for i, r := range chunk {
			sp := fmt.Sprintf("row_%d", i)
			if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
				return fmt.Errorf("create savepoint: %w", err)
			}
			if _, err := tx.Exec(ctx, sql, recordArgs(r, meta)...); err != nil {
				if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
					return fmt.Errorf("rollback savepoint: %w", rbErr)
				}
				if database.IsUniqueViolation(err) {
					out.skipped++
				} else {
					out.errors++
					log.Warn("row write failed", "table", table, "fingerprint", r.Fingerprint, "error", err)
				}
				continue
			}
			if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
				return fmt.Errorf("release savepoint: %w", err)
			}
			out.written = append(out.written, r.Fingerprint)
		}
		return nil
	})
	if err != nil {
		return chunkOutcome{errors: len(chunk)}, err
	}
	return out, nil
}

func (e *Executor) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// backfill copies payload values into the dynamic columns of written
// records. Failures are logged; the payload is already durable in
// raw_data.
func (e *Executor) backfill(ctx context.Context, table string, records []record.RawRecord, written []string, meta BatchMeta) {
	log := logging.WithFields(ctx, "table", table)
	ok := make(map[string]bool, len(written))
	for _, h := range written {
		ok[h] = true
	}

	conds, scopeArgs, next := meta.Key.Scope(meta.Identity, meta.ShopID, 1)
	var queued, failed int
	batch := &pgx.Batch{}

	flush := func() {
		if batch.Len() == 0 {
			return
		}
		res := e.db.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := res.Exec(); err != nil {
				failed++
				if failed == 1 {
					log.Warn("dynamic column back-fill failed", "error", err)
				}
			}
		}
		if err := res.Close(); err != nil && failed == 0 {
			log.Warn("dynamic column back-fill failed", "error", err)
			failed++
		}
		batch = &pgx.Batch{}
	}

	for _, r := range records {
		if !ok[r.Fingerprint] {
			continue
		}
		delete(ok, r.Fingerprint)
		sql, args := backfillSQL(table, r, meta.Columns, conds, scopeArgs, next)
		if sql == "" {
			continue
		}
		batch.Queue(sql, args...)
		queued++
		if batch.Len() >= e.cfg.BatchSize {
			flush()
		}
	}
	flush()

	log.Debug("dynamic columns back-filled", "rows", queued, "failed", failed)
}

// backfillSQL builds the UPDATE for one record, or "" when the payload
// holds none of the columns.
func backfillSQL(table string, r record.RawRecord, cols []record.ColumnDescriptor, conds []string, scopeArgs []any, next int) (string, []any) {
	var sets []string
	args := append([]any(nil), scopeArgs...)
	idx := next
	for _, c := range cols {
		v, ok := r.Payload.Get(c.Original)
		if !ok || v == nil {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", database.QuoteIdentifier(c.Normalized), idx))
		args = append(args, record.Stringify(v))
		idx++
	}
	if len(sets) == 0 {
		return "", nil
	}
	where := append(append([]string(nil), conds...),
		fmt.Sprintf("%s = $%d", database.QuoteIdentifier(schema.ColDataHash), idx))
	args = append(args, r.Fingerprint)

	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		database.QuoteIdentifier(table), strings.Join(sets, ", "), strings.Join(where, " AND ")), args
}

// insertSQL builds a multi-row INSERT for n records with the conflict
// clause of the strategy. A key without a usable index gets no clause.
func insertSQL(table string, n int, key schema.UniqueKey, strategy WriteStrategy, updateFields []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(database.QuoteIdentifier(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(database.QuoteIdentifiers(insertColumns), ", "))
	b.WriteString(") VALUES ")

	width := len(insertColumns)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*width+j+1)
		}
		b.WriteByte(')')
	}

	target := key.ConflictTarget()
	if target == "" {
		return b.String()
	}
	b.WriteString(" ON CONFLICT ")
	b.WriteString(target)
	if strategy != Upsert || len(updateFields) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	sets := make([]string, len(updateFields))
	for i, f := range updateFields {
		q := database.QuoteIdentifier(f)
		sets[i] = q + " = EXCLUDED." + q
	}
	b.WriteString(" DO UPDATE SET ")
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

// recordArgs returns the bind values of r in insertColumns order.
func recordArgs(r record.RawRecord, meta BatchMeta) []any {
	id := meta.Identity.Normalized()
	return []any{
		id.Platform,
		optionalText(meta.ShopID),
		id.Domain,
		id.Granularity,
		optionalText(id.SubDomain),
		dateArg(r.PeriodStartDate),
		dateArg(r.PeriodStartDate),
		dateArg(r.PeriodEndDate),
		timeArg(r.PeriodStartTime),
		timeArg(r.PeriodEndTime),
		optionalText(meta.FileID),
		optionalText(meta.TemplateID),
		payloadJSON(r.Payload),
		headersJSON(r.OriginalHeaders),
		r.Fingerprint,
		optionalText(r.CurrencyCode),
		pgtype.Timestamp{Time: meta.IngestedAt.UTC(), Valid: true},
	}
}

func optionalText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func dateArg(t time.Time) pgtype.Date {
	return pgtype.Date{Time: t, Valid: !t.IsZero()}
}

func timeArg(t *time.Time) pgtype.Timestamp {
	if t == nil {
		return pgtype.Timestamp{}
	}
	return pgtype.Timestamp{Time: *t, Valid: true}
}

func payloadJSON(row record.Row) string {
	b, err := json.Marshal(row)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// headersJSON returns the headers as a JSON string, or nil for NULL.
func headersJSON(headers []string) any {
	if len(headers) == 0 {
		return nil
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return nil
	}
	return string(b)
}

func fingerprints(records []record.RawRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Fingerprint
	}
	return out
}
