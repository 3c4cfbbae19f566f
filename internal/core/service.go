package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/factingest/internal/config"
	"github.com/JonMunkholm/factingest/internal/currency"
	"github.com/JonMunkholm/factingest/internal/database"
	"github.com/JonMunkholm/factingest/internal/dedup"
	"github.com/JonMunkholm/factingest/internal/logging"
	"github.com/JonMunkholm/factingest/internal/record"
	"github.com/JonMunkholm/factingest/internal/schema"
	"github.com/JonMunkholm/factingest/internal/templates"
	"github.com/JonMunkholm/factingest/internal/temporal"
)

// Service runs the ingestion pipeline and exposes its parts to the API.
type Service struct {
	registry  *schema.Registry
	columns   *schema.ColumnManager
	templates *templates.Resolver
	store     *templates.PgStore
	dedup     *dedup.Engine
	ledger    *dedup.PgLedger
	executor  *Executor
	policies  *Policies
	limiter   *IngestLimiter

	minMatchRate float64
	now          func() time.Time
}

// NewService wires the Postgres-backed components over db.
func NewService(db database.TxBeginner, cfg *config.Config) *Service {
	lookup := dedup.NewPgLookup(db)
	policies := NewPolicies(cfg.Ingest)
	store := templates.NewPgStore(db)

	return &Service{
		registry:  schema.NewRegistry(db, cfg.Ingest.SubDomainRequiredDomains),
		columns:   schema.NewColumnManager(db, schema.NewColumnCache(), cfg.Ingest.MaxColumns),
		templates: templates.NewResolver(store, cfg.Templates.StrictSubDomainDomains),
		store:     store,
		dedup:     dedup.NewEngine(lookup),
		ledger:    dedup.NewPgLedger(db),
		executor: NewExecutor(db, lookup, ExecutorConfig{
			BatchSize:      cfg.Ingest.BatchSize,
			CountTolerance: cfg.Ingest.CountTolerance,
			UpdateFields:   policies.UpdateFields(),
		}),
		policies:     policies,
		limiter:      NewIngestLimiter(cfg.Ingest.MaxConcurrent, cfg.Ingest.MaxWaitTime),
		minMatchRate: cfg.Templates.MinMatchRate,
		now:          time.Now,
	}
}

// Init creates the bookkeeping tables.
func (s *Service) Init(ctx context.Context) error {
	if err := s.registry.Init(ctx); err != nil {
		return err
	}
	if err := s.ledger.Init(ctx); err != nil {
		return err
	}
	return s.store.Init(ctx)
}

// IngestRequest is one already-parsed batch.
type IngestRequest struct {
	Identity record.Identity `json:"identity"`
	ShopID   string          `json:"shop_id,omitempty"`
	// Headers are the original headers in file order.
	Headers []string     `json:"headers"`
	Rows    []record.Row `json:"rows"`
	// FileRef and FileHash identify the source file for the ledger.
	FileRef  string `json:"file_ref,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
	// CurrencyCode applies to rows carrying none; empty derives it from
	// the headers.
	CurrencyCode        string   `json:"currency_code,omitempty"`
	ConfirmHeaderChange bool     `json:"confirm_header_change,omitempty"`
	DedupFields         []string `json:"dedup_fields,omitempty"`
}

// IngestResult reports an ingestion.
type IngestResult struct {
	IngestionID  string                  `json:"ingestion_id"`
	Table        string                  `json:"table,omitempty"`
	Strategy     WriteStrategy           `json:"strategy,omitempty"`
	Stats        IngestionStats          `json:"stats"`
	Dedup        dedup.Stats             `json:"dedup"`
	TemplateID   string                  `json:"template_id,omitempty"`
	TemplateVer  int                     `json:"template_version,omitempty"`
	HeaderChange *templates.HeaderChange `json:"header_change,omitempty"`
	AddedColumns []string                `json:"added_columns,omitempty"`
	FileSkipped  bool                    `json:"file_skipped,omitempty"`
	SkipReason   string                  `json:"skip_reason,omitempty"`
	Warnings     []string                `json:"warnings,omitempty"`
}

// Ingest runs one batch through the pipeline: file shortcut, template
// lookup, header-drift gate, table and columns, period and currency
// extraction, deduplication and the write. The result is returned even
// when err is non-nil so callers see partial stats.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if len(req.Headers) == 0 && len(req.Rows) > 0 {
		req.Headers = req.Rows[0].Keys()
	}
	if len(req.Headers) == 0 {
		return nil, ErrNoHeaders
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	res := &IngestResult{IngestionID: uuid.NewString(), Stats: IngestionStats{Total: len(req.Rows)}}
	ctx = logging.WithIngestionID(ctx, res.IngestionID)
	id := req.Identity.Normalized()
	log := logging.WithFields(ctx, "platform", id.Platform, "domain", id.Domain,
		"sub_domain", id.SubDomain, "granularity", id.Granularity, "rows", len(req.Rows))
	start := s.now()
	file := dedup.FileRef{Ref: req.FileRef, Hash: req.FileHash}

	if done, reason := s.fileProcessed(ctx, file); done {
		res.FileSkipped, res.SkipReason = true, reason
		res.Stats.Skipped = len(req.Rows)
		log.Info("file already ingested, skipping batch", "reason", reason)
		return res, nil
	}

	tpl := s.template(ctx, req.Identity)
	if tpl != nil {
		res.TemplateID, res.TemplateVer = tpl.ID, tpl.Version
		hc := templates.DetectHeaderChange(tpl, req.Headers)
		res.HeaderChange = &hc
		if s.minMatchRate > 0 && hc.MatchRate < s.minMatchRate {
			res.Warnings = append(res.Warnings, fmt.Sprintf("header match rate %.1f%% is below %.1f%%", hc.MatchRate, s.minMatchRate))
			log.Warn("header match rate below threshold", "match_rate", hc.MatchRate, "threshold", s.minMatchRate)
		}
		if hc.Changed && !req.ConfirmHeaderChange {
			log.Warn("header drift needs confirmation", "added", hc.Added, "removed", hc.Removed)
			return res, ErrHeaderDrift
		}
	}

	table, err := s.registry.EnsureTable(ctx, id)
	if err != nil {
		s.markFile(ctx, file, dedup.FileFailed, "", 0)
		return res, err
	}
	res.Table = table

	added, err := s.columns.EnsureColumns(ctx, table, req.Headers, 0)
	if err != nil {
		log.Warn("column evolution incomplete, payload kept in raw_data", "error", err)
	}
	res.AddedColumns = added

	strategy := s.policies.Strategy(id.Domain)
	res.Strategy = strategy
	key := s.registry.KeyOf(ctx, table, id)
	fields := req.DedupFields
	if len(fields) == 0 {
		fields = s.policies.DedupFields(id.Domain, tpl)
	}

	dr := s.dedup.DeduplicateBatch(ctx, req.Rows,
		dedup.Scope{Table: table, Identity: id, ShopID: req.ShopID, Key: key}, fields)
	res.Dedup = dr.Stats
	if dr.Stats.Degraded {
		res.Warnings = append(res.Warnings, "duplicate pre-check unavailable, all rows treated as new")
	}

	rows, hashes := dr.Rows, dr.Fingerprints
	dupSkipped := dr.Stats.IntraBatch
	if strategy == Upsert {
		rows = append(rows, dr.StoredRows...)
		hashes = append(hashes, dr.StoredFingerprints...)
	} else {
		dupSkipped += dr.Stats.CrossCorpus
	}

	meta := BatchMeta{
		Identity:   id,
		ShopID:     req.ShopID,
		FileID:     req.FileRef,
		TemplateID: res.TemplateID,
		Strategy:   strategy,
		Key:        key,
		Columns:    s.dynamicColumns(ctx, table, req.Headers),
		IngestedAt: start.UTC(),
	}
	records := BuildRecords(rows, hashes, req.Headers, req.CurrencyCode, start)

	stats, werr := s.executor.IngestBatch(ctx, table, records, meta)
	res.Stats = IngestionStats{
		Total:    len(req.Rows),
		Inserted: stats.Inserted,
		Updated:  stats.Updated,
		Skipped:  stats.Skipped + dupSkipped,
		Errors:   stats.Errors,
	}
	if !res.Stats.Balanced() {
		res.Warnings = append(res.Warnings, fmt.Sprintf("stats account for %d of %d rows", res.Stats.Accounted(), res.Stats.Total))
	}

	status := dedup.FileIngested
	if werr != nil {
		status = dedup.FileFailed
	}
	s.markFile(ctx, file, status, table, res.Stats.Inserted+res.Stats.Updated)

	log.Info("ingestion finished", "table", table, "inserted", res.Stats.Inserted,
		"updated", res.Stats.Updated, "skipped", res.Stats.Skipped, "errors", res.Stats.Errors,
		"duration_ms", s.now().Sub(start).Milliseconds())
	return res, werr
}

// fileProcessed consults the ledger; a failed check never blocks.
func (s *Service) fileProcessed(ctx context.Context, f dedup.FileRef) (bool, string) {
	if s.ledger == nil || (f.Ref == "" && f.Hash == "") {
		return false, ""
	}
	done, reason, err := s.ledger.Processed(ctx, f)
	if err != nil {
		logging.FromContext(ctx).Warn("file ledger check failed, continuing", "file_ref", f.Ref, "error", err)
		return false, ""
	}
	return done, reason
}

func (s *Service) markFile(ctx context.Context, f dedup.FileRef, status dedup.FileStatus, table string, rows int) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Mark(ctx, f, status, table, rows); err != nil {
		logging.FromContext(ctx).Warn("file ledger update failed", "file_ref", f.Ref, "status", status, "error", err)
	}
}

// template returns the best published template, or nil. Lookup errors
// other than not-found are logged; ingestion continues without one.
func (s *Service) template(ctx context.Context, id record.Identity) *templates.Template {
	t, err := s.templates.FindBestTemplate(ctx, templates.LookupFor(id))
	switch {
	case err == nil:
		return &t
	case errors.Is(err, templates.ErrNotFound):
		return nil
	default:
		logging.FromContext(ctx).Warn("template lookup failed, continuing without template", "error", err)
		return nil
	}
}

// dynamicColumns returns the header columns present on table.
func (s *Service) dynamicColumns(ctx context.Context, table string, headers []string) []record.ColumnDescriptor {
	existing, err := s.columns.GetExistingColumns(ctx, table)
	if err != nil {
		logging.FromContext(ctx).Warn("column lookup failed, skipping back-fill", "table", table, "error", err)
		return nil
	}
	var out []record.ColumnDescriptor
	for _, d := range schema.DescribeColumns(headers) {
		if _, ok := existing[d.Normalized]; ok {
			out = append(out, d)
		}
	}
	return out
}

// rowCurrencyKeys are payload keys that carry a per-row currency.
var rowCurrencyKeys = []string{"currency_code", "currency", "币种", "货币"}

// BuildRecords turns deduplicated rows into records with their period and
// currency. hashes is index-aligned with rows. A row's own currency wins
// over batchCurrency, which falls back to the first code in headers.
func BuildRecords(rows []record.Row, hashes []string, headers []string, batchCurrency string, now time.Time) []record.RawRecord {
	if batchCurrency = strings.ToUpper(strings.TrimSpace(batchCurrency)); !currency.IsValidCode(batchCurrency) {
		batchCurrency = currency.ExtractFromHeaders(headers)
	}
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = schema.NormalizeColumnName(h)
	}

	out := make([]record.RawRecord, len(rows))
	for i, row := range rows {
		p := temporal.Extract(row, headers, now)
		code := rowCurrency(row)
		if code == "" {
			code = batchCurrency
		}
		out[i] = record.RawRecord{
			Fingerprint:       hashes[i],
			Payload:           row,
			OriginalHeaders:   headers,
			NormalizedHeaders: normalized,
			CurrencyCode:      code,
			PeriodStartDate:   p.StartDate,
			PeriodEndDate:     p.EndDate,
			PeriodStartTime:   p.StartTime,
			PeriodEndTime:     p.EndTime,
		}
	}
	return out
}

func rowCurrency(row record.Row) string {
	for _, k := range rowCurrencyKeys {
		v, ok := row.Get(k)
		if !ok {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(record.Stringify(v)))
		if currency.IsValidCode(code) {
			return code
		}
	}
	return ""
}

// EnsureTable creates the table for id if needed and returns its name.
func (s *Service) EnsureTable(ctx context.Context, id record.Identity) (string, error) {
	return s.registry.EnsureTable(ctx, id)
}

// EnsureColumns adds columns for headers to a fact table.
func (s *Service) EnsureColumns(ctx context.Context, table string, headers []string) ([]string, error) {
	if !schema.IsFactTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTable, table)
	}
	if len(headers) == 0 {
		return nil, ErrNoHeaders
	}
	return s.columns.EnsureColumns(ctx, table, headers, 0)
}

// GetExistingColumns returns the columns of a fact table.
func (s *Service) GetExistingColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	if !schema.IsFactTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTable, table)
	}
	return s.columns.RefreshColumns(ctx, table)
}

// PreviewDedup deduplicates rows against the table of id without writing.
// The table is not created; a missing table degrades the lookup.
func (s *Service) PreviewDedup(ctx context.Context, id record.Identity, shopID string, rows []record.Row, fields []string) dedup.Result {
	n := id.Normalized()
	table := s.registry.ResolveTableName(n)
	if len(fields) == 0 {
		fields = s.policies.DedupFields(n.Domain, s.template(ctx, id))
	}
	scope := dedup.Scope{Table: table, Identity: n, ShopID: shopID, Key: s.registry.KeyOf(ctx, table, n)}
	return s.dedup.DeduplicateBatch(ctx, rows, scope, fields)
}

// FindBestTemplate resolves the template for l.
func (s *Service) FindBestTemplate(ctx context.Context, l templates.Lookup) (templates.Template, error) {
	return s.templates.FindBestTemplate(ctx, l)
}

// ListTemplates returns stored templates matching f.
func (s *Service) ListTemplates(ctx context.Context, f templates.Filter) ([]templates.Template, error) {
	return s.templates.List(ctx, f)
}

// SaveTemplate stores t as a new version.
func (s *Service) SaveTemplate(ctx context.Context, t templates.Template) (templates.Template, error) {
	return s.templates.Save(ctx, t)
}

// DetectHeaderChange compares columns with the stored template id.
func (s *Service) DetectHeaderChange(ctx context.Context, templateID string, columns []string) templates.HeaderChange {
	return s.templates.DetectHeaderChangeByID(ctx, templateID, columns)
}

// LimiterStatus returns the ingestion limiter state.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// WaitForIngestions blocks until running ingestions finish or ctx ends.
func (s *Service) WaitForIngestions(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}
