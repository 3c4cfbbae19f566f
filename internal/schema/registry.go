package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/factingest/internal/database"
	"github.com/JonMunkholm/factingest/internal/logging"
	"github.com/JonMunkholm/factingest/internal/record"
)

// ErrTableCreate wraps a failed CREATE TABLE. It is fatal for the
// ingestion call that triggered it.
var ErrTableCreate = errors.New("table creation failed")

// RegistryTable stores per-table metadata recorded at creation time.
const RegistryTable = "ingest_table_registry"

// TableMeta describes a fact table as recorded when it was created.
type TableMeta struct {
	Name          string          `json:"name"`
	Identity      record.Identity `json:"identity"`
	Key           UniqueKey       `json:"unique_key"`
	SchemaVersion int             `json:"schema_version"`
}

// Registry resolves identities to tables and creates them on demand.
// It is safe for concurrent use; concurrent EnsureTable calls for the
// same table in one process share a single round of DDL.
type Registry struct {
	db                database.DBTX
	subDomainRequired map[string]bool

	group singleflight.Group
	mu    sync.RWMutex
	known map[string]TableMeta
}

// NewRegistry creates a registry. subDomainRequired lists domains whose
// tables carry a NOT NULL sub_domain and a sub-domain scoped key.
func NewRegistry(db database.DBTX, subDomainRequired []string) *Registry {
	req := make(map[string]bool, len(subDomainRequired))
	for _, d := range subDomainRequired {
		req[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Registry{
		db:                db,
		subDomainRequired: req,
		known:             make(map[string]TableMeta),
	}
}

// SubDomainRequired reports whether domain tables are sub-domain scoped.
func (r *Registry) SubDomainRequired(domain string) bool {
	return r.subDomainRequired[strings.ToLower(strings.TrimSpace(domain))]
}

// ResolveTableName returns the table name for id.
func (r *Registry) ResolveTableName(id record.Identity) string {
	return TableName(id)
}

// Init creates the metadata table.
func (r *Registry) Init(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+RegistryTable+` (
			table_name     TEXT PRIMARY KEY,
			platform_code  TEXT NOT NULL,
			data_domain    TEXT NOT NULL,
			sub_domain     TEXT,
			granularity    TEXT NOT NULL,
			unique_key     JSONB NOT NULL,
			schema_version INT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil && !database.IsDuplicateObject(err) {
		return fmt.Errorf("create %s: %w", RegistryTable, err)
	}
	return nil
}

// EnsureTable creates the table for id if needed, back-fills system
// columns on tables from older schema versions and records metadata.
// A CREATE TABLE failure is returned wrapped in ErrTableCreate; index
// failures are logged and leave the table usable.
func (r *Registry) EnsureTable(ctx context.Context, id record.Identity) (string, error) {
	name := TableName(id)

	r.mu.RLock()
	meta, ok := r.known[name]
	r.mu.RUnlock()
	if ok && meta.SchemaVersion >= SchemaVersion {
		return name, nil
	}

	_, err, _ := r.group.Do(name, func() (any, error) {
		return nil, r.ensureTable(ctx, name, id)
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (r *Registry) ensureTable(ctx context.Context, name string, id record.Identity) error {
	log := logging.WithFields(ctx, "table", name)
	n := id.Normalized()
	subReq := r.SubDomainRequired(n.Domain)

	stored, found, err := r.loadMeta(ctx, name)
	if err != nil {
		log.Warn("table metadata lookup failed", "error", err)
	}
	if found && stored.SchemaVersion >= SchemaVersion {
		r.remember(stored)
		return nil
	}

	if _, err := r.db.Exec(ctx, createTableSQL(name, SystemColumns(n, subReq))); err != nil {
		if !database.IsDuplicateObject(err) {
			return fmt.Errorf("%w: %s: %v", ErrTableCreate, name, err)
		}
		log.Debug("table created concurrently", "error", err)
	}

	if err := r.EnsureSystemColumns(ctx, name, n); err != nil {
		log.Warn("system column back-fill incomplete", "error", err)
	}

	key := KeyFor(subReq)
	if _, err := r.db.Exec(ctx, uniqueIndexSQL(name, key)); err != nil && !database.IsDuplicateObject(err) {
		log.Warn("unique index creation failed, writes will not deduplicate in the store",
			"error", err)
		key.Kind = UniqueNone
	}

	for _, idx := range SupplementaryIndexes(subReq) {
		if _, err := r.db.Exec(ctx, idx.sql(name)); err != nil && !database.IsDuplicateObject(err) {
			log.Warn("index creation failed", "index", idx.Suffix, "error", err)
		}
	}

	if _, err := r.db.Exec(ctx, "ANALYZE "+database.QuoteIdentifier(name)); err != nil {
		log.Debug("analyze failed", "error", err)
	}

	// Without a unique index the table is revisited on the next call.
	version := SchemaVersion
	if key.Kind == UniqueNone {
		version = 0
	}
	meta := TableMeta{Name: name, Identity: n, Key: key, SchemaVersion: version}
	if err := r.saveMeta(ctx, meta); err != nil {
		log.Warn("table metadata not recorded", "error", err)
	}
	r.remember(meta)

	log.Info("table ensured", "unique_kind", key.Kind, "schema_version", version)
	return nil
}

// EnsureSystemColumns adds any system column missing from an existing
// table. NOT NULL columns carry defaults so existing rows stay valid.
func (r *Registry) EnsureSystemColumns(ctx context.Context, table string, id record.Identity) error {
	var errs []error
	for _, c := range SystemColumns(id, false) {
		if c.Name == ColID {
			continue
		}
		if _, err := r.db.Exec(ctx, addColumnSQL(table, c)); err != nil && !database.IsDuplicateObject(err) {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the metadata of a table, reading the store on a miss.
func (r *Registry) Lookup(ctx context.Context, table string) (TableMeta, bool, error) {
	r.mu.RLock()
	meta, ok := r.known[table]
	r.mu.RUnlock()
	if ok {
		return meta, true, nil
	}

	meta, ok, err := r.loadMeta(ctx, table)
	if err != nil || !ok {
		return TableMeta{}, false, err
	}
	r.remember(meta)
	return meta, true, nil
}

// KeyOf returns the uniqueness key recorded for table, falling back to
// the key derived from id when no metadata exists.
func (r *Registry) KeyOf(ctx context.Context, table string, id record.Identity) UniqueKey {
	meta, ok, err := r.Lookup(ctx, table)
	if err != nil {
		logging.FromContext(ctx).Warn("table metadata unavailable, deriving key", "table", table, "error", err)
	}
	if ok {
		return meta.Key
	}
	return KeyFor(r.SubDomainRequired(id.Normalized().Domain))
}

// ListTables returns every registered fact table.
func (r *Registry) ListTables(ctx context.Context) ([]TableMeta, error) {
	rows, err := r.db.Query(ctx, `
		SELECT table_name, platform_code, data_domain, COALESCE(sub_domain, ''), granularity, unique_key, schema_version
		FROM `+RegistryTable+` ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []TableMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return out, nil
}

// Forget drops cached metadata so the next EnsureTable re-checks the store.
func (r *Registry) Forget(table string) {
	r.mu.Lock()
	delete(r.known, table)
	r.mu.Unlock()
}

// Analyze refreshes planner statistics for table.
func (r *Registry) Analyze(ctx context.Context, table string) error {
	_, err := r.db.Exec(ctx, "ANALYZE "+database.QuoteIdentifier(table))
	return err
}

func (r *Registry) remember(meta TableMeta) {
	r.mu.Lock()
	r.known[meta.Name] = meta
	r.mu.Unlock()
}

func (r *Registry) loadMeta(ctx context.Context, table string) (TableMeta, bool, error) {
	row := r.db.QueryRow(ctx, `
		SELECT table_name, platform_code, data_domain, COALESCE(sub_domain, ''), granularity, unique_key, schema_version
		FROM `+RegistryTable+` WHERE table_name = $1`, table)
	meta, err := scanMeta(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return TableMeta{}, false, nil
	}
	if err != nil {
		return TableMeta{}, false, err
	}
	return meta, true, nil
}

func scanMeta(row pgx.Row) (TableMeta, error) {
	var (
		meta   TableMeta
		keyRaw []byte
	)
	err := row.Scan(&meta.Name, &meta.Identity.Platform, &meta.Identity.Domain,
		&meta.Identity.SubDomain, &meta.Identity.Granularity, &keyRaw, &meta.SchemaVersion)
	if err != nil {
		return TableMeta{}, err
	}
	if err := json.Unmarshal(keyRaw, &meta.Key); err != nil {
		return TableMeta{}, fmt.Errorf("decode unique key of %s: %w", meta.Name, err)
	}
	return meta, nil
}

func (r *Registry) saveMeta(ctx context.Context, meta TableMeta) error {
	key, err := json.Marshal(meta.Key)
	if err != nil {
		return err
	}
	var sub any
	if meta.Identity.SubDomain != "" {
		sub = meta.Identity.SubDomain
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO `+RegistryTable+`
			(table_name, platform_code, data_domain, sub_domain, granularity, unique_key, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (table_name) DO UPDATE SET
			unique_key = EXCLUDED.unique_key,
			schema_version = EXCLUDED.schema_version,
			updated_at = NOW()`,
		meta.Name, meta.Identity.Platform, meta.Identity.Domain, sub,
		meta.Identity.Granularity, string(key), meta.SchemaVersion)
	return err
}
