package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/factingest/internal/database"
	"github.com/JonMunkholm/factingest/internal/logging"
	"github.com/JonMunkholm/factingest/internal/record"
	"github.com/JonMunkholm/factingest/internal/schema"
)

// LookupChunkSize caps the fingerprints sent in one existence query.
const LookupChunkSize = 1000

// Scope identifies the partition of a fact table a batch belongs to.
type Scope struct {
	Table    string
	Identity record.Identity
	ShopID   string
	Key      schema.UniqueKey
}

// HashLookup reports which fingerprints already exist in a scope.
type HashLookup interface {
	ExistingHashes(ctx context.Context, scope Scope, hashes []string) (map[string]struct{}, error)
}

// Stats summarizes one deduplication pass.
type Stats struct {
	Total       int  `json:"total"`
	New         int  `json:"new"`
	IntraBatch  int  `json:"intra_batch_duplicates"`
	CrossCorpus int  `json:"cross_corpus_duplicates"`
	Degraded    bool `json:"degraded,omitempty"`
}

// Duplicates returns the rows removed by either check.
func (s Stats) Duplicates() int { return s.IntraBatch + s.CrossCorpus }

// Result holds the surviving rows and their fingerprints, index-aligned.
// Rows already stored in scope are returned separately so UPSERT domains
// can still write them.
type Result struct {
	Rows         []record.Row
	Fingerprints []string

	StoredRows         []record.Row
	StoredFingerprints []string

	Stats Stats
}

// Engine runs batch deduplication against a HashLookup.
type Engine struct {
	lookup HashLookup
}

// NewEngine creates an engine. A nil lookup skips the cross-corpus check.
func NewEngine(lookup HashLookup) *Engine {
	return &Engine{lookup: lookup}
}

// DeduplicateBatch fingerprints rows, keeps the first occurrence of each
// fingerprint and drops those already stored in scope. A failed lookup
// is logged and every surviving row is treated as new; it never blocks
// ingestion.
func (e *Engine) DeduplicateBatch(ctx context.Context, rows []record.Row, scope Scope, dedupFields []string) Result {
	log := logging.WithFields(ctx, "table", scope.Table)
	hashes := Fingerprints(ctx, rows, dedupFields)
	res := Result{Stats: Stats{Total: len(rows)}}

	existing := map[string]struct{}{}
	if e.lookup != nil && len(hashes) > 0 {
		found, err := e.lookup.ExistingHashes(ctx, scope, unique(hashes))
		if err != nil {
			log.Error("cross-batch duplicate lookup failed, treating rows as new", "error", err)
			res.Stats.Degraded = true
		} else {
			existing = found
		}
	}

	seen := make(map[string]struct{}, len(hashes))
	for i, h := range hashes {
		if _, dup := seen[h]; dup {
			res.Stats.IntraBatch++
			continue
		}
		seen[h] = struct{}{}
		if _, dup := existing[h]; dup {
			res.Stats.CrossCorpus++
			res.StoredRows = append(res.StoredRows, rows[i])
			res.StoredFingerprints = append(res.StoredFingerprints, h)
			continue
		}
		res.Rows = append(res.Rows, rows[i])
		res.Fingerprints = append(res.Fingerprints, h)
	}
	res.Stats.New = len(res.Rows)

	log.Info("batch deduplicated",
		"total", res.Stats.Total, "new", res.Stats.New,
		"intra_batch", res.Stats.IntraBatch, "cross_corpus", res.Stats.CrossCorpus)
	return res
}

func unique(hashes []string) []string {
	seen := make(map[string]struct{}, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// PgLookup queries a fact table for existing fingerprints.
type PgLookup struct {
	db database.DBTX
}

// NewPgLookup creates a lookup over db.
func NewPgLookup(db database.DBTX) *PgLookup {
	return &PgLookup{db: db}
}

// ExistingHashes returns the members of hashes present in scope, querying
// LookupChunkSize fingerprints at a time.
func (l *PgLookup) ExistingHashes(ctx context.Context, scope Scope, hashes []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	for start := 0; start < len(hashes); start += LookupChunkSize {
		end := min(start+LookupChunkSize, len(hashes))
		if err := l.queryChunk(ctx, scope, hashes[start:end], found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (l *PgLookup) queryChunk(ctx context.Context, scope Scope, hashes []string, found map[string]struct{}) error {
	query, args := existingHashesSQL(scope, hashes)
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("existing hashes in %s: %w", scope.Table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return fmt.Errorf("scan hash: %w", err)
		}
		found[h] = struct{}{}
	}
	return rows.Err()
}

func existingHashesSQL(scope Scope, hashes []string) (string, []any) {
	conds, args, next := scope.Key.Scope(scope.Identity, scope.ShopID, 1)
	conds = append(conds, fmt.Sprintf("%s = ANY($%d)", database.QuoteIdentifier(schema.ColDataHash), next))
	args = append(args, hashes)
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s",
		database.QuoteIdentifier(schema.ColDataHash),
		database.QuoteIdentifier(scope.Table),
		strings.Join(conds, " AND "))
	return query, args
}
