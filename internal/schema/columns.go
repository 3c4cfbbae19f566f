package schema

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/JonMunkholm/factingest/internal/currency"
	"github.com/JonMunkholm/factingest/internal/database"
	"github.com/JonMunkholm/factingest/internal/logging"
	"github.com/JonMunkholm/factingest/internal/record"
)

// DefaultMaxColumns is the Postgres per-table column limit.
const DefaultMaxColumns = 1600

// truncatedPrefix is the kept prefix length of an over-long name; the
// rest is "_" plus an 8 character hash of the original header.
const truncatedPrefix = 50

// NormalizeColumnName turns a raw header into a column identifier that
// matches [a-z_][a-z0-9_]* and fits 63 bytes. Currency annotations are
// stripped first so "GMV (BRL)" and "GMV (SGD)" share a column. The
// result is a fixed point: normalizing it again returns it unchanged.
func NormalizeColumnName(raw string) string {
	out := normalizeOnce(raw, raw)
	for i := 0; i < 4; i++ {
		next := normalizeOnce(out, out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func normalizeOnce(s, original string) string {
	s = currency.Strip(s)
	// NFKC folds full-width letters and digits to ASCII.
	s = strings.ToLower(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}
	s = strings.Trim(currency.Strip(b.String()), "_")

	if s == "" {
		return "col_" + shortHash(original)
	}
	if len(s) > MaxIdentifierLength {
		s = strings.TrimRight(s[:truncatedPrefix], "_") + "_" + shortHash(original)
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "col_" + s
		if len(s) > MaxIdentifierLength {
			s = strings.TrimRight(s[:truncatedPrefix], "_") + "_" + shortHash(original)
		}
	}
	return s
}

// DescribeColumns normalizes headers, dropping later headers whose
// normalized name repeats an earlier one and names reserved for system
// columns.
func DescribeColumns(headers []string) []record.ColumnDescriptor {
	seen := make(map[string]bool, len(headers))
	out := make([]record.ColumnDescriptor, 0, len(headers))
	for _, h := range headers {
		n := NormalizeColumnName(h)
		if seen[n] || IsSystemField(n) {
			continue
		}
		seen[n] = true
		out = append(out, record.ColumnDescriptor{Original: h, Normalized: n})
	}
	return out
}

// ColumnManager adds header-derived TEXT columns to fact tables.
type ColumnManager struct {
	db         database.DBTX
	cache      *ColumnCache
	maxColumns int
}

// NewColumnManager creates a manager. maxColumns <= 0 uses DefaultMaxColumns.
func NewColumnManager(db database.DBTX, cache *ColumnCache, maxColumns int) *ColumnManager {
	if maxColumns <= 0 || maxColumns > DefaultMaxColumns {
		maxColumns = DefaultMaxColumns
	}
	if cache == nil {
		cache = NewColumnCache()
	}
	return &ColumnManager{db: db, cache: cache, maxColumns: maxColumns}
}

// Cache returns the column cache used by the manager.
func (m *ColumnManager) Cache() *ColumnCache { return m.cache }

// GetExistingColumns returns the columns of table, loading them from the
// catalog on a cache miss.
func (m *ColumnManager) GetExistingColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	return m.cache.Load(table, func() ([]string, error) {
		return queryColumns(ctx, m.db, table)
	})
}

// RefreshColumns reloads the column set of table from the catalog.
func (m *ColumnManager) RefreshColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	m.cache.Invalidate(table)
	return m.GetExistingColumns(ctx, table)
}

func queryColumns(ctx context.Context, db database.DBTX, table string) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// PlanColumns returns the normalized names to add for headers given the
// existing column set, trimmed to the column budget. maxNew > 0 further
// caps the number of additions. dropped counts names cut by the budget.
func PlanColumns(existing map[string]struct{}, headers []string, budget, maxNew int) (toAdd []string, dropped int) {
	for _, d := range DescribeColumns(headers) {
		if _, ok := existing[d.Normalized]; ok {
			continue
		}
		toAdd = append(toAdd, d.Normalized)
	}

	available := budget - len(existing)
	if available < 0 {
		available = 0
	}
	if maxNew > 0 && maxNew < available {
		available = maxNew
	}
	if len(toAdd) > available {
		dropped = len(toAdd) - available
		toAdd = toAdd[:available]
	}
	return toAdd, dropped
}

// EnsureColumns adds a TEXT column for every normalized header missing
// from table and returns the names added. The table never exceeds the
// column budget; headers beyond it stay available in raw_data only.
func (m *ColumnManager) EnsureColumns(ctx context.Context, table string, headers []string, maxNew int) ([]string, error) {
	log := logging.WithFields(ctx, "table", table)

	existing, err := m.RefreshColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	toAdd, dropped := PlanColumns(existing, headers, m.maxColumns, maxNew)
	if dropped > 0 {
		log.Warn("column budget reached, extra headers kept in raw_data only",
			"dropped", dropped, "budget", m.maxColumns, "existing", len(existing))
	}
	if len(toAdd) == 0 {
		return nil, nil
	}

	// One ALTER for the whole set, then per column on failure.
	_, err = m.db.Exec(ctx, addColumnsSQL(table, toAdd))
	if err == nil {
		m.cache.Add(table, toAdd...)
		log.Info("columns added", "count", len(toAdd))
		return toAdd, nil
	}
	log.Debug("bulk column add failed, retrying per column", "error", err)

	var added []string
	for _, col := range toAdd {
		_, err := m.db.Exec(ctx, addColumnsSQL(table, []string{col}))
		switch {
		case err == nil:
			added = append(added, col)
		case database.IsDuplicateObject(err):
			m.cache.Add(table, col)
		case database.SQLState(err) == database.CodeTooManyColumns:
			log.Warn("table column limit hit", "column", col, "error", err)
			m.cache.Add(table, added...)
			return added, nil
		default:
			log.Warn("column add failed", "column", col, "error", err)
		}
	}
	m.cache.Add(table, added...)
	if len(added) > 0 {
		log.Info("columns added", "count", len(added))
	}
	return added, nil
}

func addColumnsSQL(table string, cols []string) string {
	clauses := make([]string, len(cols))
	for i, c := range cols {
		clauses[i] = "ADD COLUMN IF NOT EXISTS " + database.QuoteIdentifier(c) + " TEXT"
	}
	return fmt.Sprintf("ALTER TABLE %s %s", database.QuoteIdentifier(table), strings.Join(clauses, ", "))
}
