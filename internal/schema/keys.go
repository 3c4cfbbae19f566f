package schema

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/factingest/internal/database"
	"github.com/JonMunkholm/factingest/internal/record"
)

// UniqueKind records how a table's uniqueness index was built. It is
// stored with the table metadata at creation time and read back by the
// writer to pick its ON CONFLICT target.
type UniqueKind string

const (
	// UniqueExpression indexes at least one expression (COALESCE over a nullable column).
	UniqueExpression UniqueKind = "expression"
	// UniquePlain indexes bare columns only.
	UniquePlain UniqueKind = "plain"
	// UniqueNone means index creation failed; writes carry no conflict clause.
	UniqueNone UniqueKind = "none"
)

// KeyPart is one element of the uniqueness key.
type KeyPart struct {
	Column string `json:"column"`
	// Expr is the indexed SQL expression; empty means the bare column.
	Expr string `json:"expr,omitempty"`
}

// SQL returns the indexed expression or the quoted column.
func (p KeyPart) SQL() string {
	if p.Expr != "" {
		return p.Expr
	}
	return database.QuoteIdentifier(p.Column)
}

// UniqueKey is the composite uniqueness key of a fact table.
type UniqueKey struct {
	Kind  UniqueKind `json:"kind"`
	Parts []KeyPart  `json:"parts"`
}

// KeyFor returns the uniqueness key for an identity. Sub-domain tables are
// keyed on (domain, sub_domain, granularity, hash); all others on
// (platform, shop, domain, granularity, hash) with the nullable shop
// wrapped in COALESCE so NULL shops still conflict.
func KeyFor(subDomainRequired bool) UniqueKey {
	if subDomainRequired {
		return UniqueKey{
			Kind: UniquePlain,
			Parts: []KeyPart{
				{Column: ColDomain},
				{Column: ColSubDomain},
				{Column: ColGranularity},
				{Column: ColDataHash},
			},
		}
	}
	return UniqueKey{
		Kind: UniqueExpression,
		Parts: []KeyPart{
			{Column: ColPlatform},
			{Column: ColShopID, Expr: "COALESCE(" + database.QuoteIdentifier(ColShopID) + ", '')"},
			{Column: ColDomain},
			{Column: ColGranularity},
			{Column: ColDataHash},
		},
	}
}

// ConflictTarget renders the ON CONFLICT column list, or "" when the
// table has no usable uniqueness index.
func (k UniqueKey) ConflictTarget() string {
	if k.Kind == UniqueNone || len(k.Parts) == 0 {
		return ""
	}
	exprs := make([]string, len(k.Parts))
	for i, p := range k.Parts {
		exprs[i] = p.SQL()
	}
	return "(" + strings.Join(exprs, ", ") + ")"
}

// Scope builds the WHERE conditions selecting the key's partition for an
// identity and shop, excluding data_hash. Placeholders start at $start.
// It returns the conditions, their arguments and the next placeholder.
func (k UniqueKey) Scope(id record.Identity, shopID string, start int) ([]string, []any, int) {
	n := id.Normalized()
	var conds []string
	var args []any
	idx := start

	for _, p := range k.Parts {
		var v any
		switch p.Column {
		case ColPlatform:
			v = n.Platform
		case ColShopID:
			v = shopID
		case ColDomain:
			v = n.Domain
		case ColGranularity:
			v = n.Granularity
		case ColSubDomain:
			v = n.SubDomain
		default:
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%d", p.SQL(), idx))
		args = append(args, v)
		idx++
	}
	return conds, args, idx
}

// IndexDef is one supplementary, non-unique index.
type IndexDef struct {
	Suffix string
	Using  string
	Exprs  []string
	Where  string
}

func (d IndexDef) sql(table string) string {
	using := ""
	if d.Using != "" {
		using = " USING " + d.Using
	}
	where := ""
	if d.Where != "" {
		where = " WHERE " + d.Where
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s%s (%s)%s",
		database.QuoteIdentifier(indexName(table, d.Suffix)),
		database.QuoteIdentifier(table), using, strings.Join(d.Exprs, ", "), where)
}

// SupplementaryIndexes lists the filter indexes created with every table.
func SupplementaryIndexes(subDomainRequired bool) []IndexDef {
	q := database.QuoteIdentifier
	defs := []IndexDef{
		{Suffix: "platform", Exprs: []string{q(ColPlatform)}},
		{Suffix: "shop", Exprs: []string{q(ColShopID)}},
		{Suffix: "domain", Exprs: []string{q(ColDomain)}},
		{Suffix: "granularity", Exprs: []string{q(ColGranularity)}},
		{Suffix: "date", Exprs: []string{q(ColMetricDate)}},
		{Suffix: "file", Exprs: []string{q(ColFileID)}},
		{Suffix: "hash", Exprs: []string{q(ColDataHash)}},
		{Suffix: "currency", Exprs: []string{q(ColCurrencyCode)}},
		{Suffix: "raw_gin", Using: "GIN", Exprs: []string{q(ColRawData)}},
		{Suffix: "period_date", Exprs: []string{q(ColPeriodStartDate), q(ColPeriodEndDate)}},
		{
			Suffix: "period_time",
			Exprs:  []string{q(ColPeriodStartTime), q(ColPeriodEndTime)},
			Where:  q(ColPeriodStartTime) + " IS NOT NULL",
		},
	}
	if subDomainRequired {
		defs = append(defs, IndexDef{Suffix: "sub_domain", Exprs: []string{q(ColSubDomain)}})
	}
	return defs
}

func uniqueIndexSQL(table string, key UniqueKey) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s %s",
		database.QuoteIdentifier(indexName(table, "uniq")),
		database.QuoteIdentifier(table), key.ConflictTarget())
}

// indexName derives an index name that fits the identifier limit.
func indexName(table, suffix string) string {
	name := "ix_" + table + "_" + suffix
	if len(name) > MaxIdentifierLength {
		name = name[:MaxIdentifierLength-9] + "_" + shortHash(name)
	}
	return name
}
