package schema

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/factingest/internal/database/dbtest"
	"github.com/JonMunkholm/factingest/internal/record"
)

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func TestTableName(t *testing.T) {
	tests := []struct {
		name string
		id   record.Identity
		want string
	}{
		{"basic", record.Identity{Platform: "shopee", Domain: "orders", Granularity: "daily"}, "fact_shopee_orders_daily"},
		{"sub domain", record.Identity{Platform: "tiktok", Domain: "services", SubDomain: "agent", Granularity: "weekly"}, "fact_tiktok_services_agent_weekly"},
		{"case and space", record.Identity{Platform: " Shopee ", Domain: "ORDERS", Granularity: "Daily"}, "fact_shopee_orders_daily"},
		{"defaults", record.Identity{}, "fact_unknown_unknown_daily"},
		{"unsafe chars", record.Identity{Platform: "mercado-libre", Domain: "orders", Granularity: "daily"}, "fact_mercado_libre_orders_daily"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TableName(tt.id))
		})
	}
}

func TestTableName_LongIdentity(t *testing.T) {
	id := record.Identity{
		Platform:    "platform",
		Domain:      strings.Repeat("d", 40),
		SubDomain:   strings.Repeat("s", 40),
		Granularity: "daily",
	}
	name := TableName(id)
	assert.LessOrEqual(t, len(name), MaxIdentifierLength)
	assert.True(t, IsFactTable(name))
	assert.Equal(t, name, TableName(id))

	other := id
	other.SubDomain = strings.Repeat("s", 39) + "t"
	assert.NotEqual(t, name, TableName(other))
}

func TestNormalizeColumnName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Order ID", "order_id"},
		{"GMV (BRL)", "gmv"},
		{"GMV (SGD)", "gmv"},
		{"Revenue USD", "revenue"},
		{"  Qty  ", "qty"},
		{"Unit--Price", "unit_price"},
		{"2024 Sales", "col_2024_sales"},
		{"ＧＭＶ", "gmv"},
		{"Order_SKU", "order_sku"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeColumnName(tt.raw))
		})
	}
}

func TestNormalizeColumnName_Properties(t *testing.T) {
	inputs := []string{
		"商品名称",
		"销售额（已付款订单）(BRL)",
		"",
		"___",
		"123",
		strings.Repeat("very long header ", 10),
		"9" + strings.Repeat("x", 80),
		"Amount (USD) (EUR)",
		"店铺 ID",
	}
	for _, in := range inputs {
		got := NormalizeColumnName(in)
		assert.Regexp(t, identifierRe, got, "input %q", in)
		assert.LessOrEqual(t, len(got), MaxIdentifierLength, "input %q", in)
		assert.Equal(t, got, NormalizeColumnName(got), "not idempotent for %q", in)
	}

	// Non-ASCII headers hash to stable, distinct names.
	a, b := NormalizeColumnName("商品名称"), NormalizeColumnName("订单号")
	assert.True(t, strings.HasPrefix(a, "col_"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, NormalizeColumnName("商品名称"))
}

func TestDescribeColumns(t *testing.T) {
	got := DescribeColumns([]string{"Order ID", "order id", "GMV (BRL)", "data_hash", "Created_At"})
	require.Len(t, got, 2)
	assert.Equal(t, record.ColumnDescriptor{Original: "Order ID", Normalized: "order_id"}, got[0])
	assert.Equal(t, "gmv", got[1].Normalized)
}

func TestPlanColumns(t *testing.T) {
	existing := map[string]struct{}{"id": {}, "order_id": {}}

	toAdd, dropped := PlanColumns(existing, []string{"Order ID", "Qty", "GMV (BRL)"}, 1600, 0)
	assert.Equal(t, []string{"qty", "gmv"}, toAdd)
	assert.Zero(t, dropped)

	toAdd, dropped = PlanColumns(existing, []string{"A", "B", "C"}, 4, 0)
	assert.Equal(t, []string{"a", "b"}, toAdd)
	assert.Equal(t, 1, dropped)

	toAdd, dropped = PlanColumns(existing, []string{"A", "B", "C"}, 1600, 1)
	assert.Equal(t, []string{"a"}, toAdd)
	assert.Equal(t, 2, dropped)

	toAdd, _ = PlanColumns(existing, []string{"A"}, 1, 0)
	assert.Empty(t, toAdd)
}

func TestKeyFor(t *testing.T) {
	plain := KeyFor(true)
	assert.Equal(t, UniquePlain, plain.Kind)
	assert.Equal(t, `("data_domain", "sub_domain", "granularity", "data_hash")`, plain.ConflictTarget())

	expr := KeyFor(false)
	assert.Equal(t, UniqueExpression, expr.Kind)
	assert.Equal(t, `("platform_code", COALESCE("shop_id", ''), "data_domain", "granularity", "data_hash")`, expr.ConflictTarget())

	assert.Empty(t, UniqueKey{Kind: UniqueNone, Parts: expr.Parts}.ConflictTarget())
}

func TestUniqueKey_Scope(t *testing.T) {
	id := record.Identity{Platform: "Shopee", Domain: "orders"}
	conds, args, next := KeyFor(false).Scope(id, "s1", 3)

	assert.Equal(t, []string{
		`"platform_code" = $3`,
		`COALESCE("shop_id", '') = $4`,
		`"data_domain" = $5`,
		`"granularity" = $6`,
	}, conds)
	assert.Equal(t, []any{"shopee", "s1", "orders", "daily"}, args)
	assert.Equal(t, 7, next)
}

func TestSupplementaryIndexes(t *testing.T) {
	defs := SupplementaryIndexes(false)
	var gin, partial bool
	for _, d := range defs {
		sql := d.sql("fact_shopee_orders_daily")
		assert.Contains(t, sql, "CREATE INDEX IF NOT EXISTS")
		if d.Using == "GIN" {
			gin = true
			assert.Contains(t, sql, `USING GIN ("raw_data")`)
		}
		if d.Where != "" {
			partial = true
			assert.Contains(t, sql, `WHERE "period_start_time" IS NOT NULL`)
		}
		assert.NotEqual(t, "sub_domain", d.Suffix)
	}
	assert.True(t, gin)
	assert.True(t, partial)
	assert.Len(t, SupplementaryIndexes(true), len(defs)+1)
}

func TestIndexName_Length(t *testing.T) {
	name := indexName(strings.Repeat("t", 60), "period_time")
	assert.LessOrEqual(t, len(name), MaxIdentifierLength)
	assert.NotEqual(t, name, indexName(strings.Repeat("t", 60), "period_date"))
}

func TestSystemColumns(t *testing.T) {
	cols := SystemColumns(record.Identity{Platform: "shopee", Domain: "orders"}, false)
	byName := map[string]ColumnDef{}
	for _, c := range cols {
		byName[c.Name] = c
		if strings.Contains(c.Constraint, "NOT NULL") && c.Name != ColID {
			assert.Contains(t, c.Constraint, "DEFAULT", "column %s", c.Name)
		}
	}
	assert.Equal(t, "JSONB", byName[ColRawData].Type)
	assert.Equal(t, "NOT NULL DEFAULT 'shopee'", byName[ColPlatform].Constraint)
	assert.Empty(t, byName[ColSubDomain].Constraint)

	req := SystemColumns(record.Identity{Domain: "services", SubDomain: "ai_assistant"}, true)
	for _, c := range req {
		if c.Name == ColSubDomain {
			assert.Equal(t, "NOT NULL DEFAULT 'ai_assistant'", c.Constraint)
		}
	}
	assert.True(t, IsSystemField("updated_at"))
	assert.False(t, IsSystemField("order_id"))
}

func TestColumnCache(t *testing.T) {
	c := NewColumnCache()
	loads := 0
	loader := func() ([]string, error) {
		loads++
		return []string{"id", "qty"}, nil
	}

	cols, err := c.Load("t", loader)
	require.NoError(t, err)
	assert.Len(t, cols, 2)

	// Returned sets are copies.
	cols["mutated"] = struct{}{}
	cols, err = c.Load("t", loader)
	require.NoError(t, err)
	assert.Len(t, cols, 2)
	assert.Equal(t, 1, loads)

	c.Add("t", "gmv")
	cols, _ = c.Load("t", loader)
	assert.Contains(t, cols, "gmv")

	c.Add("unknown", "x")
	assert.Equal(t, 1, c.Len())

	c.Invalidate("t")
	_, _ = c.Load("t", loader)
	assert.Equal(t, 2, loads)

	c.InvalidateAll()
	assert.Zero(t, c.Len())

	_, err = c.Load("bad", func() ([]string, error) { return nil, errors.New("boom") })
	assert.Error(t, err)
}

func catalogHook(cols ...string) func(string, []any) ([][]any, error) {
	return func(sql string, _ []any) ([][]any, error) {
		if !strings.Contains(sql, "information_schema.columns") {
			return nil, nil
		}
		rows := make([][]any, len(cols))
		for i, c := range cols {
			rows[i] = []any{c}
		}
		return rows, nil
	}
}

func TestEnsureColumns_Bulk(t *testing.T) {
	db := &dbtest.DB{QueryHook: catalogHook("id", "order_id")}
	m := NewColumnManager(db, nil, 0)

	added, err := m.EnsureColumns(context.Background(), "fact_x", []string{"Order ID", "Qty", "GMV (BRL)"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"qty", "gmv"}, added)

	alters := db.Matching("ALTER TABLE")
	require.Len(t, alters, 1)
	assert.Equal(t,
		`ALTER TABLE "fact_x" ADD COLUMN IF NOT EXISTS "qty" TEXT, ADD COLUMN IF NOT EXISTS "gmv" TEXT`,
		alters[0].SQL)

	cols, err := m.GetExistingColumns(context.Background(), "fact_x")
	require.NoError(t, err)
	assert.Contains(t, cols, "gmv")
}

func TestEnsureColumns_PerColumnFallback(t *testing.T) {
	db := &dbtest.DB{QueryHook: catalogHook("id")}
	db.ExecHook = func(sql string, _ []any) (int64, error) {
		switch {
		case strings.Count(sql, "ADD COLUMN") > 1:
			return 0, errors.New("bulk rejected")
		case strings.Contains(sql, `"a"`):
			return 0, &pgconn.PgError{Code: "42701", Message: `column "a" already exists`}
		case strings.Contains(sql, `"b"`):
			return 0, errors.New("disk full")
		}
		return 0, nil
	}
	m := NewColumnManager(db, nil, 0)

	added, err := m.EnsureColumns(context.Background(), "fact_x", []string{"A", "B", "C"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, added)
	assert.Len(t, db.Matching("ALTER TABLE"), 4)

	cols, _ := m.GetExistingColumns(context.Background(), "fact_x")
	assert.Contains(t, cols, "a")
	assert.NotContains(t, cols, "b")
}

func TestEnsureColumns_TooManyColumnsStops(t *testing.T) {
	db := &dbtest.DB{QueryHook: catalogHook("id")}
	db.ExecHook = func(sql string, _ []any) (int64, error) {
		if strings.Count(sql, "ADD COLUMN") > 1 || strings.Contains(sql, `"b"`) {
			return 0, &pgconn.PgError{Code: "54011", Message: "tables can have at most 1600 columns"}
		}
		return 0, nil
	}
	m := NewColumnManager(db, nil, 0)

	added, err := m.EnsureColumns(context.Background(), "fact_x", []string{"A", "B", "C"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, added)
	// Bulk attempt, then "a" and "b"; "c" is never tried.
	assert.Len(t, db.Matching("ALTER TABLE"), 3)
}

func TestRegistry_EnsureTable(t *testing.T) {
	db := &dbtest.DB{}
	r := NewRegistry(db, []string{"services"})
	id := record.Identity{Platform: "shopee", Domain: "orders", Granularity: "daily"}

	name, err := r.EnsureTable(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "fact_shopee_orders_daily", name)

	require.Len(t, db.Matching("CREATE TABLE IF NOT EXISTS"), 1)
	uniq := db.Matching("CREATE UNIQUE INDEX")
	require.Len(t, uniq, 1)
	assert.Contains(t, uniq[0].SQL, `COALESCE("shop_id", '')`)
	require.Len(t, db.Matching("INSERT INTO "+RegistryTable), 1)

	before := len(db.Calls())
	_, err = r.EnsureTable(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, db.Calls(), before, "second call should hit the in-memory registry")

	key := r.KeyOf(context.Background(), name, id)
	assert.Equal(t, UniqueExpression, key.Kind)
}

func TestRegistry_SubDomainKey(t *testing.T) {
	db := &dbtest.DB{}
	r := NewRegistry(db, []string{"Services"})
	id := record.Identity{Platform: "tiktok", Domain: "services", SubDomain: "agent"}

	name, err := r.EnsureTable(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "fact_tiktok_services_agent_daily", name)
	assert.Equal(t, UniquePlain, r.KeyOf(context.Background(), name, id).Kind)
	assert.NotEmpty(t, db.Matching(`"sub_domain" VARCHAR(64) NOT NULL DEFAULT 'agent'`))
}

func TestRegistry_CreateFailure(t *testing.T) {
	db := &dbtest.DB{ExecHook: func(sql string, _ []any) (int64, error) {
		if strings.HasPrefix(sql, "CREATE TABLE") {
			return 0, errors.New("permission denied")
		}
		return 0, nil
	}}
	r := NewRegistry(db, nil)

	_, err := r.EnsureTable(context.Background(), record.Identity{Platform: "p", Domain: "d"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTableCreate)
}

func TestRegistry_ConcurrentCreateTolerated(t *testing.T) {
	db := &dbtest.DB{ExecHook: func(sql string, _ []any) (int64, error) {
		if strings.HasPrefix(sql, "CREATE TABLE") {
			return 0, &pgconn.PgError{Code: "42P07", Message: "relation already exists"}
		}
		return 0, nil
	}}
	r := NewRegistry(db, nil)

	_, err := r.EnsureTable(context.Background(), record.Identity{Platform: "p", Domain: "d"})
	assert.NoError(t, err)
}

func TestRegistry_UniqueIndexFailureRetried(t *testing.T) {
	fail := true
	db := &dbtest.DB{ExecHook: func(sql string, _ []any) (int64, error) {
		if fail && strings.HasPrefix(sql, "CREATE UNIQUE INDEX") {
			return 0, errors.New("could not create unique index")
		}
		return 0, nil
	}}
	r := NewRegistry(db, nil)
	id := record.Identity{Platform: "p", Domain: "d"}

	name, err := r.EnsureTable(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, UniqueNone, r.KeyOf(context.Background(), name, id).Kind)

	fail = false
	_, err = r.EnsureTable(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, db.Matching("CREATE UNIQUE INDEX"), 2)
	assert.Equal(t, UniqueExpression, r.KeyOf(context.Background(), name, id).Kind)
}

func TestRegistry_LoadsStoredMeta(t *testing.T) {
	db := &dbtest.DB{QueryHook: func(sql string, _ []any) ([][]any, error) {
		if strings.Contains(sql, "FROM "+RegistryTable) {
			return [][]any{{
				"fact_p_d_daily", "p", "d", "", "daily",
				[]byte(`{"kind":"plain","parts":[{"column":"data_hash"}]}`), SchemaVersion,
			}}, nil
		}
		return nil, nil
	}}
	r := NewRegistry(db, nil)

	_, err := r.EnsureTable(context.Background(), record.Identity{Platform: "p", Domain: "d"})
	require.NoError(t, err)
	assert.Empty(t, db.Matching("CREATE TABLE"))

	meta, ok, err := r.Lookup(context.Background(), "fact_p_d_daily")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, UniquePlain, meta.Key.Kind)

	tables, err := r.ListTables(context.Background())
	require.NoError(t, err)
	assert.Len(t, tables, 1)
}
