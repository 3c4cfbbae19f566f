package schema

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/factingest/internal/database"
	"github.com/JonMunkholm/factingest/internal/record"
)

// SchemaVersion is bumped whenever a system column or index is added so
// existing tables get back-filled on their next ingestion.
const SchemaVersion = 3

// Column names of the fixed system columns.
const (
	ColID              = "id"
	ColPlatform        = "platform_code"
	ColShopID          = "shop_id"
	ColDomain          = "data_domain"
	ColGranularity     = "granularity"
	ColSubDomain       = "sub_domain"
	ColMetricDate      = "metric_date"
	ColPeriodStartDate = "period_start_date"
	ColPeriodEndDate   = "period_end_date"
	ColPeriodStartTime = "period_start_time"
	ColPeriodEndTime   = "period_end_time"
	ColFileID          = "file_id"
	ColTemplateID      = "template_id"
	ColRawData         = "raw_data"
	ColHeaderColumns   = "header_columns"
	ColDataHash        = "data_hash"
	ColIngestTimestamp = "ingest_timestamp"
	ColCurrencyCode    = "currency_code"
)

// ColumnDef is one system column definition.
type ColumnDef struct {
	Name string
	Type string
	// Constraint follows the type in both CREATE TABLE and ADD COLUMN.
	// NOT NULL columns always carry a DEFAULT so back-fill succeeds on
	// non-empty tables.
	Constraint string
}

func (c ColumnDef) sql() string {
	s := database.QuoteIdentifier(c.Name) + " " + c.Type
	if c.Constraint != "" {
		s += " " + c.Constraint
	}
	return s
}

// SystemColumns returns the fixed columns of a table for id.
// subDomainRequired makes sub_domain NOT NULL.
func SystemColumns(id record.Identity, subDomainRequired bool) []ColumnDef {
	n := id.Normalized()

	subConstraint := ""
	if subDomainRequired {
		subConstraint = "NOT NULL DEFAULT " + literal(n.SubDomain)
	}

	return []ColumnDef{
		{ColID, "BIGSERIAL", "PRIMARY KEY"},
		{ColPlatform, "VARCHAR(32)", "NOT NULL DEFAULT " + literal(n.Platform)},
		{ColShopID, "VARCHAR(256)", ""},
		{ColDomain, "VARCHAR(64)", "NOT NULL DEFAULT " + literal(n.Domain)},
		{ColGranularity, "VARCHAR(32)", "NOT NULL DEFAULT " + literal(n.Granularity)},
		{ColSubDomain, "VARCHAR(64)", subConstraint},
		{ColMetricDate, "DATE", "NOT NULL DEFAULT CURRENT_DATE"},
		{ColPeriodStartDate, "DATE", "NOT NULL DEFAULT CURRENT_DATE"},
		{ColPeriodEndDate, "DATE", "NOT NULL DEFAULT CURRENT_DATE"},
		{ColPeriodStartTime, "TIMESTAMP", ""},
		{ColPeriodEndTime, "TIMESTAMP", ""},
		{ColFileID, "VARCHAR(128)", ""},
		{ColTemplateID, "VARCHAR(64)", ""},
		{ColRawData, "JSONB", "NOT NULL DEFAULT '{}'::jsonb"},
		{ColHeaderColumns, "JSONB", ""},
		{ColDataHash, "VARCHAR(64)", "NOT NULL DEFAULT ''"},
		{ColIngestTimestamp, "TIMESTAMP", "NOT NULL DEFAULT NOW()"},
		{ColCurrencyCode, "VARCHAR(3)", ""},
	}
}

// systemFieldNames never become dynamic columns.
var systemFieldNames = func() map[string]bool {
	m := map[string]bool{"created_at": true, "updated_at": true}
	for _, c := range SystemColumns(record.Identity{}, false) {
		m[c.Name] = true
	}
	return m
}()

// IsSystemField reports whether name is reserved for a system column.
func IsSystemField(name string) bool {
	return systemFieldNames[name]
}

// literal renders s as a SQL string literal.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func createTableSQL(table string, cols []ColumnDef) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = "\t" + c.sql()
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)",
		database.QuoteIdentifier(table), strings.Join(defs, ",\n"))
}

func addColumnSQL(table string, c ColumnDef) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s",
		database.QuoteIdentifier(table), c.sql())
}
