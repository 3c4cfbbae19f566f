package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func pgErr(code string) error {
	return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, Message: "boom"})
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"fact_shopee_orders_daily"`, QuoteIdentifier("fact_shopee_orders_daily"))
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))
	assert.Equal(t, []string{`"x"`, `"y"`}, QuoteIdentifiers([]string{"x", "y"}))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		unique    bool
		conflict  bool
		duplicate bool
	}{
		{"unique", pgErr(CodeUniqueViolation), true, true, true},
		{"cardinality", pgErr(CodeCardinality), false, true, false},
		{"duplicate column", pgErr(CodeDuplicateColumn), false, false, true},
		{"duplicate table", pgErr(CodeDuplicateTable), false, false, true},
		{"undefined table", pgErr(CodeUndefinedTable), false, false, false},
		{"plain message", errors.New(`relation "x" already exists`), false, false, true},
		{"nil", nil, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unique, IsUniqueViolation(tt.err))
			assert.Equal(t, tt.conflict, IsConflictClass(tt.err))
			assert.Equal(t, tt.duplicate, IsDuplicateObject(tt.err))
		})
	}
}

func TestSQLState(t *testing.T) {
	assert.Equal(t, "23505", SQLState(pgErr("23505")))
	assert.Equal(t, "", SQLState(errors.New("x")))
}
