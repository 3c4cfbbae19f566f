// Package database holds the Postgres plumbing shared by the ingestion
// packages: the query interface they accept, pool construction, identifier
// quoting and SQLSTATE classification.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/factingest/internal/config"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is a DBTX that can also open transactions and send batches.
type TxBeginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres SQLSTATE codes the ingestion path reacts to.
const (
	CodeUniqueViolation    = "23505"
	CodeCardinality        = "21000" // ON CONFLICT DO UPDATE touching a row twice
	CodeDuplicateTable     = "42P07"
	CodeDuplicateColumn    = "42701"
	CodeDuplicateObject    = "42710"
	CodeUniqueViolationAlt = "23P01" // exclusion violation
	CodeTooManyColumns     = "54011"
	CodeUndefinedTable     = "42P01"
)

// NewPool parses the configured URL, applies pool sizing and verifies the
// connection with a ping.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// QuoteIdentifier quotes a SQL identifier to prevent injection.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdentifiers quotes each name in the slice.
func QuoteIdentifiers(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = QuoteIdentifier(n)
	}
	return out
}

// SQLState returns the Postgres error code carried by err, or "".
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports a uniqueness-constraint violation.
func IsUniqueViolation(err error) bool {
	switch SQLState(err) {
	case CodeUniqueViolation, CodeUniqueViolationAlt:
		return true
	}
	return false
}

// IsConflictClass reports errors that per-row replay can isolate: unique
// violations and multi-row upserts hitting the same key twice.
func IsConflictClass(err error) bool {
	return IsUniqueViolation(err) || SQLState(err) == CodeCardinality
}

// IsDuplicateObject reports the error a losing DDL racer receives. The
// message fallback covers errors raised without a PgError, such as a
// unique violation on the pg_type catalog during concurrent CREATE TABLE.
func IsDuplicateObject(err error) bool {
	if err == nil {
		return false
	}
	switch SQLState(err) {
	case CodeDuplicateTable, CodeDuplicateColumn, CodeDuplicateObject, CodeUniqueViolation:
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate")
}
