package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/factingest/internal/database"
)

// LedgerTable records every file that reached the ingestion core.
const LedgerTable = "ingest_files"

// FileStatus is the lifecycle state of a ledger entry.
type FileStatus string

const (
	FileReceived FileStatus = "received"
	FileIngested FileStatus = "ingested"
	FileFailed   FileStatus = "failed"
)

// FileRef names the originating file of a batch. Ref is the caller's file
// identifier; Hash is its content hash and may be empty.
type FileRef struct {
	Ref  string
	Hash string
}

// FileEntry is one ledger row.
type FileEntry struct {
	ID        uuid.UUID  `json:"id"`
	Ref       string     `json:"file_ref"`
	Hash      string     `json:"file_hash,omitempty"`
	Status    FileStatus `json:"status"`
	Table     string     `json:"table_name,omitempty"`
	Rows      int        `json:"rows"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Ledger tracks whole-file processing state.
type Ledger interface {
	// Processed reports whether f was already ingested, either under its
	// own reference or as another file with the same content hash.
	Processed(ctx context.Context, f FileRef) (bool, string, error)
	// Mark records the outcome of ingesting f.
	Mark(ctx context.Context, f FileRef, status FileStatus, table string, rows int) error
}

// PgLedger stores the ledger in Postgres.
type PgLedger struct {
	db database.DBTX
}

// NewPgLedger creates a ledger over db.
func NewPgLedger(db database.DBTX) *PgLedger {
	return &PgLedger{db: db}
}

// Init creates the ledger table.
func (l *PgLedger) Init(ctx context.Context) error {
	_, err := l.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+LedgerTable+` (
			id         UUID PRIMARY KEY,
			file_ref   TEXT NOT NULL UNIQUE,
			file_hash  TEXT,
			status     TEXT NOT NULL,
			table_name TEXT,
			row_count  INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil && !database.IsDuplicateObject(err) {
		return fmt.Errorf("create %s: %w", LedgerTable, err)
	}
	_, err = l.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS ix_ingest_files_hash ON `+LedgerTable+` (file_hash) WHERE status = 'ingested'`)
	if err != nil && !database.IsDuplicateObject(err) {
		return fmt.Errorf("index %s: %w", LedgerTable, err)
	}
	return nil
}

// Processed implements Ledger.
func (l *PgLedger) Processed(ctx context.Context, f FileRef) (bool, string, error) {
	if f.Ref == "" && f.Hash == "" {
		return false, "", nil
	}

	if f.Ref != "" {
		var status string
		err := l.db.QueryRow(ctx,
			`SELECT status FROM `+LedgerTable+` WHERE file_ref = $1`, f.Ref).Scan(&status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return false, "", fmt.Errorf("file status: %w", err)
		case FileStatus(status) == FileIngested:
			return true, "file already ingested", nil
		}
	}

	if f.Hash == "" {
		return false, "", nil
	}
	var other string
	err := l.db.QueryRow(ctx, `
		SELECT file_ref FROM `+LedgerTable+`
		WHERE file_hash = $1 AND status = $2 AND file_ref <> $3
		LIMIT 1`, f.Hash, string(FileIngested), f.Ref).Scan(&other)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, "", nil
	case err != nil:
		return false, "", fmt.Errorf("file hash lookup: %w", err)
	}
	return true, fmt.Sprintf("identical content already ingested as %s", other), nil
}

// Mark implements Ledger. Files without a reference are keyed by hash.
func (l *PgLedger) Mark(ctx context.Context, f FileRef, status FileStatus, table string, rows int) error {
	ref := f.Ref
	if ref == "" {
		if f.Hash == "" {
			return nil
		}
		ref = "sha256:" + strings.ToLower(f.Hash)
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO `+LedgerTable+` (id, file_ref, file_hash, status, table_name, row_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (file_ref) DO UPDATE SET
			file_hash = COALESCE(EXCLUDED.file_hash, `+LedgerTable+`.file_hash),
			status = EXCLUDED.status,
			table_name = EXCLUDED.table_name,
			row_count = EXCLUDED.row_count,
			updated_at = NOW()`,
		uuid.New(), ref, toPgText(f.Hash), string(status), toPgText(table), rows)
	if err != nil {
		return fmt.Errorf("mark file %s: %w", ref, err)
	}
	return nil
}

// Get returns the ledger entry for ref.
func (l *PgLedger) Get(ctx context.Context, ref string) (FileEntry, bool, error) {
	var (
		e           FileEntry
		hash, table pgtype.Text
		status      string
	)
	err := l.db.QueryRow(ctx, `
		SELECT id, file_ref, file_hash, status, table_name, row_count, updated_at
		FROM `+LedgerTable+` WHERE file_ref = $1`, ref).
		Scan(&e.ID, &e.Ref, &hash, &status, &table, &e.Rows, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FileEntry{}, false, nil
	}
	if err != nil {
		return FileEntry{}, false, fmt.Errorf("get file %s: %w", ref, err)
	}
	e.Hash, e.Table, e.Status = hash.String, table.String, FileStatus(status)
	return e, true, nil
}

func toPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	return pgtype.Text{String: s, Valid: s != ""}
}
