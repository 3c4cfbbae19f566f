package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/factingest/internal/database"
)

// TemplateTable holds every template version.
const TemplateTable = "ingest_templates"

const templateColumns = `id, name, platform, data_domain, sub_domain, granularity,
	header_columns, dedup_fields, status, version, created_at, updated_at`

// PgStore keeps templates in Postgres. Every Save inserts a new row, so
// older versions stay queryable.
type PgStore struct {
	db database.DBTX
}

// NewPgStore creates a store over db.
func NewPgStore(db database.DBTX) *PgStore {
	return &PgStore{db: db}
}

// Init creates the template table and its version index.
func (s *PgStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + TemplateTable + ` (
			id             UUID PRIMARY KEY,
			name           TEXT NOT NULL,
			platform       TEXT NOT NULL,
			data_domain    TEXT NOT NULL,
			sub_domain     TEXT,
			granularity    TEXT,
			header_columns JSONB NOT NULL DEFAULT '[]'::jsonb,
			dedup_fields   JSONB NOT NULL DEFAULT '[]'::jsonb,
			status         TEXT NOT NULL DEFAULT 'published',
			version        INT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ingest_templates_version ON ` + TemplateTable + `
			(platform, data_domain, COALESCE(sub_domain, ''), COALESCE(granularity, ''), version)`,
		`CREATE INDEX IF NOT EXISTS ix_ingest_templates_lookup ON ` + TemplateTable + `
			(platform, data_domain, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil && !database.IsDuplicateObject(err) {
			return fmt.Errorf("init %s: %w", TemplateTable, err)
		}
	}
	return nil
}

// Published implements Store.
func (s *PgStore) Published(ctx context.Context, platform, domain string) ([]Template, error) {
	return s.query(ctx, `SELECT `+templateColumns+` FROM `+TemplateTable+`
		WHERE platform = $1 AND data_domain = $2 AND status = $3
		ORDER BY version DESC, updated_at DESC`,
		dimension(platform), dimension(domain), string(StatusPublished))
}

// Get implements Store.
func (s *PgStore) Get(ctx context.Context, id string) (Template, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return Template{}, fmt.Errorf("invalid template ID: %w", err)
	}
	list, err := s.query(ctx, `SELECT `+templateColumns+` FROM `+TemplateTable+` WHERE id = $1`, uid)
	if err != nil {
		return Template{}, err
	}
	if len(list) == 0 {
		return Template{}, ErrNotFound
	}
	return list[0], nil
}

// List implements Store.
func (s *PgStore) List(ctx context.Context, f Filter) ([]Template, error) {
	var conds []string
	var args []any
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("platform", dimension(f.Platform))
	add("data_domain", dimension(f.Domain))
	add("status", string(f.Status))

	query := `SELECT ` + templateColumns + ` FROM ` + TemplateTable
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY platform, data_domain, version DESC"
	return s.query(ctx, query, args...)
}

// Save implements Store. The version is one above the highest stored
// for the same dimensions; a concurrent save of the same version is
// retried once.
func (s *PgStore) Save(ctx context.Context, t Template) (Template, error) {
	t.Platform = dimension(t.Platform)
	t.Domain = dimension(t.Domain)
	t.SubDomain = dimension(t.SubDomain)
	t.Granularity = dimension(t.Granularity)
	if t.Platform == "" || t.Domain == "" {
		return Template{}, errors.New("template platform and domain are required")
	}
	if len(t.HeaderColumns) == 0 {
		return Template{}, errors.New("template header columns are required")
	}
	if t.Status == "" {
		t.Status = StatusPublished
	}
	if t.Name == "" {
		t.Name = strings.Join([]string{t.Platform, t.Domain, t.SubDomain, t.Granularity}, "_")
	}

	headers, err := json.Marshal(t.HeaderColumns)
	if err != nil {
		return Template{}, fmt.Errorf("marshal headers: %w", err)
	}
	dedup, err := json.Marshal(nonNil(t.DedupFields))
	if err != nil {
		return Template{}, fmt.Errorf("marshal dedup fields: %w", err)
	}

	var saved []Template
	for attempt := 0; attempt < 2; attempt++ {
		saved, err = s.query(ctx, `
			INSERT INTO `+TemplateTable+`
				(id, name, platform, data_domain, sub_domain, granularity, header_columns, dedup_fields, status, version)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE(MAX(version), 0) + 1
			FROM `+TemplateTable+`
			WHERE platform = $3 AND data_domain = $4
				AND COALESCE(sub_domain, '') = COALESCE($5, '')
				AND COALESCE(granularity, '') = COALESCE($6, '')
			RETURNING `+templateColumns,
			uuid.New(), t.Name, t.Platform, t.Domain, optional(t.SubDomain), optional(t.Granularity),
			string(headers), string(dedup), string(t.Status))
		if err == nil || !database.IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return Template{}, fmt.Errorf("save template: %w", err)
	}
	if len(saved) == 0 {
		return Template{}, errors.New("save template: no row returned")
	}
	return saved[0], nil
}

func (s *PgStore) query(ctx context.Context, sql string, args ...any) ([]Template, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	return out, nil
}

func scanTemplate(row pgx.Row) (Template, error) {
	var (
		t              Template
		id             uuid.UUID
		sub, gran      pgtype.Text
		headers, dedup []byte
		status         string
	)
	err := row.Scan(&id, &t.Name, &t.Platform, &t.Domain, &sub, &gran,
		&headers, &dedup, &status, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Template{}, fmt.Errorf("scan template: %w", err)
	}
	t.ID = id.String()
	t.SubDomain, t.Granularity, t.Status = sub.String, gran.String, Status(status)

	if err := json.Unmarshal(headers, &t.HeaderColumns); err != nil {
		return Template{}, fmt.Errorf("unmarshal headers of %s: %w", t.ID, err)
	}
	if len(dedup) > 0 {
		if err := json.Unmarshal(dedup, &t.DedupFields); err != nil {
			return Template{}, fmt.Errorf("unmarshal dedup fields of %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func optional(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
