// Package dbtest provides an in-memory stand-in for the pgx query surface
// used by the ingestion packages. Tests script responses per statement
// and inspect the SQL that was sent.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call is one statement sent to the fake.
type Call struct {
	SQL  string
	Args []any
	// Tx is the transaction sequence number, 0 outside a transaction.
	Tx int
}

// DB records statements and answers them through the hook functions.
// Nil hooks succeed with empty results.
type DB struct {
	mu    sync.Mutex
	calls []Call
	txSeq int

	// ExecHook returns the error and affected-row count for an Exec.
	ExecHook func(sql string, args []any) (int64, error)
	// QueryHook returns the rows for a Query or QueryRow.
	QueryHook func(sql string, args []any) ([][]any, error)

	Commits   int
	Rollbacks int
}

// Calls returns a copy of every recorded statement.
func (d *DB) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Matching returns the recorded statements containing substr.
func (d *DB) Matching(substr string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if strings.Contains(c.SQL, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (d *DB) record(sql string, args []any, tx int) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{SQL: sql, Args: args, Tx: tx})
	d.mu.Unlock()
}

func (d *DB) exec(sql string, args []any, tx int) (pgconn.CommandTag, error) {
	d.record(sql, args, tx)
	if d.ExecHook == nil {
		return pgconn.NewCommandTag("OK"), nil
	}
	n, err := d.ExecHook(sql, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", n)), nil
}

func (d *DB) query(sql string, args []any, tx int) (pgx.Rows, error) {
	d.record(sql, args, tx)
	if d.QueryHook == nil {
		return &Rows{}, nil
	}
	data, err := d.QueryHook(sql, args)
	if err != nil {
		return nil, err
	}
	return &Rows{data: data}, nil
}

// Exec implements database.DBTX.
func (d *DB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return d.exec(sql, args, 0)
}

// Query implements database.DBTX.
func (d *DB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.query(sql, args, 0)
}

// QueryRow implements database.DBTX.
func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := d.Query(ctx, sql, args...)
	return &row{rows: rows, err: err}
}

// Begin opens a recorded transaction.
func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	d.txSeq++
	seq := d.txSeq
	d.mu.Unlock()
	return &Tx{db: d, seq: seq}, nil
}

// SendBatch runs each queued statement through Exec in order.
func (d *DB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	return d.sendBatch(b, 0)
}

func (d *DB) sendBatch(b *pgx.Batch, tx int) pgx.BatchResults {
	res := &BatchResults{}
	for _, q := range b.QueuedQueries {
		_, err := d.exec(q.SQL, q.Arguments, tx)
		res.errs = append(res.errs, err)
	}
	return res
}

// Tx is a fake transaction bound to a DB.
type Tx struct {
	db   *DB
	seq  int
	done bool
}

func (t *Tx) Begin(ctx context.Context) (pgx.Tx, error) { return t.db.Begin(ctx) }

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.mu.Lock()
	t.db.Commits++
	t.db.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.mu.Lock()
	t.db.Rollbacks++
	t.db.mu.Unlock()
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("dbtest: CopyFrom not supported")
}

func (t *Tx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	return t.db.sendBatch(b, t.seq)
}

func (t *Tx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("dbtest: Prepare not supported")
}

func (t *Tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.exec(sql, args, t.seq)
}

func (t *Tx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.query(sql, args, t.seq)
}

func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := t.Query(ctx, sql, args...)
	return &row{rows: rows, err: err}
}

func (t *Tx) Conn() *pgx.Conn { return nil }

// BatchResults replays the per-statement errors of a batch.
type BatchResults struct {
	errs []error
	pos  int
}

func (b *BatchResults) Exec() (pgconn.CommandTag, error) {
	if b.pos >= len(b.errs) {
		return pgconn.CommandTag{}, errors.New("dbtest: no more batch results")
	}
	err := b.errs[b.pos]
	b.pos++
	return pgconn.NewCommandTag("UPDATE 1"), err
}

func (b *BatchResults) Query() (pgx.Rows, error) {
	_, err := b.Exec()
	return &Rows{}, err
}

func (b *BatchResults) QueryRow() pgx.Row {
	_, err := b.Exec()
	return &row{rows: &Rows{}, err: err}
}

func (b *BatchResults) Close() error {
	for _, err := range b.errs[b.pos:] {
		if err != nil {
			return err
		}
	}
	return nil
}

// Rows iterates scripted result rows.
type Rows struct {
	data [][]any
	pos  int
	cur  []any
	err  error
}

func (r *Rows) Close()                                       {}
func (r *Rows) Err() error                                   { return r.err }
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.pos >= len(r.data) {
		r.cur = nil
		return false
	}
	r.cur = r.data[r.pos]
	r.pos++
	return true
}

func (r *Rows) Values() ([]any, error) { return r.cur, nil }

func (r *Rows) Scan(dest ...any) error {
	if len(dest) != len(r.cur) {
		return fmt.Errorf("dbtest: scan %d values into %d targets", len(r.cur), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, r.cur[i]); err != nil {
			return fmt.Errorf("dbtest: column %d: %w", i, err)
		}
	}
	return nil
}

type row struct {
	rows pgx.Rows
	err  error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

func assign(dest, v any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return errors.New("destination must be a non-nil pointer")
	}
	target := dv.Elem()
	if v == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	sv := reflect.ValueOf(v)
	switch {
	case sv.Type().AssignableTo(target.Type()):
		target.Set(sv)
	case sv.Type().ConvertibleTo(target.Type()):
		target.Set(sv.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", v, target.Type())
	}
	return nil
}
