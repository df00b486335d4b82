package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeQuerier is a programmable Querier for repository tests. Exec calls are
// recorded; behavior is controlled through the hook functions.
type fakeQuerier struct {
	execCalls []execCall

	execFn     func(sql string, args []interface{}) (int64, error)
	queryRowFn func(sql string, args []interface{}) pgx.Row
	queryFn    func(sql string, args []interface{}) (pgx.Rows, error)
}

type execCall struct {
	sql  string
	args []interface{}
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	f.execCalls = append(f.execCalls, execCall{sql: sql, args: args})
	if f.execFn != nil {
		return f.execFn(sql, args)
	}
	return 1, nil
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(sql, args)
	}
	return fakeRow{err: errors.New("no queryRowFn configured")}
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(sql, args)
	}
	return nil, errors.New("no queryFn configured")
}

// fakeRow satisfies pgx.Row with either an error or a scan function.
type fakeRow struct {
	err  error
	scan func(dest ...interface{}) error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return r.scan(dest...)
}

// fakeRows satisfies pgx.Rows over a list of scan functions, one per row.
type fakeRows struct {
	rows []func(dest ...interface{}) error
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]interface{}, error)               { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	scan := r.rows[r.idx]
	r.idx++
	return scan(dest...)
}

func setString(dest interface{}, v string) {
	switch d := dest.(type) {
	case *string:
		*d = v
	case **string:
		s := v
		*d = &s
	}
}
