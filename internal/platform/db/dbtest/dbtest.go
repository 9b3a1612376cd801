// Package dbtest provides scripted pgx transactions for repository tests.
package dbtest

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Statement is one SQL call seen by a Tx.
type Statement struct {
	SQL  string
	Args []any
}

// Tx is a pgx.Tx whose Exec, QueryRow and SendBatch answers are scripted.
// Methods that are not overridden panic through the nil embedded interface.
type Tx struct {
	pgx.Tx

	ExecFn     func(sql string, args []any) (pgconn.CommandTag, error)
	QueryRowFn func(sql string, args []any) pgx.Row
	// BatchErrs answers batched statements in queue order; missing entries succeed.
	BatchErrs []error
	CommitErr error

	Statements []Statement
	Committed  int
	RolledBack int
}

func (t *Tx) record(sql string, args []any) {
	t.Statements = append(t.Statements, Statement{SQL: sql, Args: args})
}

// Exec records the statement and returns the scripted result.
func (t *Tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.record(sql, args)
	if t.ExecFn == nil {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return t.ExecFn(sql, args)
}

// QueryRow records the statement and returns the scripted row.
func (t *Tx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.record(sql, args)
	if t.QueryRowFn == nil {
		return Row{Err: pgx.ErrNoRows}
	}
	return t.QueryRowFn(sql, args)
}

// SendBatch records every queued statement.
func (t *Tx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	for _, q := range b.QueuedQueries {
		t.record(q.SQL, q.Arguments)
	}
	return &batchResults{errs: t.BatchErrs}
}

// Commit counts the call.
func (t *Tx) Commit(context.Context) error {
	t.Committed++
	return t.CommitErr
}

// Rollback counts the call.
func (t *Tx) Rollback(context.Context) error {
	t.RolledBack++
	return nil
}

type batchResults struct {
	errs []error
	next int
}

func (b *batchResults) Exec() (pgconn.CommandTag, error) {
	i := b.next
	b.next++
	if i < len(b.errs) && b.errs[i] != nil {
		return pgconn.CommandTag{}, b.errs[i]
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (b *batchResults) Query() (pgx.Rows, error) {
	_, err := b.Exec()
	return nil, err
}

func (b *batchResults) QueryRow() pgx.Row {
	_, err := b.Exec()
	if err == nil {
		err = pgx.ErrNoRows
	}
	return Row{Err: err}
}

func (b *batchResults) Close() error { return nil }

// Row is a pgx.Row that fails Scan with Err, or scans Values when Err is nil.
type Row struct {
	Err    error
	Values []any
}

// Scan copies Values into pointers of matching type.
func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	for i := range dest {
		if i >= len(r.Values) {
			break
		}
		switch d := dest[i].(type) {
		case *bool:
			*d = r.Values[i].(bool)
		case *string:
			*d = r.Values[i].(string)
		case *float64:
			*d = r.Values[i].(float64)
		case *int64:
			*d = r.Values[i].(int64)
		case *time.Time:
			*d = r.Values[i].(time.Time)
		}
	}
	return nil
}

// Beginner hands out a fresh Tx per BeginTx call.
type Beginner struct {
	BeginErr  error
	CommitErr error

	Txs  []*Tx
	Opts []pgx.TxOptions
}

// BeginTx records opts and returns a new Tx.
func (b *Beginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.Opts = append(b.Opts, opts)
	if b.BeginErr != nil {
		return nil, b.BeginErr
	}
	tx := &Tx{CommitErr: b.CommitErr}
	b.Txs = append(b.Txs, tx)
	return tx, nil
}

// PgError builds a PostgreSQL error carrying code.
func PgError(code string) error {
	return &pgconn.PgError{Code: code, Message: "scripted " + code}
}
