// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
package fakedb // import "github.com/go-lpc/hcomp/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

var query struct {
	mu    sync.Mutex
	rows  Rows
	execs []Exec
	err   error
}

// Exec is a statement executed against the fake DB.
type Exec struct {
	Query string
	Args  []driver.Value
}

// Run runs f with the fake DB answering queries with rows.
func Run(ctx context.Context, rows Rows, f func(ctx context.Context) error) error {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.rows = rows
	query.execs = nil
	query.err = nil

	return f(ctx)
}

// Fail makes the statements executed by f fail with err.
func Fail(ctx context.Context, err error, f func(ctx context.Context) error) error {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.rows = Rows{}
	query.execs = nil
	query.err = err

	return f(ctx)
}

// Executed returns the statements executed so far by the function
// given to Run.
func Executed() []Exec {
	return append([]Exec(nil), query.execs...)
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

// Prepare returns a prepared statement, bound to this connection.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

// Close invalidates and potentially stops any current
// prepared statements and transactions, marking this
// connection as no longer in use.
func (c *Conn) Close() error {
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return Tx{}, nil
}

// Tx is a transaction. Statements are applied immediately.
type Tx struct{}

func (Tx) Commit() error   { return nil }
func (Tx) Rollback() error { return nil }

type Stmt struct {
	query string
}

// Close closes the statement.
func (stmt *Stmt) Close() error {
	return nil
}

// NumInput returns the number of placeholder parameters.
//
// NumInput may also return -1, if the driver doesn't know
// its number of placeholders. In that case, the sql package
// will not sanity check Exec or Query argument counts.
func (stmt *Stmt) NumInput() int {
	return -1
}

// Exec executes a query that doesn't return rows, such
// as an INSERT or UPDATE.
func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	if query.err != nil {
		return nil, query.err
	}
	query.execs = append(query.execs, Exec{
		Query: stmt.query,
		Args:  append([]driver.Value(nil), args...),
	})
	return driver.RowsAffected(1), nil
}

// Query executes a query that may return rows, such as a
// SELECT.
func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	if query.err != nil {
		return nil, query.err
	}
	return &query.rows, nil
}

type Rows struct {
	Names  []string
	Values [][]driver.Value
}

// Columns returns the names of the columns.
func (rows *Rows) Columns() []string {
	return rows.Names
}

// Close closes the rows iterator.
func (rows *Rows) Close() error {
	return nil
}

// Next is called to populate the next row of data into
// the provided slice. The provided slice will be the same
// size as the Columns() are wide.
//
// Next should return io.EOF when there are no more rows.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Tx     = Tx{}
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
