//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package dbtool

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/tool"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT);
		INSERT INTO users (name, email) VALUES ('ada', 'ada@example.com'), ('bob', NULL), ('cy', 'cy@example.com');
		CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER, total REAL);`)
	require.NoError(t, err)
	return db
}

func newToolset(t *testing.T, opts ...Option) *Toolset {
	t.Helper()
	ts, err := New(openTestDB(t), DriverSQLite, opts...)
	require.NoError(t, err)
	return ts
}

func TestListTables(t *testing.T) {
	ts := newToolset(t)
	out, err := ts.listTables(context.Background(), ListTablesInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, out.Tables)
}

func TestDescribeTable(t *testing.T) {
	ts := newToolset(t)
	out, err := ts.describeTable(context.Background(), DescribeTableInput{Table: "users"})
	require.NoError(t, err)
	require.Len(t, out.Columns, 3)
	assert.Equal(t, Column{Name: "id", Type: "INTEGER", Nullable: true, PrimaryKey: true}, out.Columns[0])
	assert.Equal(t, Column{Name: "name", Type: "TEXT", Nullable: false}, out.Columns[1])

	_, err = ts.describeTable(context.Background(), DescribeTableInput{Table: "users; DROP TABLE users"})
	assert.ErrorIs(t, err, ErrInvalidTable)

	_, err = ts.describeTable(context.Background(), DescribeTableInput{Table: "missing"})
	assert.Error(t, err)
}

func TestRunQuery(t *testing.T) {
	ts := newToolset(t, WithMaxRows(2))
	out, err := ts.runQuery(context.Background(), RunQueryInput{SQL: "SELECT name FROM users ORDER BY id;"})
	require.NoError(t, err)
	res, ok := out.Output.(QueryResult)
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, res.Columns)
	assert.Equal(t, [][]any{{"ada"}, {"bob"}}, res.Rows)
	assert.Equal(t, 2, res.RowCount)
	assert.True(t, res.Truncated)
	require.Len(t, out.Visualizations, 1)
	assert.Equal(t, "table", out.Visualizations[0].Type)
}

func TestRunQuery_Empty(t *testing.T) {
	ts := newToolset(t)
	out, err := ts.runQuery(context.Background(), RunQueryInput{SQL: "SELECT * FROM orders"})
	require.NoError(t, err)
	assert.Empty(t, out.Visualizations)
	assert.Equal(t, 0, out.Output.(QueryResult).RowCount)
}

func TestReadOnly(t *testing.T) {
	tests := []struct {
		sql     string
		wantErr bool
	}{
		{sql: "select 1", wantErr: false},
		{sql: "  WITH x AS (SELECT 1) SELECT * FROM x;", wantErr: false},
		{sql: "", wantErr: true},
		{sql: "DELETE FROM users", wantErr: true},
		{sql: "SELECT 1; DROP TABLE users", wantErr: true},
		{sql: "WITH d AS (DELETE FROM users RETURNING *) SELECT * FROM d", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			_, err := readOnly(tt.sql)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
	_, err := readOnly("UPDATE users SET name = 'x'")
	assert.True(t, errors.Is(err, ErrNotReadOnly))
}

func TestTools_RegisterCleanly(t *testing.T) {
	ts := newToolset(t)
	r, err := tool.NewRegistry(ts.Tools()...)
	require.NoError(t, err)
	assert.Equal(t, []string{DescribeTableName, ListTablesName, RunQueryName}, r.Names())
	assert.NoError(t, r.Validate(RunQueryName, []byte(`{"sql":"select 1"}`)))
	assert.Error(t, r.Validate(DescribeTableName, []byte(`{}`)))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DriverSQLite)
	assert.Error(t, err)
	_, err = New(&sql.DB{}, "mysql")
	assert.Error(t, err)
}
