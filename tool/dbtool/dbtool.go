//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package dbtool provides the read-only database tools the agent calls:
// list_tables, describe_table and run_query.
package dbtool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"trpc.group/trpc-go/trpc-dbagent-go/tool"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/function"
)

// Tool names.
const (
	ListTablesName    = "list_tables"
	DescribeTableName = "describe_table"
	RunQueryName      = "run_query"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const defaultMaxRows = 100

var (
	// ErrNotReadOnly is returned for statements other than SELECT/WITH.
	ErrNotReadOnly = errors.New("only read-only SELECT statements are allowed")
	// ErrInvalidTable is returned for table names that are not plain identifiers.
	ErrInvalidTable = errors.New("invalid table name")

	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// Option configures a Toolset.
type Option func(*Toolset)

// WithMaxRows caps the rows returned by run_query.
func WithMaxRows(n int) Option {
	return func(t *Toolset) {
		if n > 0 {
			t.maxRows = n
		}
	}
}

// Toolset exposes a database through agent tools.
type Toolset struct {
	db      *sql.DB
	driver  string
	maxRows int
}

// New creates a Toolset. driver selects the catalog queries.
func New(db *sql.DB, driver string, opts ...Option) (*Toolset, error) {
	if db == nil {
		return nil, errors.New("dbtool: db is required")
	}
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("dbtool: unsupported driver %q", driver)
	}
	t := &Toolset{db: db, driver: driver, maxRows: defaultMaxRows}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Tools returns the callable tools.
func (t *Toolset) Tools() []tool.CallableTool {
	return []tool.CallableTool{
		function.NewFunctionTool(t.listTables,
			function.WithName(ListTablesName),
			function.WithDescription("List the tables available in the database."),
		),
		function.NewFunctionTool(t.describeTable,
			function.WithName(DescribeTableName),
			function.WithDescription("Describe the columns of a table."),
		),
		function.NewFunctionTool(t.runQuery,
			function.WithName(RunQueryName),
			function.WithDescription(fmt.Sprintf(
				"Run a read-only SQL SELECT statement. At most %d rows are returned.", t.maxRows)),
		),
	}
}

// ListTablesInput takes no arguments.
type ListTablesInput struct{}

// ListTablesOutput lists table names.
type ListTablesOutput struct {
	Tables []string `json:"tables"`
}

func (t *Toolset) listTables(ctx context.Context, _ ListTablesInput) (ListTablesOutput, error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	if t.driver == DriverPostgres {
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() ORDER BY table_name`
	}
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return ListTablesOutput{}, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	out := ListTablesOutput{Tables: []string{}}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return ListTablesOutput{}, fmt.Errorf("list tables: %w", err)
		}
		out.Tables = append(out.Tables, name)
	}
	return out, rows.Err()
}

// DescribeTableInput names the table to describe.
type DescribeTableInput struct {
	Table string `json:"table" jsonschema:"description=Table name"`
}

// Column describes one table column.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

// DescribeTableOutput lists the columns of a table.
type DescribeTableOutput struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

func (t *Toolset) describeTable(ctx context.Context, in DescribeTableInput) (DescribeTableOutput, error) {
	if !identPattern.MatchString(in.Table) {
		return DescribeTableOutput{}, fmt.Errorf("%w: %q", ErrInvalidTable, in.Table)
	}
	out := DescribeTableOutput{Table: in.Table, Columns: []Column{}}
	if t.driver == DriverPostgres {
		rows, err := t.db.QueryContext(ctx, `SELECT column_name, data_type, is_nullable = 'YES'
			FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`, in.Table)
		if err != nil {
			return DescribeTableOutput{}, fmt.Errorf("describe table: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c Column
			if err := rows.Scan(&c.Name, &c.Type, &c.Nullable); err != nil {
				return DescribeTableOutput{}, fmt.Errorf("describe table: %w", err)
			}
			out.Columns = append(out.Columns, c)
		}
		if err := rows.Err(); err != nil {
			return DescribeTableOutput{}, err
		}
	} else {
		rows, err := t.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", in.Table))
		if err != nil {
			return DescribeTableOutput{}, fmt.Errorf("describe table: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				cid     int
				c       Column
				notNull int
				dflt    sql.NullString
				pk      int
			)
			if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
				return DescribeTableOutput{}, fmt.Errorf("describe table: %w", err)
			}
			c.Nullable = notNull == 0
			c.PrimaryKey = pk > 0
			out.Columns = append(out.Columns, c)
		}
		if err := rows.Err(); err != nil {
			return DescribeTableOutput{}, err
		}
	}
	if len(out.Columns) == 0 {
		return DescribeTableOutput{}, fmt.Errorf("table %q does not exist", in.Table)
	}
	return out, nil
}

// RunQueryInput carries the SQL to run.
type RunQueryInput struct {
	SQL string `json:"sql" jsonschema:"description=A single read-only SELECT statement"`
}

// QueryResult is the tabular output of run_query.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated,omitempty"`
}

func (t *Toolset) runQuery(ctx context.Context, in RunQueryInput) (tool.VisualResult, error) {
	query, err := readOnly(in.SQL)
	if err != nil {
		return tool.VisualResult{}, err
	}
	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: t.driver == DriverPostgres})
	if err != nil {
		return tool.VisualResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return tool.VisualResult{}, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return tool.VisualResult{}, err
	}
	res := QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if len(res.Rows) == t.maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return tool.VisualResult{}, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return tool.VisualResult{}, err
	}
	res.RowCount = len(res.Rows)

	out := tool.VisualResult{Output: res}
	if res.RowCount > 0 {
		out.Visualizations = []tool.Visualization{{
			Type:  "table",
			Title: "Query result",
			Spec:  map[string]any{"columns": res.Columns, "rows": res.Rows},
		}}
	}
	return out, nil
}

// readOnly normalizes sql and rejects anything but one SELECT/WITH statement.
func readOnly(query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimRight(q, "; \n\t")
	if q == "" {
		return "", errors.New("sql is required")
	}
	if strings.Contains(q, ";") {
		return "", fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	}
	fields := strings.Fields(strings.ToLower(q))
	switch fields[0] {
	case "select", "with":
	default:
		return "", ErrNotReadOnly
	}
	for _, kw := range fields {
		switch kw {
		case "insert", "update", "delete", "drop", "alter", "create", "attach", "replace", "truncate", "grant":
			return "", fmt.Errorf("%w: %s", ErrNotReadOnly, kw)
		}
	}
	return q, nil
}
