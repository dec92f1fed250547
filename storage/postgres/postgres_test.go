//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	var o ClientBuilderOpts
	for _, opt := range []ClientBuilderOpt{
		WithClientConnString("postgres://u:p@localhost/db"),
		WithMaxOpenConns(4),
		WithConnMaxLifetime(time.Minute),
	} {
		opt(&o)
	}
	require.Equal(t, "postgres://u:p@localhost/db", o.ConnString)
	require.Equal(t, 4, o.MaxOpenConns)
	require.Equal(t, time.Minute, o.ConnMaxLifetime)
}

func TestDefaultBuilder_EmptyConnString(t *testing.T) {
	_, err := defaultClientBuilder(context.Background())
	require.Error(t, err)
}

func TestSetClientBuilder(t *testing.T) {
	old := GetClientBuilder()
	t.Cleanup(func() { SetClientBuilder(old) })

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	var seen string
	SetClientBuilder(func(ctx context.Context, opts ...ClientBuilderOpt) (Client, error) {
		cfg := &ClientBuilderOpts{}
		for _, o := range opts {
			o(cfg)
		}
		seen = cfg.ConnString
		return NewClientFromDB(db), nil
	})

	c, err := NewClient(context.Background(), WithClientConnString("dsn"))
	require.NoError(t, err)
	require.Equal(t, "dsn", seen)
	require.Same(t, db, c.DB())
}

func TestClient_ExecAndQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClientFromDB(db)

	mock.ExpectExec("INSERT INTO t").WithArgs("v").WillReturnResult(sqlmock.NewResult(1, 1))
	res, err := c.ExecContext(context.Background(), "INSERT INTO t VALUES ($1)", "v")
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	mock.ExpectQuery("SELECT name FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("a").AddRow("b"))
	var names []string
	err = c.Query(context.Background(), func(rows *sql.Rows) error {
		for rows.Next() {
			var s string
			if err := rows.Scan(&s); err != nil {
				return err
			}
			names = append(names, s)
		}
		return nil
	}, "SELECT name FROM t")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)

	mock.ExpectQuery("SELECT broken").WillReturnError(errors.New("boom"))
	err = c.Query(context.Background(), func(*sql.Rows) error { return nil }, "SELECT broken")
	require.ErrorContains(t, err, "boom")

	mock.ExpectClose()
	require.NoError(t, c.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_Transaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClientFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = c.Transaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE t SET a = 1")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = c.Transaction(context.Background(), func(*sql.Tx) error { return errors.New("abort") })
	require.EqualError(t, err, "abort")

	mock.ExpectBegin()
	mock.ExpectRollback()
	require.Panics(t, func() {
		_ = c.Transaction(context.Background(), func(*sql.Tx) error { panic("p") })
	})
	require.NoError(t, mock.ExpectationsWereMet())
}
