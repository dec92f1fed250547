//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package postgres opens PostgreSQL pools over the pgx database/sql driver
// and wraps them in the small Client the stores are written against.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
)

// DriverName is the database/sql driver name registered by pgx.
const DriverName = "pgx"

// Client is what the postgres backed stores need from a pool.
type Client interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	// Query hands the result rows to fn and closes them afterwards.
	Query(ctx context.Context, fn HandlerFunc, query string, args ...any) error
	// Transaction commits when fn returns nil and rolls back otherwise.
	Transaction(ctx context.Context, fn TxFunc) error
	DB() *sql.DB
	Close() error
}

// HandlerFunc reads query rows.
type HandlerFunc func(*sql.Rows) error

// TxFunc runs inside a transaction.
type TxFunc func(*sql.Tx) error

// ClientBuilderOpts holds pool settings.
type ClientBuilderOpts struct {
	// ConnString is a postgres:// URL or a key=value DSN.
	ConnString      string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// ClientBuilderOpt sets one pool setting.
type ClientBuilderOpt func(*ClientBuilderOpts)

// WithClientConnString sets the connection string.
func WithClientConnString(connString string) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) { o.ConnString = connString }
}

// WithMaxOpenConns caps the pool.
func WithMaxOpenConns(n int) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) { o.MaxOpenConns = n }
}

// WithConnMaxLifetime recycles connections older than d.
func WithConnMaxLifetime(d time.Duration) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) { o.ConnMaxLifetime = d }
}

// ClientBuilder creates clients. Tests swap it with SetClientBuilder.
type ClientBuilder func(ctx context.Context, opts ...ClientBuilderOpt) (Client, error)

var builder ClientBuilder = defaultClientBuilder

// SetClientBuilder replaces the builder behind NewClient.
func SetClientBuilder(b ClientBuilder) { builder = b }

// GetClientBuilder returns the builder behind NewClient.
func GetClientBuilder() ClientBuilder { return builder }

// NewClient opens a client with the current builder.
func NewClient(ctx context.Context, opts ...ClientBuilderOpt) (Client, error) {
	return builder(ctx, opts...)
}

func defaultClientBuilder(ctx context.Context, opts ...ClientBuilderOpt) (Client, error) {
	var o ClientBuilderOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.ConnString == "" {
		return nil, errors.New("postgres: connection string is empty")
	}
	db, err := sql.Open(DriverName, o.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewClientFromDB(db), nil
}

// NewClientFromDB wraps an already open pool.
func NewClientFromDB(db *sql.DB) Client {
	return &pool{db: db}
}

type pool struct {
	db *sql.DB
}

func (p *pool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

func (p *pool) Query(ctx context.Context, fn HandlerFunc, query string, args ...any) error {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	if err := fn(rows); err != nil {
		return err
	}
	return rows.Err()
}

func (p *pool) Transaction(ctx context.Context, fn TxFunc) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (p *pool) DB() *sql.DB { return p.db }

func (p *pool) Close() error { return p.db.Close() }
