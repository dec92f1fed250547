//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint saver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
)

const (
	sqliteCreateCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"seq INTEGER PRIMARY KEY AUTOINCREMENT, " +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT, " +
		"ts INTEGER NOT NULL, " +
		"checkpoint_json BLOB NOT NULL, " +
		"UNIQUE (thread_id, checkpoint_id)" +
		")"

	sqliteCreateHeads = "CREATE TABLE IF NOT EXISTS checkpoint_heads (" +
		"thread_id TEXT PRIMARY KEY, " +
		"checkpoint_id TEXT NOT NULL" +
		")"

	sqliteCreateWrites = "CREATE TABLE IF NOT EXISTS checkpoint_writes (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"node_id TEXT NOT NULL, " +
		"seq INTEGER NOT NULL, " +
		"delta_json BLOB NOT NULL, " +
		"ts INTEGER NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_id, seq)" +
		")"

	sqliteInsertCheckpoint = "INSERT INTO checkpoints (" +
		"thread_id, checkpoint_id, parent_checkpoint_id, ts, checkpoint_json) VALUES (?, ?, ?, ?, ?)"

	sqliteSelectHead = "SELECT checkpoint_id FROM checkpoint_heads WHERE thread_id = ?"

	sqliteInsertHead = "INSERT INTO checkpoint_heads (thread_id, checkpoint_id) VALUES (?, ?)"

	sqliteAdvanceHead = "UPDATE checkpoint_heads SET checkpoint_id = ? WHERE thread_id = ? AND checkpoint_id = ?"

	sqliteSelectLatest = "SELECT c.checkpoint_json FROM checkpoints c " +
		"JOIN checkpoint_heads h ON h.thread_id = c.thread_id AND h.checkpoint_id = c.checkpoint_id " +
		"WHERE c.thread_id = ?"

	sqliteSelectByID = "SELECT checkpoint_json FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?"

	sqliteSelectList = "SELECT checkpoint_json FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC"

	sqliteInsertWrite = "INSERT INTO checkpoint_writes (" +
		"thread_id, checkpoint_id, node_id, seq, delta_json, ts) VALUES (?, ?, ?, ?, ?, ?)"

	sqliteSelectWrites = "SELECT checkpoint_id, node_id, seq, delta_json, ts FROM checkpoint_writes " +
		"WHERE thread_id = ? AND checkpoint_id = ? ORDER BY seq"

	sqliteDeleteThreadCkpts  = "DELETE FROM checkpoints WHERE thread_id = ?"
	sqliteDeleteThreadHeads  = "DELETE FROM checkpoint_heads WHERE thread_id = ?"
	sqliteDeleteThreadWrites = "DELETE FROM checkpoint_writes WHERE thread_id = ?"
)

// Saver stores checkpoints in SQLite. The head of each thread lives in its
// own table and only advances through a compare-and-set update.
type Saver struct {
	db *sql.DB
	// mu serializes writers of this process; SQLite allows one writer anyway.
	mu sync.Mutex
}

// NewSaver creates the tables if needed and returns a saver.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	for _, stmt := range []string{sqliteCreateCheckpoints, sqliteCreateHeads, sqliteCreateWrites} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return &Saver{db: db}, nil
}

// Get implements graph.CheckpointSaver.
func (s *Saver) Get(ctx context.Context, threadID, checkpointID string) (*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx, sqliteSelectLatest, threadID)
	} else {
		row = s.db.QueryRowContext(ctx, sqliteSelectByID, threadID, checkpointID)
	}
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return decode(raw)
}

// Put implements graph.CheckpointSaver.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) error {
	cp := req.Checkpoint
	if cp == nil || cp.ID == "" {
		return errors.New("checkpoint and checkpoint id are required")
	}
	if cp.ThreadID == "" {
		return graph.ErrThreadIDRequired
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := advanceHead(ctx, tx, cp.ThreadID, req.ExpectedHead, cp.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sqliteInsertCheckpoint,
		cp.ThreadID, cp.ID, cp.ParentID, cp.CreatedAt.UnixNano(), raw); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: checkpoint %s already exists", graph.ErrCheckpointConflict, cp.ID)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	for _, w := range req.Writes {
		if _, err := tx.ExecContext(ctx, sqliteInsertWrite,
			cp.ThreadID, cp.ID, w.NodeID, w.Seq, []byte(w.Delta), w.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func advanceHead(ctx context.Context, tx *sql.Tx, threadID, expected, next string) error {
	if expected == "" {
		var current string
		err := tx.QueryRowContext(ctx, sqliteSelectHead, threadID).Scan(&current)
		switch {
		case err == nil:
			return fmt.Errorf("%w: expected new thread, found head %q", graph.ErrCheckpointConflict, current)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("select head: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqliteInsertHead, threadID, next); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: thread %s already exists", graph.ErrCheckpointConflict, threadID)
			}
			return fmt.Errorf("insert head: %w", err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, sqliteAdvanceHead, next, threadID, expected)
	if err != nil {
		return fmt.Errorf("advance head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance head: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: head of %s is not %q", graph.ErrCheckpointConflict, threadID, expected)
	}
	return nil
}

func isConstraint(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}

// List implements graph.CheckpointSaver.
func (s *Saver) List(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	query := sqliteSelectList
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []*graph.Checkpoint
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Writes implements graph.CheckpointSaver.
func (s *Saver) Writes(ctx context.Context, threadID, checkpointID string) ([]graph.Write, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectWrites, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()
	var out []graph.Write
	for rows.Next() {
		var (
			w     graph.Write
			delta []byte
			ts    int64
		)
		if err := rows.Scan(&w.CheckpointID, &w.NodeID, &w.Seq, &delta, &ts); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		w.Delta = json.RawMessage(delta)
		w.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteThread implements graph.CheckpointSaver.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{sqliteDeleteThreadWrites, sqliteDeleteThreadHeads, sqliteDeleteThreadCkpts} {
		if _, err := tx.ExecContext(ctx, stmt, threadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
	}
	return tx.Commit()
}

func decode(raw []byte) (*graph.Checkpoint, error) {
	var cp graph.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
