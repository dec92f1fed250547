//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/graph/checkpoint/savertest"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSaver(t *testing.T) {
	savertest.Run(t, func(t *testing.T) graph.CheckpointSaver {
		s, err := NewSaver(openDB(t))
		require.NoError(t, err)
		return s
	})
}

func TestNewSaver_NilDB(t *testing.T) {
	_, err := NewSaver(nil)
	assert.Error(t, err)
}

func TestSaver_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	s, err := NewSaver(db)
	require.NoError(t, err)
	cp := graph.NewCheckpoint("t1", "", graph.State{Plan: "plan"}, []string{"awaiting_approval"})
	require.NoError(t, s.Put(context.Background(), graph.PutRequest{Checkpoint: cp}))
	require.NoError(t, db.Close())

	db2, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db2.Close()
	s2, err := NewSaver(db2)
	require.NoError(t, err)
	got, err := s2.Get(context.Background(), "t1", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, "plan", got.State.Plan)
}
