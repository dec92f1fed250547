//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package postgres stores messages in PostgreSQL. Content blocks are kept as
// a JSONB array on the message row.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-dbagent-go/message"
	storage "trpc.group/trpc-go/trpc-dbagent-go/storage/postgres"
)

var _ message.Store = (*Store)(nil)

const defaultTable = "dbagent_messages"

const (
	sqlCreateTable = `
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			blocks JSONB NOT NULL DEFAULT '[]',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			needs_approval BOOLEAN NOT NULL DEFAULT FALSE,
			is_feedback BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`

	sqlCreateIndex = `CREATE INDEX IF NOT EXISTS %s_thread_idx ON %s (thread_id, created_at)`

	sqlUpsertAssistant = `
		INSERT INTO %s (id, thread_id, role, blocks, checkpoint_id, needs_approval, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			blocks = EXCLUDED.blocks,
			checkpoint_id = EXCLUDED.checkpoint_id,
			needs_approval = EXCLUDED.needs_approval,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`

	sqlInsertUser = `
		INSERT INTO %s (id, thread_id, role, content, is_feedback, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	sqlSelectBlocksForUpdate = `SELECT blocks FROM %s WHERE thread_id = $1 AND id = $2 FOR UPDATE`

	sqlUpdateBlocks = `UPDATE %s SET blocks = $1, updated_at = $2 WHERE thread_id = $3 AND id = $4`

	selectColumns = `id, thread_id, role, content, blocks, checkpoint_id, needs_approval, is_feedback, created_at, updated_at`

	sqlSelectMessage = `SELECT ` + selectColumns + ` FROM %s WHERE thread_id = $1 AND id = $2`

	sqlListMessages = `
		SELECT ` + selectColumns + ` FROM (
			SELECT ` + selectColumns + ` FROM %s WHERE thread_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		) recent ORDER BY created_at ASC, id ASC`
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Option configures a Store.
type Option func(*Store)

// WithTable sets the table name.
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// WithSkipSchemaInit leaves table creation to migrations.
func WithSkipSchemaInit() Option {
	return func(s *Store) {
		s.skipInit = true
	}
}

// Store is a message.Store on PostgreSQL.
type Store struct {
	client   storage.Client
	table    string
	skipInit bool
	now      func() time.Time
}

// New creates the store and its table.
func New(ctx context.Context, client storage.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("postgres message store: client is nil")
	}
	s := &Store{client: client, table: defaultTable, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if !tableNamePattern.MatchString(s.table) {
		return nil, fmt.Errorf("postgres message store: invalid table name %q", s.table)
	}
	if s.skipInit {
		return s, nil
	}
	if _, err := client.ExecContext(ctx, fmt.Sprintf(sqlCreateTable, s.table)); err != nil {
		return nil, fmt.Errorf("postgres message store: create table: %w", err)
	}
	if _, err := client.ExecContext(ctx, fmt.Sprintf(sqlCreateIndex, s.table, s.table)); err != nil {
		return nil, fmt.Errorf("postgres message store: create index: %w", err)
	}
	return s, nil
}

// SaveAssistantMessage implements message.Store.
func (s *Store) SaveAssistantMessage(ctx context.Context, in message.AssistantMessage) (*message.Message, error) {
	id := in.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	blocks := in.Blocks
	if blocks == nil {
		blocks = []message.ContentBlock{}
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("marshal blocks: %w", err)
	}
	now := s.now().UTC()
	createdAt := now
	err = s.client.Query(ctx, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&createdAt)
		}
		return nil
	}, fmt.Sprintf(sqlUpsertAssistant, s.table),
		id, in.ThreadID, string(message.RoleAssistant), raw, in.CheckpointID, in.NeedsApproval, now)
	if err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	m := &message.Message{
		ID:            id,
		ThreadID:      in.ThreadID,
		Role:          message.RoleAssistant,
		Blocks:        blocks,
		CheckpointID:  in.CheckpointID,
		NeedsApproval: in.NeedsApproval,
		CreatedAt:     createdAt,
		UpdatedAt:     now,
	}
	return m.Clone(), nil
}

// SaveUserMessage implements message.Store.
func (s *Store) SaveUserMessage(ctx context.Context, threadID, content string, isFeedback bool) (*message.Message, error) {
	now := s.now().UTC()
	m := &message.Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		Role:       message.RoleUser,
		Content:    content,
		IsFeedback: isFeedback,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.client.ExecContext(ctx, fmt.Sprintf(sqlInsertUser, s.table),
		m.ID, threadID, string(message.RoleUser), content, isFeedback, now); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	return m, nil
}

// UpdateBlockStatus implements message.Store.
func (s *Store) UpdateBlockStatus(ctx context.Context, threadID, messageID, blockID string,
	update message.BlockUpdate) error {
	return s.client.Transaction(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx, fmt.Sprintf(sqlSelectBlocksForUpdate, s.table), threadID, messageID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return message.ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("load blocks: %w", err)
		}
		var blocks []message.ContentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return fmt.Errorf("unmarshal blocks: %w", err)
		}
		if err := message.ApplyBlockUpdate(blocks, blockID, update); err != nil {
			return err
		}
		updated, err := json.Marshal(blocks)
		if err != nil {
			return fmt.Errorf("marshal blocks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(sqlUpdateBlocks, s.table),
			updated, s.now().UTC(), threadID, messageID); err != nil {
			return fmt.Errorf("update blocks: %w", err)
		}
		return nil
	})
}

// GetMessage implements message.Store.
func (s *Store) GetMessage(ctx context.Context, threadID, messageID string) (*message.Message, error) {
	var found *message.Message
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		m, err := scanMessage(rows)
		found = m
		return err
	}, fmt.Sprintf(sqlSelectMessage, s.table), threadID, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if found == nil {
		return nil, message.ErrMessageNotFound
	}
	return found, nil
}

// ListMessages implements message.Store.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]*message.Message, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	var out []*message.Message
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	}, fmt.Sprintf(sqlListMessages, s.table), threadID, lim)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (*message.Message, error) {
	var (
		m    message.Message
		role string
		raw  []byte
	)
	if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &raw, &m.CheckpointID,
		&m.NeedsApproval, &m.IsFeedback, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = message.Role(role)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal blocks: %w", err)
		}
	}
	return &m, nil
}
