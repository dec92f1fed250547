//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a CheckpointSaver backed by Redis.
//
// Layout per thread, under the key prefix:
//
//	<prefix>:<thread>:head          current checkpoint id
//	<prefix>:<thread>:order         list of checkpoint ids, oldest first
//	<prefix>:<thread>:cp:<id>       checkpoint JSON
//	<prefix>:<thread>:writes:<id>   list of write JSON
//
// The head is advanced under WATCH so concurrent writers race on it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
)

const defaultKeyPrefix = "dbagent:checkpoint"

// Option configures a Saver.
type Option func(*Saver)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *Saver) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL expires thread keys after ttl of inactivity. Zero keeps them.
func WithTTL(ttl time.Duration) Option {
	return func(s *Saver) {
		s.ttl = ttl
	}
}

// Saver stores checkpoints in Redis.
type Saver struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewSaver creates a saver on client.
func NewSaver(client redis.UniversalClient, opts ...Option) (*Saver, error) {
	if client == nil {
		return nil, errors.New("redis checkpoint saver: client is nil")
	}
	s := &Saver{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Saver) headKey(threadID string) string {
	return fmt.Sprintf("%s:%s:head", s.prefix, threadID)
}

func (s *Saver) orderKey(threadID string) string {
	return fmt.Sprintf("%s:%s:order", s.prefix, threadID)
}

func (s *Saver) checkpointKey(threadID, id string) string {
	return fmt.Sprintf("%s:%s:cp:%s", s.prefix, threadID, id)
}

func (s *Saver) writesKey(threadID, id string) string {
	return fmt.Sprintf("%s:%s:writes:%s", s.prefix, threadID, id)
}

// Get implements graph.CheckpointSaver.
func (s *Saver) Get(ctx context.Context, threadID, checkpointID string) (*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if checkpointID == "" {
		head, err := s.client.Get(ctx, s.headKey(threadID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get head: %w", err)
		}
		checkpointID = head
	}
	data, err := s.client.Get(ctx, s.checkpointKey(threadID, checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
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
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	writes := make([]any, 0, len(req.Writes))
	for _, w := range req.Writes {
		b, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("marshal write: %w", err)
		}
		writes = append(writes, b)
	}

	headKey := s.headKey(cp.ThreadID)
	cpKey := s.checkpointKey(cp.ThreadID, cp.ID)
	txf := func(tx *redis.Tx) error {
		head, err := tx.Get(ctx, headKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get head: %w", err)
		}
		if head != req.ExpectedHead {
			return fmt.Errorf("%w: expected head %q, found %q", graph.ErrCheckpointConflict, req.ExpectedHead, head)
		}
		n, err := tx.Exists(ctx, cpKey).Result()
		if err != nil {
			return fmt.Errorf("check checkpoint: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: checkpoint %s already exists", graph.ErrCheckpointConflict, cp.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cpKey, data, s.ttl)
			pipe.RPush(ctx, s.orderKey(cp.ThreadID), cp.ID)
			if len(writes) > 0 {
				pipe.RPush(ctx, s.writesKey(cp.ThreadID, cp.ID), writes...)
			}
			pipe.Set(ctx, headKey, cp.ID, s.ttl)
			if s.ttl > 0 {
				pipe.Expire(ctx, s.orderKey(cp.ThreadID), s.ttl)
				if len(writes) > 0 {
					pipe.Expire(ctx, s.writesKey(cp.ThreadID, cp.ID), s.ttl)
				}
			}
			return nil
		})
		return err
	}
	err = s.client.Watch(ctx, txf, headKey)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: head of thread %s moved", graph.ErrCheckpointConflict, cp.ThreadID)
	}
	return err
}

// List implements graph.CheckpointSaver.
func (s *Saver) List(ctx context.Context, threadID string, limit int) ([]*graph.Checkpoint, error) {
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	ids, err := s.client.LRange(ctx, s.orderKey(threadID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoint ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[len(ids)-1-i] = s.checkpointKey(threadID, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	out := make([]*graph.Checkpoint, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		cp, err := decodeCheckpoint([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Writes implements graph.CheckpointSaver.
func (s *Saver) Writes(ctx context.Context, threadID, checkpointID string) ([]graph.Write, error) {
	raw, err := s.client.LRange(ctx, s.writesKey(threadID, checkpointID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list writes: %w", err)
	}
	out := make([]graph.Write, 0, len(raw))
	for _, r := range raw {
		var w graph.Write
		if err := json.Unmarshal([]byte(r), &w); err != nil {
			return nil, fmt.Errorf("unmarshal write: %w", err)
		}
		out = append(out, w)
	}
	return out, nil
}

// DeleteThread implements graph.CheckpointSaver.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	ids, err := s.client.LRange(ctx, s.orderKey(threadID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list checkpoint ids: %w", err)
	}
	keys := []string{s.headKey(threadID), s.orderKey(threadID)}
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(threadID, id), s.writesKey(threadID, id))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

func decodeCheckpoint(data []byte) (*graph.Checkpoint, error) {
	var cp graph.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
