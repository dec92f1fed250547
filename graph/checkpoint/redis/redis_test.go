//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/graph/checkpoint/savertest"
)

func newClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestSaver(t *testing.T) {
	savertest.Run(t, func(t *testing.T) graph.CheckpointSaver {
		_, c := newClient(t)
		s, err := NewSaver(c)
		require.NoError(t, err)
		return s
	})
}

func TestNewSaver_NilClient(t *testing.T) {
	_, err := NewSaver(nil)
	assert.Error(t, err)
}

func TestSaver_KeyPrefixAndTTL(t *testing.T) {
	mr, c := newClient(t)
	s, err := NewSaver(c, WithKeyPrefix("test"), WithTTL(time.Hour))
	require.NoError(t, err)

	cp := graph.NewCheckpoint("t1", "", graph.State{Query: "q"}, []string{"routing"})
	require.NoError(t, s.Put(context.Background(), graph.PutRequest{
		Checkpoint: cp,
		Writes:     []graph.Write{{CheckpointID: cp.ID, NodeID: "__input__", Seq: 1}},
	}))

	assert.True(t, mr.Exists("test:t1:head"))
	assert.True(t, mr.Exists("test:t1:cp:"+cp.ID))
	assert.Equal(t, time.Hour, mr.TTL("test:t1:head"))
	assert.Equal(t, time.Hour, mr.TTL("test:t1:writes:"+cp.ID))

	mr.FastForward(2 * time.Hour)
	got, err := s.Get(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}
