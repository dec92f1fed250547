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

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestDefaultClientBuilder(t *testing.T) {
	_, err := DefaultClientBuilder()
	require.Error(t, err)

	_, err = DefaultClientBuilder(WithClientBuilderURL("://bad"))
	require.Error(t, err)

	c, err := DefaultClientBuilder(WithClientBuilderURL("redis://localhost:6379/2"), WithPoolSize(3))
	require.NoError(t, err)
	defer c.Close()
}

func TestNewClient_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewClient(context.Background(), WithClientBuilderURL("redis://"+mr.Addr()))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewClient(context.Background(), WithClientBuilderURL("redis://"+addr))
	require.Error(t, err)
}

func TestSetClientBuilder(t *testing.T) {
	old := GetClientBuilder()
	t.Cleanup(func() { SetClientBuilder(old) })

	mr := miniredis.RunT(t)
	var seen string
	SetClientBuilder(func(opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
		var o ClientBuilderOpts
		for _, opt := range opts {
			opt(&o)
		}
		seen = o.URL
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	})
	c, err := NewClient(context.Background(), WithClientBuilderURL("redis://elsewhere:6379"))
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "redis://elsewhere:6379", seen)
}
