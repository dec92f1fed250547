//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package redis opens go-redis clients from redis:// URLs.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientBuilderOpts holds client settings.
type ClientBuilderOpts struct {
	URL string
	// PoolSize overrides the pool size from the URL when positive.
	PoolSize int
}

// ClientBuilderOpt sets one client setting.
type ClientBuilderOpt func(*ClientBuilderOpts)

// WithClientBuilderURL sets the redis:// or rediss:// URL.
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) { o.URL = url }
}

// WithPoolSize overrides the pool size.
func WithPoolSize(n int) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) { o.PoolSize = n }
}

// ClientBuilder creates clients without connecting.
type ClientBuilder func(opts ...ClientBuilderOpt) (redis.UniversalClient, error)

var builder ClientBuilder = DefaultClientBuilder

// SetClientBuilder replaces the builder behind NewClient.
func SetClientBuilder(b ClientBuilder) { builder = b }

// GetClientBuilder returns the builder behind NewClient.
func GetClientBuilder() ClientBuilder { return builder }

// NewClient builds a client and checks it answers PING.
func NewClient(ctx context.Context, opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	c, err := builder(opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// DefaultClientBuilder turns the URL into universal client options.
func DefaultClientBuilder(opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	var o ClientBuilderOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.URL == "" {
		return nil, errors.New("redis: url is empty")
	}
	u, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if o.PoolSize > 0 {
		u.PoolSize = o.PoolSize
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{u.Addr},
		DB:           u.DB,
		Username:     u.Username,
		Password:     u.Password,
		Protocol:     u.Protocol,
		ClientName:   u.ClientName,
		TLSConfig:    u.TLSConfig,
		MaxRetries:   u.MaxRetries,
		DialTimeout:  u.DialTimeout,
		ReadTimeout:  u.ReadTimeout,
		WriteTimeout: u.WriteTimeout,
		PoolSize:     u.PoolSize,
		MinIdleConns: u.MinIdleConns,
	}), nil
}
