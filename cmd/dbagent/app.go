//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver for database/sql

	"trpc.group/trpc-go/trpc-dbagent-go/agent"
	"trpc.group/trpc-go/trpc-dbagent-go/config"
	"trpc.group/trpc-go/trpc-dbagent-go/graph"
	"trpc.group/trpc-go/trpc-dbagent-go/graph/checkpoint/inmemory"
	checkpointredis "trpc.group/trpc-go/trpc-dbagent-go/graph/checkpoint/redis"
	checkpointsqlite "trpc.group/trpc-go/trpc-dbagent-go/graph/checkpoint/sqlite"
	"trpc.group/trpc-go/trpc-dbagent-go/message"
	messageinmemory "trpc.group/trpc-go/trpc-dbagent-go/message/inmemory"
	messagepostgres "trpc.group/trpc-go/trpc-dbagent-go/message/postgres"
	"trpc.group/trpc-go/trpc-dbagent-go/model"
	"trpc.group/trpc-go/trpc-dbagent-go/model/anthropic"
	"trpc.group/trpc-go/trpc-dbagent-go/model/openai"
	"trpc.group/trpc-go/trpc-dbagent-go/step"
	"trpc.group/trpc-go/trpc-dbagent-go/storage/postgres"
	storageredis "trpc.group/trpc-go/trpc-dbagent-go/storage/redis"
	"trpc.group/trpc-go/trpc-dbagent-go/tool"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/dbtool"
	"trpc.group/trpc-go/trpc-dbagent-go/tool/dispatch"
)

// app holds the components the HTTP server needs.
type app struct {
	agent    *agent.Agent
	messages message.Store
}

func buildApp(ctx context.Context, cfg *config.Config, cleanup *closers) (*app, error) {
	m, err := buildModel(cfg.Model, cfg.Model.Name)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	cleanup.add(db.Close)

	toolset, err := dbtool.New(db, cfg.Database.Driver, dbtool.WithMaxRows(cfg.Database.MaxRows))
	if err != nil {
		return nil, err
	}
	registry, err := tool.NewRegistry(toolset.Tools()...)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	dispatcher, err := dispatch.New(registry,
		dispatch.WithConcurrency(cfg.Agent.ToolConcurrency),
		dispatch.WithTimeout(cfg.Agent.ToolTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	cleanup.add(func() error {
		dispatcher.Close()
		return nil
	})

	saver, err := buildCheckpointSaver(ctx, cfg.Checkpoint, cleanup)
	if err != nil {
		return nil, err
	}
	messages, err := buildMessageStore(ctx, cfg.Messages, cleanup)
	if err != nil {
		return nil, err
	}

	opts := []agent.Option{
		agent.WithDispatcher(dispatcher),
		agent.WithCheckpointSaver(saver),
		agent.WithMaxPlanRevisions(cfg.Agent.MaxPlanRevisions),
		agent.WithExecutorOptions(graph.WithMaxSteps(cfg.Agent.MaxSteps)),
	}
	if cfg.Agent.Instruction != "" {
		opts = append(opts, agent.WithInstruction(cfg.Agent.Instruction))
	}
	if cfg.Model.ExplainerModel != "" {
		em, err := buildModel(cfg.Model, cfg.Model.ExplainerModel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithExplainer(step.NewModelExplainer(em)))
	}
	for _, at := range cfg.Agent.AgentTypes {
		opts = append(opts, agent.WithAgentTypes(agent.AgentType{
			Name:        at.Name,
			Description: at.Description,
			Instruction: at.Instruction,
		}))
	}
	a, err := agent.New(cfg.Agent.Name, m, registry, opts...)
	if err != nil {
		return nil, err
	}
	cleanup.add(func() error {
		a.Close()
		return nil
	})
	return &app{agent: a, messages: messages}, nil
}

func buildModel(cfg config.ModelConfig, name string) (model.Model, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		var opts []openai.Option
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(name, opts...), nil
	case config.ProviderAnthropic:
		var opts []anthropic.Option
		if cfg.APIKey != "" {
			opts = append(opts, anthropic.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, anthropic.WithMaxTokens(cfg.MaxTokens))
		}
		return anthropic.New(name, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case config.DriverPgx:
		client, err := postgres.NewClient(ctx, postgres.WithClientConnString(cfg.DSN))
		if err != nil {
			return nil, err
		}
		return client.DB(), nil
	case config.DriverSQLite:
		db, err := sql.Open(config.DriverSQLite, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func buildCheckpointSaver(ctx context.Context, cfg config.CheckpointConfig, cleanup *closers) (graph.CheckpointSaver, error) {
	switch cfg.Kind {
	case config.KindInMemory:
		return inmemory.NewSaver(), nil
	case config.KindSQLite:
		db, err := sql.Open(config.DriverSQLite, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint database: %w", err)
		}
		cleanup.add(db.Close)
		return checkpointsqlite.NewSaver(db)
	case config.KindRedis:
		client, err := storageredis.NewClient(ctx, storageredis.WithClientBuilderURL(cfg.URL))
		if err != nil {
			return nil, fmt.Errorf("connect checkpoint redis: %w", err)
		}
		cleanup.add(client.Close)
		var opts []checkpointredis.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, checkpointredis.WithKeyPrefix(cfg.KeyPrefix))
		}
		if cfg.TTL > 0 {
			opts = append(opts, checkpointredis.WithTTL(cfg.TTL))
		}
		return checkpointredis.NewSaver(client, opts...)
	default:
		return nil, fmt.Errorf("unsupported checkpoint kind %q", cfg.Kind)
	}
}

func buildMessageStore(ctx context.Context, cfg config.MessagesConfig, cleanup *closers) (message.Store, error) {
	switch cfg.Kind {
	case config.KindInMemory:
		return messageinmemory.NewStore(), nil
	case config.KindPostgres:
		client, err := postgres.NewClient(ctx, postgres.WithClientConnString(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect message store: %w", err)
		}
		cleanup.add(client.Close)
		var opts []messagepostgres.Option
		if cfg.Table != "" {
			opts = append(opts, messagepostgres.WithTable(cfg.Table))
		}
		return messagepostgres.New(ctx, client, opts...)
	default:
		return nil, fmt.Errorf("unsupported message store kind %q", cfg.Kind)
	}
}
