//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package config loads the dbagent server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Store kinds.
const (
	KindInMemory = "inmemory"
	KindSQLite   = "sqlite"
	KindRedis    = "redis"
	KindPostgres = "postgres"
)

// Database drivers for the query tools.
const (
	DriverSQLite = "sqlite3"
	DriverPgx    = "pgx"
)

// Telemetry protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Config is the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Model      ModelConfig      `yaml:"model"`
	Agent      AgentConfig      `yaml:"agent"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Messages   MessagesConfig   `yaml:"messages"`
	Database   DatabaseConfig   `yaml:"database"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	PathPrefix      string        `yaml:"path_prefix"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ModelConfig selects the language model.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// ExplainerModel names a separate model for step explanations. The main
	// model is used when empty.
	ExplainerModel string `yaml:"explainer_model"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// AgentConfig tunes the agent graph.
type AgentConfig struct {
	Name             string            `yaml:"name"`
	Instruction      string            `yaml:"instruction"`
	MaxSteps         int               `yaml:"max_steps"`
	ToolConcurrency  int               `yaml:"tool_concurrency"`
	ToolTimeout      time.Duration     `yaml:"tool_timeout"`
	MaxPlanRevisions int               `yaml:"max_plan_revisions"`
	AgentTypes       []AgentTypeConfig `yaml:"agent_types"`
}

// AgentTypeConfig declares an agent type the model may transfer to.
type AgentTypeConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Instruction string `yaml:"instruction"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Kind      string        `yaml:"kind"`
	DSN       string        `yaml:"dsn"`
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// MessagesConfig selects the message store.
type MessagesConfig struct {
	Kind  string `yaml:"kind"`
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// DatabaseConfig is the database the query tools run against.
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	MaxRows int    `yaml:"max_rows"`
}

// TelemetryConfig enables OTLP export.
type TelemetryConfig struct {
	Traces      bool   `yaml:"traces"`
	Metrics     bool   `yaml:"metrics"`
	Endpoint    string `yaml:"endpoint"`
	Protocol    string `yaml:"protocol"`
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path. Environment variables in the file are
// expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = ProviderOpenAI
	}
	if cfg.Model.Name == "" {
		switch cfg.Model.Provider {
		case ProviderAnthropic:
			cfg.Model.Name = "claude-sonnet-4-5"
		default:
			cfg.Model.Name = "gpt-4o-mini"
		}
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "dbagent"
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 50
	}
	if cfg.Agent.ToolConcurrency == 0 {
		cfg.Agent.ToolConcurrency = 8
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 60 * time.Second
	}
	if cfg.Agent.MaxPlanRevisions == 0 {
		cfg.Agent.MaxPlanRevisions = 3
	}
	if cfg.Checkpoint.Kind == "" {
		cfg.Checkpoint.Kind = KindInMemory
	}
	if cfg.Messages.Kind == "" {
		cfg.Messages.Kind = KindInMemory
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.MaxRows == 0 {
		cfg.Database.MaxRows = 100
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = ProtocolGRPC
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		errs = append(errs, fmt.Errorf("model.provider %q is not supported", c.Model.Provider))
	}
	switch c.Checkpoint.Kind {
	case KindInMemory:
	case KindSQLite:
		if c.Checkpoint.DSN == "" {
			errs = append(errs, errors.New("checkpoint.dsn is required for sqlite"))
		}
	case KindRedis:
		if c.Checkpoint.URL == "" {
			errs = append(errs, errors.New("checkpoint.url is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.kind %q is not supported", c.Checkpoint.Kind))
	}
	switch c.Messages.Kind {
	case KindInMemory:
	case KindPostgres:
		if c.Messages.DSN == "" {
			errs = append(errs, errors.New("messages.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("messages.kind %q is not supported", c.Messages.Kind))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPgx:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Telemetry.Protocol {
	case ProtocolGRPC, ProtocolHTTP:
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol %q is not supported", c.Telemetry.Protocol))
	}
	if c.Agent.MaxSteps < 0 || c.Agent.ToolConcurrency < 0 || c.Agent.MaxPlanRevisions < 0 {
		errs = append(errs, errors.New("agent limits must not be negative"))
	}
	seen := make(map[string]struct{}, len(c.Agent.AgentTypes))
	for _, at := range c.Agent.AgentTypes {
		if at.Name == "" {
			errs = append(errs, errors.New("agent.agent_types: name is required"))
			continue
		}
		if _, dup := seen[at.Name]; dup {
			errs = append(errs, fmt.Errorf("agent.agent_types: duplicate name %q", at.Name))
		}
		seen[at.Name] = struct{}{}
	}
	return errors.Join(errs...)
}
