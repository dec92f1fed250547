//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrToolNotFound is returned when a tool name is not registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// ValidationError reports arguments that do not satisfy a tool's input schema.
type ValidationError struct {
	Tool  string
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Cause)
}

// Unwrap returns the underlying schema or decoding error.
func (e *ValidationError) Unwrap() error { return e.Cause }

// ManifestEntry is the model facing summary of one tool.
type ManifestEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry is a concurrency safe set of named callable tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]CallableTool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...CallableTool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]CallableTool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Its input schema, when present, is compiled once so
// every call can be validated before it runs.
func (r *Registry) Register(t CallableTool) error {
	decl := t.Declaration()
	if decl == nil || decl.Name == "" {
		return errors.New("tool declaration must have a name")
	}
	var compiled *jsonschema.Schema
	if decl.InputSchema != nil {
		raw, err := json.Marshal(decl.InputSchema)
		if err != nil {
			return fmt.Errorf("encode schema for %s: %w", decl.Name, err)
		}
		compiled, err = jsonschema.CompileString(decl.Name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", decl.Name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[decl.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, decl.Name)
	}
	r.tools[decl.Name] = t
	if compiled != nil {
		r.schemas[decl.Name] = compiled
	}
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (CallableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the registered tools keyed by name, in the shape model
// requests expect.
func (r *Registry) Tools() map[string]Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Tool, len(r.tools))
	for name, t := range r.tools {
		out[name] = t
	}
	return out
}

// Manifest lists tool names and descriptions in name order.
func (r *Registry) Manifest() []ManifestEntry {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]ManifestEntry, 0, len(names))
	for _, name := range names {
		decl := r.tools[name].Declaration()
		entries = append(entries, ManifestEntry{Name: name, Description: decl.Description})
	}
	return entries
}

// ManifestText renders the manifest as a bullet list for prompts.
func (r *Registry) ManifestText() string {
	var b strings.Builder
	for _, e := range r.Manifest() {
		fmt.Fprintf(&b, "- %s: %s\n", e.Name, e.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Validate checks jsonArgs against the tool's input schema. Empty arguments
// are treated as an empty object.
func (r *Registry) Validate(name string, jsonArgs []byte) error {
	r.mu.RLock()
	_, exists := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(strings.TrimSpace(string(jsonArgs))) == 0 {
		jsonArgs = []byte("{}")
	}
	var payload any
	if err := json.Unmarshal(jsonArgs, &payload); err != nil {
		return &ValidationError{Tool: name, Cause: err}
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(payload); err != nil {
		return &ValidationError{Tool: name, Cause: err}
	}
	return nil
}
