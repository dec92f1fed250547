//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package log

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)
	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{"WARN", zapcore.WarnLevel},
		{"fatal", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, c := range cases {
		SetLevel(c.in)
		assert.Equal(t, c.want, level.Level(), c.in)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat(FormatJSON)
	defer func() {
		SetFormat(FormatConsole)
		SetOutput(os.Stdout)
		SetLevel(LevelInfo)
	}()

	SetLevel(LevelWarn)
	Infof("dropped %d", 1)
	With("thread_id", "t1").Warnf("checkpoint %s", "c1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["lvl"])
	assert.Equal(t, "checkpoint c1", entry["message"])
	assert.Equal(t, "t1", entry["thread_id"])
}

func TestPackageFuncsUseDefault(t *testing.T) {
	old := Default
	defer func() { Default = old }()
	stub := &stubLogger{}
	Default = stub

	Debugf("a")
	Infof("b")
	Warnf("c")
	Errorf("d %s", "e")
	assert.Equal(t, []string{"a", "b", "c", "d %s"}, stub.formats)
	assert.Same(t, stub, With("k", "v"))
}

type stubLogger struct{ formats []string }

func (s *stubLogger) Debugf(f string, _ ...any) { s.formats = append(s.formats, f) }
func (s *stubLogger) Infof(f string, _ ...any)  { s.formats = append(s.formats, f) }
func (s *stubLogger) Warnf(f string, _ ...any)  { s.formats = append(s.formats, f) }
func (s *stubLogger) Errorf(f string, _ ...any) { s.formats = append(s.formats, f) }
