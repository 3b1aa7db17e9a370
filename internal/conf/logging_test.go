// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggingConfig_Level(t *testing.T) {
	tests := []struct {
		levelStr string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.levelStr, func(t *testing.T) {
			config := LoggingConfig{LevelStr: tt.levelStr}
			if level := config.Level(); level != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, level)
			}
		})
	}
}

func TestLoggingConfig_SetDefaultLogger(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			LoggingConfig{LevelStr: "warn", Format: format}.SetDefaultLogger()
			ctx := context.Background()
			if slog.Default().Enabled(ctx, slog.LevelInfo) {
				t.Errorf("expected info to be disabled with level warn")
			}
			if !slog.Default().Enabled(ctx, slog.LevelWarn) {
				t.Errorf("expected warn to be enabled with level warn")
			}
		})
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	config := LoggingConfig{LevelStr: "info", Format: "json", Attributes: map[string]string{"region": "eu-de-1"}}
	logger := config.NewLogger(&buf)
	logger.Info("backend: tenant user created", "tenant", "alpha", "password", "hunter2", "user_password", "")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected one json record, got %q: %v", buf.String(), err)
	}
	if record["component"] == "" || record["component"] == nil {
		t.Errorf("expected a component attribute, got %v", record)
	}
	if record["version"] == nil {
		t.Errorf("expected a version attribute, got %v", record)
	}
	if record["region"] != "eu-de-1" || record["tenant"] != "alpha" {
		t.Errorf("expected configured and call attributes, got %v", record)
	}
	if record["password"] != "[redacted]" {
		t.Errorf("expected the password to be redacted, got %v", record["password"])
	}
	if record["user_password"] != "" {
		t.Errorf("expected empty secrets to stay empty, got %v", record["user_password"])
	}
	if strings.Contains(buf.String(), "hunter2") {
		t.Error("secret leaked into the log")
	}
}

func TestLoggingConfig_NewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{LevelStr: "error"}.NewLogger(&buf)
	logger.Warn("tasks: chain was reclaimed")
	if buf.Len() != 0 {
		t.Errorf("expected warnings to be dropped at level error, got %q", buf.String())
	}
	logger.Error("tasks: chain failed", "token", "abc")
	if out := buf.String(); !strings.Contains(out, "component=") || !strings.Contains(out, "token=[redacted]") {
		t.Errorf("unexpected text record %q", out)
	}
}
