// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/sapcc/go-api-declarations/bininfo"
)

// Attribute keys whose values never end up in the log.
var redactedKeys = []string{"password", "user_password", "os_password", "token", "secret"}

// Conform to the slog.Leveler interface.
func (c LoggingConfig) Level() slog.Level {
	switch strings.ToLower(c.LevelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger that writes to w in the configured format. Every record carries
// the component, its version and the configured attributes.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c, ReplaceAttr: redact}
	var handler slog.Handler
	switch c.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	attrs := []slog.Attr{
		slog.String("component", component()),
		slog.String("version", bininfo.VersionOr("rolling")),
	}
	keys := make([]string, 0, len(c.Attributes))
	for key := range c.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, slog.String(key, c.Attributes[key]))
	}
	return slog.New(handler.WithAttrs(attrs))
}

// Set the structured logger as given in the config.
func (c LoggingConfig) SetDefaultLogger() {
	slog.SetDefault(c.NewLogger(os.Stdout))
	slog.Info("logging: set default logger", "level", c.LevelStr, "format", c.Format)
}

func component() string {
	if name := bininfo.Component(); name != "" && name != "unknown" {
		return name
	}
	return "cirrus"
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if slices.Contains(redactedKeys, strings.ToLower(a.Key)) && a.Value.String() != "" {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}
