// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"os"
	"testing"
	"time"
)

func createTempConfigFile(t *testing.T, content string) string {
	tmpDir := t.TempDir()
	tmpfile, err := os.CreateTemp(tmpDir, "json")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	return tmpfile.Name()
}

func TestGetConfigOrDie(t *testing.T) {
	content := `
{
  "logging": {
    "level": "debug",
    "format": "text"
  },
  "db": {
    "host": "cirrus-postgresql",
    "port": 5432,
    "user": "postgres",
    "password": "secret",
    "database": "postgres"
  },
  "monitoring": {
    "port": 2112,
    "labels": {
      "github_org": "cobaltcore-dev",
      "github_repo": "cirrus"
    }
  },
  "api": {
    "port": 8080
  },
  "keystone": {
    "url": "http://keystone:5000/v3",
    "availability": "public",
    "username": "cirrus"
  },
  "tasks": {
    "workers": 4,
    "pollIntervalSeconds": 2
  },
  "serviceConnections": [
    {"name": "eu-de-1", "url": "http://keystone.eu-de-1:5000/v3", "maxConcurrentProvisioning": 2}
  ]
}`
	filepath := createTempConfigFile(t, content)

	rawConfig, err := readRawConfig(filepath)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	secrets := map[string]any{"keystone": map[string]any{"password": "topsecret"}}
	config := newConfigFromMaps[*Config](rawConfig, secrets)

	if config.LoggingConfig.LevelStr != "debug" {
		t.Errorf("Expected log level debug, got %q", config.LoggingConfig.LevelStr)
	}
	if config.DBConfig.Port != 5432 {
		t.Errorf("Expected DB port 5432, got %d", config.DBConfig.Port)
	}
	if len(config.MonitoringConfig.Labels) != 2 {
		t.Errorf("Expected 2 monitoring labels, got %d", len(config.MonitoringConfig.Labels))
	}
	if config.KeystoneConfig.OSUsername != "cirrus" {
		t.Errorf("Expected keystone username cirrus, got %q", config.KeystoneConfig.OSUsername)
	}
	if config.KeystoneConfig.OSPassword != "topsecret" {
		t.Errorf("Expected keystone password from secrets, got %q", config.KeystoneConfig.OSPassword)
	}
	if config.TasksConfig.WorkerCount() != 4 {
		t.Errorf("Expected 4 workers, got %d", config.TasksConfig.WorkerCount())
	}
	if config.TasksConfig.PollInterval() != 2*time.Second {
		t.Errorf("Expected poll interval 2s, got %s", config.TasksConfig.PollInterval())
	}
	if len(config.ServiceConnections) != 1 {
		t.Fatalf("Expected 1 service connection, got %d", len(config.ServiceConnections))
	}
	sc := config.ServiceConnections[0]
	if sc.Name != "eu-de-1" || sc.URL != "http://keystone.eu-de-1:5000/v3" || sc.MaxConcurrentProvisioning != 2 {
		t.Errorf("Unexpected service connection %+v", sc)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	var c Config
	if c.TasksConfig.WorkerCount() != 1 {
		t.Errorf("Expected 1 worker by default, got %d", c.TasksConfig.WorkerCount())
	}
	if c.TasksConfig.PollTimeout() != 30*time.Minute {
		t.Errorf("Expected 30m poll timeout by default, got %s", c.TasksConfig.PollTimeout())
	}
	if c.TasksConfig.ProvisioningCeiling() != 4 {
		t.Errorf("Expected ceiling 4 by default, got %d", c.TasksConfig.ProvisioningCeiling())
	}
	if c.ExecutorsConfig.AdminRole() != "admin" || c.ExecutorsConfig.MemberRole() != "member" {
		t.Errorf("Unexpected default roles")
	}
	if c.ExecutorsConfig.FloatingIPBooking() != 30*time.Minute {
		t.Errorf("Expected 30m booking by default, got %s", c.ExecutorsConfig.FloatingIPBooking())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{
			"v2 url",
			Config{SharedConfig: SharedConfig{KeystoneConfig: KeystoneConfig{URL: "http://keystone/v2.0"}}},
			true,
		},
		{
			"trailing slash",
			Config{SharedConfig: SharedConfig{KeystoneConfig: KeystoneConfig{URL: "http://keystone/v3/"}}},
			true,
		},
		{
			"unnamed connection",
			Config{ServiceConnections: []ServiceConnectionConfig{{}}},
			true,
		},
		{
			"duplicate connection",
			Config{ServiceConnections: []ServiceConnectionConfig{{Name: "a"}, {Name: "a"}}},
			true,
		},
		{
			"bad cidr",
			Config{ExecutorsConfig: ExecutorsConfig{DefaultSubnetCIDR: "not-a-cidr"}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMergeMaps(t *testing.T) {
	// Test basic merge
	dst := map[string]any{
		"a": "original",
		"b": map[string]any{"nested": "value"},
	}
	src := map[string]any{
		"a": "overridden",
		"c": "new",
	}

	mergeMaps(dst, src)

	if dst["a"] != "overridden" {
		t.Errorf("Expected 'a' to be 'overridden', got %v", dst["a"])
	}
	if dst["c"] != "new" {
		t.Errorf("Expected 'c' to be 'new', got %v", dst["c"])
	}

	// Test nested merge
	dst = map[string]any{
		"nested": map[string]any{
			"keep":     "original",
			"override": "old",
		},
	}
	src = map[string]any{
		"nested": map[string]any{
			"override": "new",
			"add":      "added",
		},
	}

	mergeMaps(dst, src)

	nested := dst["nested"].(map[string]any)
	if nested["keep"] != "original" {
		t.Errorf("Expected nested 'keep' to be 'original', got %v", nested["keep"])
	}
	if nested["override"] != "new" {
		t.Errorf("Expected nested 'override' to be 'new', got %v", nested["override"])
	}
	if nested["add"] != "added" {
		t.Errorf("Expected nested 'add' to be 'added', got %v", nested["add"])
	}

	// Test nil value handling
	dst = map[string]any{"key": "value"}
	src = map[string]any{"key": nil}

	mergeMaps(dst, src)

	if dst["key"] != "value" {
		t.Errorf("Expected 'key' to remain 'value' when src is nil, got %v", dst["key"])
	}
}
