package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Alignment.Query.MaxHops != 4 {
		t.Fatalf("expected default max hops 4, got %d", cfg.Alignment.Query.MaxHops)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"alignment":{"query":{"max_hops":6,"out_of_bounds_penalty":0.25}},"storage":{"driver":"sqlite3"}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Alignment.Query.MaxHops != 6 || cfg.Alignment.Query.OutOfBoundsPenalty != 0.25 {
		t.Fatalf("query section not applied: %+v", cfg.Alignment.Query)
	}
	if cfg.Storage.Driver != "sqlite3" {
		t.Fatalf("expected sqlite3 driver, got %q", cfg.Storage.Driver)
	}
	// Untouched sections keep their defaults.
	if cfg.Alignment.Edge.AdmissionThreshold != 0.15 {
		t.Fatalf("edge threshold changed: %v", cfg.Alignment.Edge.AdmissionThreshold)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "alignment:\n  locate:\n    min_score: 2.5\n    workers: 2\nmatcher:\n  ratio: 0.8\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Alignment.Locate.MinScore != 2.5 || cfg.Alignment.Locate.Workers != 2 {
		t.Fatalf("locate section not applied: %+v", cfg.Alignment.Locate)
	}
	if cfg.Matcher.Ratio != 0.8 {
		t.Fatalf("matcher ratio not applied: %v", cfg.Matcher.Ratio)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoadUsesEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.json")
	if err := os.WriteFile(path, []byte(`{"processing":{"workers":9,"queue_size":3}}`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.Workers != 9 {
		t.Fatalf("expected workers from env config, got %d", cfg.Processing.Workers)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Default()
			cfg.Alignment.Transform.Seed = 42
			cfg.Server.WatchPaths = []string{"/srv/walls"}
			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if got.Alignment.Transform.Seed != 42 || len(got.Server.WatchPaths) != 1 {
				t.Fatalf("round trip lost values: %+v %+v", got.Alignment.Transform, got.Server)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"penalty one", func(c *Config) { c.Alignment.Query.OutOfBoundsPenalty = 1 }, "OutOfBoundsPenalty"},
		{"zero hops", func(c *Config) { c.Alignment.Query.MaxHops = 0 }, "MaxHops"},
		{"threshold zero", func(c *Config) { c.Alignment.Edge.AdmissionThreshold = 0 }, "AdmissionThreshold"},
		{"weights", func(c *Config) { c.Alignment.Edge.WeightFit = 0.5 }, "weights sum"},
		{"driver", func(c *Config) { c.Storage.Driver = "postgres" }, "Driver"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"three correspondences", func(c *Config) { c.Alignment.Transform.MinCorrespondences = 3 }, "MinCorrespondences"},
		{"sift", func(c *Config) { c.Matcher.Kind = "sift" }, ""},
		{"guided", func(c *Config) { c.Matcher.Kind = "guided" }, ""},
		{"matcher kind", func(c *Config) { c.Matcher.Kind = "surf" }, "Kind"},
		{"no features", func(c *Config) { c.Matcher.Features = 0 }, "Features"},
		{"displacement", func(c *Config) { c.Matcher.MaxDisplacement = 0 }, "MaxDisplacement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/walls/db.sqlite")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "walls/db.sqlite") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got, _ := expandUser("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
