package config

import (
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ArenaSize != 0x80000 {
		t.Errorf("expected ArenaSize 0x80000, got %#x", cfg.ArenaSize)
	}
	if cfg.ContextPriority != 6 {
		t.Errorf("expected ContextPriority 6, got %d", cfg.ContextPriority)
	}
	if cfg.Debug != 0 {
		t.Errorf("expected Debug 0, got %d", cfg.Debug)
	}
	if !cfg.CLInit {
		t.Error("expected CLInit to be true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"debug too high", func(c *Config) { c.Debug = 3 }, "invalid debug"},
		{"negative debug", func(c *Config) { c.Debug = -1 }, "invalid debug"},
		{"zero arena", func(c *Config) { c.ArenaSize = 0 }, "invalid arena_size"},
		{"unaligned arena", func(c *Config) { c.ArenaSize = 1000 }, "multiple of 256"},
		{"priority zero", func(c *Config) { c.ContextPriority = 0 }, "invalid context_priority"},
		{"priority 16", func(c *Config) { c.ContextPriority = 16 }, "invalid context_priority"},
		{"negative output", func(c *Config) { c.OutputSize = -4 }, "invalid output_size"},
		{"negative runs", func(c *Config) { c.Runs = -1 }, "invalid runs"},
		{"valid verbose", func(c *Config) { c.Debug = 2 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
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

func TestNeedsPackage(t *testing.T) {
	cfg := Default()
	if err := cfg.NeedsPackage(); err == nil {
		t.Error("expected error without package path")
	}
	cfg.PackagePath = "model.thneed"
	if err := cfg.NeedsPackage(); err == nil {
		t.Error("expected error without output size")
	}
	cfg.OutputSize = 128
	if err := cfg.NeedsPackage(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvDebug, "2")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "json")

	cfg := FromEnv(Default())
	if cfg.Debug != 2 {
		t.Errorf("expected Debug 2, got %d", cfg.Debug)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel debug, got %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("expected LogFormat json, got %s", cfg.LogFormat)
	}
}

func TestFromEnvInvalidDebug(t *testing.T) {
	t.Setenv(EnvDebug, "loud")
	cfg := Default()
	cfg.Debug = 1
	cfg = FromEnv(cfg)
	if cfg.Debug != 0 {
		t.Errorf("non-numeric debug should read as 0, got %d", cfg.Debug)
	}
}

func TestFromEnvClampsDebug(t *testing.T) {
	tests := []struct {
		env  string
		want int
	}{
		{"1", 1},
		{"3", 2},
		{"99", 2},
		{" 7 ", 2},
		{"-4", 0},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(EnvDebug, tt.env)
			cfg := FromEnv(Default())
			if cfg.Debug != tt.want {
				t.Errorf("debug %d, want %d", cfg.Debug, tt.want)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("clamped config rejected: %v", err)
			}
		})
	}
}
