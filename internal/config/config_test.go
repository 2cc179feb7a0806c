package config

import (
	"os"
	"testing"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	if _, err := Load(); err == nil {
		t.Error("expected error when DATABASE_URL is unset")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/carebase_test")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.DefaultPageSize != 20 {
		t.Errorf("DefaultPageSize = %d, want 20", cfg.DefaultPageSize)
	}
	if cfg.MaxPageSize != 1000 {
		t.Errorf("MaxPageSize = %d, want 1000", cfg.MaxPageSize)
	}
	if !cfg.UpdateAsCreate {
		t.Error("UpdateAsCreate should default to true")
	}
	if cfg.HardDelete {
		t.Error("HardDelete should default to false")
	}
	if cfg.InlineIndexing {
		t.Error("InlineIndexing should default to false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid dev", Config{Env: "development", DefaultPageSize: 20, MaxPageSize: 100, MaxIncludeDepth: 3, IndexWorkerCount: 1}, false},
		{"prod without secret", Config{Env: "production", DefaultPageSize: 20, MaxPageSize: 100, MaxIncludeDepth: 3, IndexWorkerCount: 1}, true},
		{"prod with secret", Config{Env: "production", AuthSecret: "s3cret", DefaultPageSize: 20, MaxPageSize: 100, MaxIncludeDepth: 3, IndexWorkerCount: 1}, false},
		{"zero page size", Config{Env: "development", DefaultPageSize: 0, MaxPageSize: 100, MaxIncludeDepth: 3, IndexWorkerCount: 1}, true},
		{"max below default", Config{Env: "development", DefaultPageSize: 50, MaxPageSize: 20, MaxIncludeDepth: 3, IndexWorkerCount: 1}, true},
		{"zero include depth", Config{Env: "development", DefaultPageSize: 20, MaxPageSize: 100, MaxIncludeDepth: 0, IndexWorkerCount: 1}, true},
		{"zero workers", Config{Env: "development", DefaultPageSize: 20, MaxPageSize: 100, MaxIncludeDepth: 3, IndexWorkerCount: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
