package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvCacheDisabled, "")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	body := "logging: {level: debug}\nscheduler: {worker_count: 3, logical_shards: 2, default_checkpoint_interval_ticks: 8}\nindex: {enabled: true, path: idx.db}\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvLogLevel, "TRACE")
	t.Setenv(EnvCacheDisabled, "1")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "trace" || cfg.Cache.Enabled || cfg.Scheduler.WorkerCount != 3 || cfg.Scheduler.LogicalShards != 2 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !cfg.Index.Enabled || Resolve(dir, cfg.Index.Path) != filepath.Join(dir, "idx.db") {
		t.Fatalf("index=%+v", cfg.Index)
	}
	if cfg.Build.OutDir != "build" {
		t.Fatalf("defaults lost: %+v", cfg.Build)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"workers": "scheduler: {worker_count: 0}\n",
		"level":   "logging: {level: loud}\n",
		"listen":  "observer: {listen: nowhere}\n",
		"yaml":    "logging: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvLogLevel, "")
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(dir); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
