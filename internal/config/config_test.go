package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probeviz.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.HTTPPort != "8080" || cfg.Server.GRPCPort != "9090" || cfg.Storage.GraphDir != "graphs" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: "8000"
storage:
  graph_dir: /data/graphs
viewer:
  initial_graph: ripe.json
  initial_datetime: "2017-03-01 10:20"
metrics:
  flush_interval: 5s
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.HTTPPort != "8000" {
		t.Errorf("expected http port 8000, got %q", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort != "9090" {
		t.Errorf("expected default grpc port kept, got %q", cfg.Server.GRPCPort)
	}
	if cfg.Storage.GraphDir != "/data/graphs" || cfg.Viewer.InitialGraph != "ripe.json" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if d, _ := cfg.FlushInterval(); d != 5*time.Second {
		t.Errorf("expected 5s flush interval, got %v", d)
	}
	if lvl, _ := cfg.LogLevel(); lvl != zapcore.DebugLevel {
		t.Errorf("expected debug level, got %v", lvl)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	cases := map[string]string{
		"bad yaml":     "server: [",
		"bad interval": "metrics:\n  flush_interval: soon\n",
		"bad level":    "log:\n  level: loud\n",
		"empty dir":    "storage:\n  graph_dir: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "18080")
	t.Setenv("GRAPH_DIR", "/tmp/g")
	t.Setenv("STATIC_DIR", "")
	t.Setenv("ES_ADDRESSES", "http://es1:9200, http://es2:9200,")

	cfg := Default()
	cfg.Server.StaticDir = "web"
	cfg.ApplyEnv()

	if cfg.Server.HTTPPort != "18080" || cfg.Storage.GraphDir != "/tmp/g" {
		t.Errorf("expected env overrides, got %+v", cfg)
	}
	if cfg.Server.StaticDir != "web" {
		t.Errorf("empty env var must not override, got %q", cfg.Server.StaticDir)
	}
	if want := []string{"http://es1:9200", "http://es2:9200"}; !reflect.DeepEqual(cfg.Metrics.Elasticsearch, want) {
		t.Errorf("got elasticsearch %v, want %v", cfg.Metrics.Elasticsearch, want)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	logger, err := cfg.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("expected info to be disabled at warn level")
	}
}
