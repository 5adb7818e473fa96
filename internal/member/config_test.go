package member

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTestConfig(t, "self-id: 1\nn-nodes: 3\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HeartbeatRecvTimeoutMS != 2000 {
		t.Fatalf("HeartbeatRecvTimeoutMS = %d, want default 2000", cfg.HeartbeatRecvTimeoutMS)
	}
	if !cfg.ClusterStatusPipelineEnabled {
		t.Fatal("ClusterStatusPipelineEnabled should default to true")
	}
	if cfg.MaxNodes != MaxNodes {
		t.Fatalf("MaxNodes = %d, want default %d", cfg.MaxNodes, MaxNodes)
	}
}

func TestLoadConfigInvalidSelfID(t *testing.T) {
	path := writeTestConfig(t, "self-id: 5\nn-nodes: 3\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for out-of-range self-id")
	}
}

func TestLoadConfigExceedsMaxNodes(t *testing.T) {
	path := writeTestConfig(t, "self-id: 1\nn-nodes: 65\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for n-nodes exceeding MaxNodes")
	}
}

func TestLoadConfigPipelineCanBeDisabled(t *testing.T) {
	path := writeTestConfig(t, "self-id: 1\nn-nodes: 3\ncluster-status-pipeline-enabled: false\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ClusterStatusPipelineEnabled {
		t.Fatal("explicit false should override default")
	}
}
