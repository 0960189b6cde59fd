package config_test

import (
	"TermLedger/internal/config"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

// ============================================================================
// Test: DefaultConfig
// ============================================================================

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TERM_CRANK_BATCH_SIZE", "25")
	t.Setenv("TERM_CRANK_BATCH_DELAY", "250ms")
	t.Setenv("TERM_CRANK_WAIT_FOR_MORE_DELAY", "1500")
	t.Setenv("TERM_CRANK_EXIT_WHEN_DONE", "true")
	t.Setenv("TERM_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("TERM_PERSIST_BATCH_SIZE", "not-a-number")

	cfg := config.DefaultConfig()
	if cfg.Crank.BatchSize != 25 {
		t.Errorf("batch size = %d", cfg.Crank.BatchSize)
	}
	if cfg.Crank.BatchDelay != 250*time.Millisecond {
		t.Errorf("batch delay = %v", cfg.Crank.BatchDelay)
	}
	if cfg.Crank.WaitForMoreDelay != 1500*time.Millisecond {
		t.Errorf("wait for more = %v", cfg.Crank.WaitForMoreDelay)
	}
	if !cfg.Crank.ExitWhenDone {
		t.Error("exit when done not set")
	}
	if !slices.Equal(cfg.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("origins = %v", cfg.CORSOrigins)
	}
	if cfg.PersistBatchSize != 50 {
		t.Errorf("unparseable value should fall back to the default, got %d", cfg.PersistBatchSize)
	}
}

func TestLoad_ReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	data := "TERM_GRPC_ADDR=:7070\nTERM_HTTP_ADDR=:7080\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TERM_HTTP_ADDR", ":6080")
	// registered with t.Setenv so the value the file loads is undone on cleanup
	t.Setenv("TERM_GRPC_ADDR", "")
	os.Unsetenv("TERM_GRPC_ADDR")

	cfg := config.Load(path)
	if cfg.GRPCAddr != ":7070" {
		t.Errorf("grpc addr = %q", cfg.GRPCAddr)
	}
	if cfg.HTTPAddr != ":6080" {
		t.Errorf("http addr = %q", cfg.HTTPAddr)
	}
}
