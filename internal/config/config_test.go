package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"target": {"url": "http://example.com/video"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Run.Workers != 5 {
		t.Fatalf("expected default workers 5, got %d", cfg.Run.Workers)
	}
	if cfg.Run.TimeoutMs != 10000 {
		t.Fatalf("expected default timeout 10000, got %d", cfg.Run.TimeoutMs)
	}
	if cfg.Run.SuccessPolicy != "2xx" {
		t.Fatalf("expected default success policy 2xx, got %s", cfg.Run.SuccessPolicy)
	}
	if cfg.Pool.DegradedThreshold != 3 || cfg.Pool.BannedThreshold != 6 {
		t.Fatalf("expected default thresholds 3/6, got %d/%d",
			cfg.Pool.DegradedThreshold, cfg.Pool.BannedThreshold)
	}
	if cfg.Proxies.DefaultScheme != "http" {
		t.Fatalf("expected default scheme http, got %s", cfg.Proxies.DefaultScheme)
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, `{"target": {"url": "http://example.com/video"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Run.Workers != 5 {
		t.Fatalf("expected default workers 5, got %d", cfg.Run.Workers)
	}

	updated := `{"target": {"url": "http://example.com/video"}, "run": {"workers": 9}}`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	if err := cfg.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if cfg.Run.Workers != 9 {
		t.Fatalf("expected reloaded workers 9, got %d", cfg.Run.Workers)
	}

	// A second reload must work too; the internal lock survives the swap.
	if err := cfg.Reload(); err != nil {
		t.Fatalf("second Reload failed: %v", err)
	}
}

func TestReloadKeepsConfigOnError(t *testing.T) {
	path := writeConfig(t, `{"target": {"url": "http://example.com/video"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`{not json`), 0644); err != nil {
		t.Fatal(err)
	}

	if err := cfg.Reload(); err == nil {
		t.Fatal("expected error reloading invalid config")
	}
	if cfg.Target.URL != "http://example.com/video" {
		t.Fatalf("config mutated by failed reload: %q", cfg.Target.URL)
	}
}

func TestLoadRejectsMissingTarget(t *testing.T) {
	path := writeConfig(t, `{}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing target url")
	}
}

func TestLoadRejectsNonHTTPTarget(t *testing.T) {
	path := writeConfig(t, `{"target": {"url": "ftp://example.com/file"}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-http target")
	}
}

func TestLoadRejectsInvalidDelayRange(t *testing.T) {
	path := writeConfig(t, `{
		"target": {"url": "http://example.com"},
		"run": {"delay_min_ms": 3000, "delay_max_ms": 500}
	}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for inverted delay range")
	}
}

func TestLoadRejectsBadSuccessPolicy(t *testing.T) {
	path := writeConfig(t, `{
		"target": {"url": "http://example.com"},
		"run": {"success_policy": "sometimes"}
	}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown success policy")
	}
}

func TestLoadRejectsBadThresholdOrder(t *testing.T) {
	path := writeConfig(t, `{
		"target": {"url": "http://example.com"},
		"pool": {"degraded_threshold": 6, "banned_threshold": 3}
	}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for banned threshold below degraded threshold")
	}
}
