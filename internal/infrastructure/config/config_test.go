package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

const sampleConfig = `{
	"gateway": {"port": 4000},
	"providers": {
		"qwen": {
			"kind": "qwen",
			"baseUrl": "https://dashscope.aliyuncs.com/compatible-mode",
			"credentialRef": "env:TEST_QWEN_KEY",
			"models": [{"name": "qwen3-max", "maxTokens": 262144}],
			"weight": 3,
			"priority": 1
		},
		"lmstudio": {
			"kind": "lmstudio",
			"baseUrl": "http://127.0.0.1:1234",
			"priority": 2
		}
	},
	"routing": {
		"default": {
			"primary": [{"provider": "qwen", "model": "qwen3-max"}],
			"emergency": [{"provider": "lmstudio", "model": "qwen2.5-7b"}]
		},
		"background": {
			"policy": "least_loaded",
			"primary": [{"provider": "lmstudio", "model": "qwen2.5-7b"}]
		}
	}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), "RCCTEST")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Gateway.Port != 4000 {
		t.Fatalf("port = %d, want file value", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Fatalf("host = %q, want default", cfg.Gateway.Host)
	}
	if cfg.Pool.MaxConnectionsPerHost != 10 {
		t.Fatalf("maxConnectionsPerHost = %d, want default", cfg.Pool.MaxConnectionsPerHost)
	}
	if cfg.Pool.RetryDelay != 500*time.Millisecond {
		t.Fatalf("retryDelay = %v", cfg.Pool.RetryDelay)
	}
	if cfg.Health.MinQuality != 70 {
		t.Fatalf("minQuality = %v", cfg.Health.MinQuality)
	}

	qwen := cfg.Providers["qwen"]
	if qwen.ID != "qwen" {
		t.Fatalf("provider ID = %q, want map key backfilled", qwen.ID)
	}
	if qwen.Weight != 3 {
		t.Fatalf("weight = %d", qwen.Weight)
	}
	lm := cfg.Providers["lmstudio"]
	if lm.Weight != 1 || lm.CostScore != 50 {
		t.Fatalf("unset weight/cost not defaulted: %+v", lm)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("", "RCCTEST")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 3456 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Transform.DefaultMaxTokens != 4096 {
		t.Fatalf("defaultMaxTokens = %d", cfg.Transform.DefaultMaxTokens)
	}
}

func TestValidateRejectsBadReferences(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{
			name: "unknown provider in chain",
			body: `{
				"providers": {"a": {"kind": "openai", "baseUrl": "http://x"}},
				"routing": {"default": {"primary": [{"provider": "ghost", "model": "m"}]}}
			}`,
		},
		{
			name: "candidate without model",
			body: `{
				"providers": {"a": {"kind": "openai", "baseUrl": "http://x"}},
				"routing": {"default": {"primary": [{"provider": "a"}]}}
			}`,
		},
		{
			name: "unknown provider kind",
			body: `{"providers": {"a": {"kind": "mystery", "baseUrl": "http://x"}}}`,
		},
		{
			name: "provider without baseUrl",
			body: `{"providers": {"a": {"kind": "openai"}}}`,
		},
		{
			name: "unknown routing policy",
			body: `{
				"providers": {"a": {"kind": "openai", "baseUrl": "http://x"}},
				"routing": {"default": {"policy": "sometimes", "primary": [{"provider": "a", "model": "m"}]}}
			}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body), "RCCTEST"); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCredentialResolvesEnvRef(t *testing.T) {
	t.Setenv("TEST_QWEN_KEY", "sk-from-env")

	p := Provider{CredentialRef: "env:TEST_QWEN_KEY"}
	if got := p.Credential(); got != "sk-from-env" {
		t.Fatalf("credential = %q", got)
	}

	literal := Provider{CredentialRef: "sk-literal"}
	if got := literal.Credential(); got != "sk-literal" {
		t.Fatalf("literal credential = %q", got)
	}
}

func TestStoreReloadKeepsSnapshotOnFailure(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path, "RCCTEST")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	store := NewStore(cfg, path, "RCCTEST", zap.NewNop())
	if store.Snapshot() != cfg {
		t.Fatal("snapshot should be the seeded config")
	}

	// Break the file: reload must fail and keep the old snapshot.
	if err := os.WriteFile(path, []byte(`{"providers": {"a": {"kind": "mystery"}}}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload failure")
	}
	if store.Snapshot() != cfg {
		t.Fatal("failed reload must not replace the snapshot")
	}

	// Fix the file: reload swaps in a new snapshot.
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if store.Snapshot() == cfg {
		t.Fatal("successful reload must publish a new snapshot")
	}
}
