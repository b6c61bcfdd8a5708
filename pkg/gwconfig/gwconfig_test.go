package gwconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 8080 || cfg.Region != "us-east-1" {
		t.Errorf("defaults wrong: %+v", cfg)
	}
	if cfg.KiroVersion != "0.9.2" || cfg.NodeVersion != "22.21.1" {
		t.Errorf("version defaults wrong: %+v", cfg)
	}
	if cfg.CountTokensAuthType != "x-api-key" {
		t.Errorf("auth type default = %q", cfg.CountTokensAuthType)
	}
	if cfg.LoadBalancingMode != LoadBalancingPriority {
		t.Errorf("load balancing default = %q", cfg.LoadBalancingMode)
	}
	if cfg.MaxRequestBodyBytes != 400000 {
		t.Errorf("body limit default = %d", cfg.MaxRequestBodyBytes)
	}
	if cfg.SystemVersion != "darwin#24.6.0" && cfg.SystemVersion != "win32#10.0.22631" {
		t.Errorf("system version = %q", cfg.SystemVersion)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 9999, "apiKey": "secret"}`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9999 || cfg.APIKey != "secret" {
		t.Errorf("explicit values lost: %+v", cfg)
	}
	if cfg.Host != "127.0.0.1" || cfg.Region != "us-east-1" {
		t.Errorf("defaults not applied for absent keys: %+v", cfg)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.APIKey = "key123"
	cfg.LoadBalancingMode = LoadBalancingBalanced
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved file not valid JSON: %v", err)
	}
	if raw["apiKey"] != "key123" || raw["loadBalancingMode"] != "balanced" {
		t.Errorf("saved content wrong: %v", raw)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.APIKey != "key123" || again.LoadBalancingMode != LoadBalancingBalanced {
		t.Errorf("round trip lost values: %+v", again)
	}
}

func TestEffectiveRegions(t *testing.T) {
	cfg := Default()
	if cfg.EffectiveAuthRegion() != "us-east-1" || cfg.EffectiveAPIRegion() != "us-east-1" {
		t.Errorf("fallback regions wrong")
	}
	cfg.AuthRegion = "eu-west-1"
	cfg.APIRegion = "ap-south-1"
	if cfg.EffectiveAuthRegion() != "eu-west-1" || cfg.EffectiveAPIRegion() != "ap-south-1" {
		t.Errorf("explicit regions ignored")
	}
}

func TestEffectiveThinkingSuffix(t *testing.T) {
	cfg := Default()
	if cfg.EffectiveThinkingSuffix() != "-thinking" {
		t.Errorf("default suffix = %q", cfg.EffectiveThinkingSuffix())
	}
	cfg.ThinkingSuffix = "-think"
	if cfg.EffectiveThinkingSuffix() != "-think" {
		t.Errorf("custom suffix ignored")
	}
}
