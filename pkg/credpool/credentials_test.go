package credpool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kirogw/kirogw/pkg/gwconfig"
)

func TestCanonicalAuthMethod(t *testing.T) {
	cases := map[string]string{
		"social":     "social",
		"Social":     "social",
		"idc":        "idc",
		"IdC":        "idc",
		"builder-id": "idc",
		"iam":        "idc",
		"IAM":        "idc",
		"":           "",
	}
	for in, want := range cases {
		if got := CanonicalAuthMethod(in); got != want {
			t.Errorf("CanonicalAuthMethod(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSupportsOpus(t *testing.T) {
	cases := []struct {
		title string
		want  bool
	}{
		{"", true},
		{"KIRO PRO", true},
		{"KIRO FREE", false},
		{"Kiro Free Tier", false},
		{"Pro+", true},
	}
	for _, tc := range cases {
		c := KiroCredentials{SubscriptionTitle: tc.title}
		if got := c.SupportsOpus(); got != tc.want {
			t.Errorf("SupportsOpus(%q) = %v, want %v", tc.title, got, tc.want)
		}
	}
}

func TestLoadFileMissing(t *testing.T) {
	creds, multiple, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(creds) != 0 || multiple {
		t.Errorf("missing file should yield empty single-format result, got %d/%v", len(creds), multiple)
	}
}

func TestLoadFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("  \n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	creds, _, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(creds) != 0 {
		t.Errorf("expected no credentials, got %d", len(creds))
	}
}

func TestLoadFileSingleObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{"refreshToken": "rt", "authMethod": "social"}`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	creds, multiple, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if multiple {
		t.Errorf("single object reported as array form")
	}
	if len(creds) != 1 || creds[0].RefreshToken != "rt" {
		t.Errorf("unexpected result: %+v", creds)
	}
}

func TestLoadFileArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`[{"refreshToken": "a"}, {"refreshToken": "b", "priority": 2}]`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	creds, multiple, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !multiple {
		t.Errorf("array file not reported as array form")
	}
	if len(creds) != 2 || creds[1].Priority != 2 {
		t.Errorf("unexpected result: %+v", creds)
	}
}

func TestLoadFileBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{broken`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEffectiveRegionChain(t *testing.T) {
	cfg := gwconfig.Default()
	cfg.Region = "us-east-1"
	cfg.AuthRegion = "us-west-2"
	cfg.APIRegion = "eu-central-1"

	c := KiroCredentials{}
	if got := c.EffectiveAuthRegion(cfg); got != "us-west-2" {
		t.Errorf("auth region fallback to config = %q", got)
	}
	if got := c.EffectiveAPIRegion(cfg); got != "eu-central-1" {
		t.Errorf("api region fallback to config = %q", got)
	}

	c.Region = "ap-south-1"
	if got := c.EffectiveAuthRegion(cfg); got != "ap-south-1" {
		t.Errorf("credential region should beat config auth region, got %q", got)
	}
	c.AuthRegion = "eu-west-1"
	c.APIRegion = "sa-east-1"
	if got := c.EffectiveAuthRegion(cfg); got != "eu-west-1" {
		t.Errorf("credential authRegion should win, got %q", got)
	}
	if got := c.EffectiveAPIRegion(cfg); got != "sa-east-1" {
		t.Errorf("credential apiRegion should win, got %q", got)
	}
}
