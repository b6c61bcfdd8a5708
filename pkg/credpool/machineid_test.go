package credpool

import (
	"strings"
	"testing"

	"github.com/kirogw/kirogw/pkg/gwconfig"
)

func TestSha256Hex(t *testing.T) {
	got := sha256Hex("test")
	want := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	if got != want {
		t.Errorf("sha256Hex(test) = %s, want %s", got, want)
	}
}

func TestNormalizeMachineID(t *testing.T) {
	hex64 := strings.Repeat("a", 64)
	if got := normalizeMachineID(hex64); got != hex64 {
		t.Errorf("64-char hex should pass through, got %q", got)
	}

	uuid := "2582956e-cc88-4669-b546-07adbffcb894"
	want := "2582956ecc884669b54607adbffcb8942582956ecc884669b54607adbffcb894"
	if got := normalizeMachineID(uuid); got != want {
		t.Errorf("uuid normalization = %q, want %q", got, want)
	}

	for _, bad := range []string{"invalid", "too-short", strings.Repeat("g", 64)} {
		if got := normalizeMachineID(bad); got != "" {
			t.Errorf("normalizeMachineID(%q) = %q, want empty", bad, got)
		}
	}
}

func TestMachineIDForPrecedence(t *testing.T) {
	cfg := gwconfig.Default()
	cfg.MachineID = strings.Repeat("a", 64)

	cred := KiroCredentials{MachineID: strings.Repeat("b", 64)}
	if got := MachineIDFor(&cred, cfg); got != strings.Repeat("b", 64) {
		t.Errorf("credential machineId should beat config, got %q", got)
	}

	cred.MachineID = ""
	if got := MachineIDFor(&cred, cfg); got != strings.Repeat("a", 64) {
		t.Errorf("config machineId should apply, got %q", got)
	}
}

func TestMachineIDForRefreshTokenFallback(t *testing.T) {
	cfg := gwconfig.Default()
	cred := KiroCredentials{RefreshToken: "test_refresh_token"}
	got := MachineIDFor(&cred, cfg)
	if len(got) != 64 {
		t.Fatalf("derived machine id length = %d, want 64", len(got))
	}
	if got != sha256Hex("KotlinNativeAPI/test_refresh_token") {
		t.Errorf("derived machine id not stable: %q", got)
	}
}

func TestMachineIDForNothingDerivable(t *testing.T) {
	cfg := gwconfig.Default()
	cred := KiroCredentials{}
	if got := MachineIDFor(&cred, cfg); got != "" {
		t.Errorf("expected empty machine id, got %q", got)
	}
}
