package credpool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/kirogw/kirogw/pkg/gwconfig"
)

func isHexString(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// normalizeMachineID accepts a 64-char hex string as-is, or a UUID (dashes
// stripped, doubled to 64 chars). Anything else yields "".
func normalizeMachineID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) == 64 && isHexString(trimmed) {
		return trimmed
	}
	withoutDashes := strings.ReplaceAll(trimmed, "-", "")
	if len(withoutDashes) == 32 && isHexString(withoutDashes) {
		return withoutDashes + withoutDashes
	}
	return ""
}

// MachineIDFor derives the device fingerprint for a credential:
// credential machineId > config machineId > hash of the refresh token.
// Returns "" when nothing is derivable.
func MachineIDFor(cred *KiroCredentials, cfg *gwconfig.Config) string {
	if cred.MachineID != "" {
		if normalized := normalizeMachineID(cred.MachineID); normalized != "" {
			return normalized
		}
	}
	if cfg.MachineID != "" {
		if normalized := normalizeMachineID(cfg.MachineID); normalized != "" {
			return normalized
		}
	}
	if cred.RefreshToken != "" {
		return sha256Hex("KotlinNativeAPI/" + cred.RefreshToken)
	}
	return ""
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
