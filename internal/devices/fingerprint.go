package devices

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Device IDs are derived client side from stable hardware factors and
// presented to the server on registration. The server re-derives the ID
// when a client submits raw factors so both sides agree on the scheme.

const deviceIDPrefix = "DEVICE_"

var deviceIDPattern = regexp.MustCompile(`^DEVICE_[0-9A-F]{16}$`)

// DeriveDeviceID builds a device ID from hardware factors. Factors are
// normalized (lowercase, trimmed) before hashing so cosmetic hostname
// changes do not produce a new device.
func DeriveDeviceID(machineID, hostname, systemID string) string {
	factors := []string{
		normalizeFactor(machineID),
		normalizeFactor(hostname),
		normalizeFactor(systemID),
	}
	hash := sha256.Sum256([]byte(strings.Join(factors, "-")))
	return deviceIDPrefix + strings.ToUpper(hex.EncodeToString(hash[:])[:16])
}

// ValidDeviceID reports whether id matches the derived ID format.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func normalizeFactor(factor string) string {
	factor = strings.ToLower(strings.TrimSpace(factor))
	if factor == "" {
		return "unknown"
	}
	return factor
}
