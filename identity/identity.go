// Package identity provides Qubic identifier validation and opaque
// credential generation shared by the account manager and the API surface.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressLength is the fixed length of a Qubic identity string.
const AddressLength = 60

// ErrInvalidAddress indicates a malformed Qubic identifier.
var ErrInvalidAddress = errors.New("identity: invalid qubic address")

// ErrInvalidTxHash indicates a malformed on-chain transaction hash.
var ErrInvalidTxHash = errors.New("identity: invalid transaction hash")

// ValidateAddress checks that s is a well-formed Qubic identity: exactly 60
// upper-case A-Z characters.
func ValidateAddress(s string) error {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) != AddressLength {
		return fmt.Errorf("%w: length %d", ErrInvalidAddress, len(trimmed))
	}
	for _, r := range trimmed {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: character %q", ErrInvalidAddress, r)
		}
	}
	return nil
}

// NormalizeAddress trims and upper-cases an address without validating it.
func NormalizeAddress(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidateTxHash checks that s looks like a Qubic transaction identifier:
// lower-case alphanumeric, between 32 and 64 characters.
func ValidateTxHash(s string) error {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 32 || len(trimmed) > 64 {
		return fmt.Errorf("%w: length %d", ErrInvalidTxHash, len(trimmed))
	}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		default:
			return fmt.Errorf("%w: character %q", ErrInvalidTxHash, r)
		}
	}
	return nil
}

// NewToken returns a fresh opaque bearer token: 32 random bytes, hex encoded.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
