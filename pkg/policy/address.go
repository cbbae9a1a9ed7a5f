package policy

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// IsHexAddress reports whether s looks like a 20-byte 0x-prefixed EVM address.
func IsHexAddress(s string) bool {
	if len(s) != 42 || (!strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X")) {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// ValidateAddress checks the EIP-55 checksum of a mixed-case hex address. All-lower
// and all-upper addresses carry no checksum and are accepted. Strings that are not
// hex addresses (other chains) are accepted as opaque identifiers.
func ValidateAddress(s string) error {
	if !IsHexAddress(s) {
		return nil
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if want := ChecksumAddress(s); want != "0x"+body {
		return fmt.Errorf("address %s fails EIP-55 checksum (want %s)", s, want)
	}
	return nil
}

// ChecksumAddress returns the EIP-55 form of a hex address.
func ChecksumAddress(s string) string {
	lower := strings.ToLower(s[2:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

// SameAddress compares addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if SameAddress(item, v) {
			return true
		}
	}
	return false
}
