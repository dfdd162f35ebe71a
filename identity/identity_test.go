package identity

import (
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestOnionHostname(t *testing.T) {
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Generating key: %v", err)
	}
	hostname := OnionHostname(publicKey)
	if !strings.HasSuffix(hostname, ".onion") {
		t.Errorf("Expected .onion suffix, got %q", hostname)
	}
	// base32(32-byte key + 2-byte checksum + 1-byte version) is 56
	// characters for a v3 address.
	if len(hostname) != 56+len(".onion") {
		t.Errorf("Unexpected hostname length %d: %q", len(hostname), hostname)
	}
	if hostname != strings.ToLower(hostname) {
		t.Errorf("Hostname must be lowercase: %q", hostname)
	}
	// Derivation is deterministic.
	if OnionHostname(publicKey) != hostname {
		t.Error("Hostname derivation is not deterministic")
	}
}

func TestPublicIdentityValidate(t *testing.T) {
	valid := PublicIdentity{
		ID:                    "id",
		Nickname:              "alice",
		X509Certificate:       "cert",
		HiddenServiceHostname: "abcdef.onion",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*PublicIdentity)
	}{
		{"missing id", func(p *PublicIdentity) { p.ID = "" }},
		{"missing nickname", func(p *PublicIdentity) { p.Nickname = "" }},
		{"missing certificate", func(p *PublicIdentity) { p.X509Certificate = "" }},
		{"bad hostname", func(p *PublicIdentity) { p.HiddenServiceHostname = "example.com" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
