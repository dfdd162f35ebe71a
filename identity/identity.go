// Package identity holds the public and private identity material that
// names a Ploggy peer: an X.509 certificate for mutual TLS and a v3
// onion service hostname with its client authorization cookie.
package identity

import (
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidIdentity indicates identity material that fails validation.
var ErrInvalidIdentity = errors.New("invalid identity")

// PublicIdentity is the shareable half of a peer identity. Friends
// exchange these out of band; the engine trusts only identities already
// present in the store.
type PublicIdentity struct {
	ID                      string `json:"id"`
	Nickname                string `json:"nickname"`
	X509Certificate         string `json:"x509Certificate"`
	HiddenServiceHostname   string `json:"hiddenServiceHostname"`
	HiddenServiceAuthCookie string `json:"hiddenServiceAuthCookie"`
}

// Validate checks that the required fields of a public identity are
// present and that the hostname ends in ".onion". The length and
// encoding of the onion address are not checked.
func (p *PublicIdentity) Validate() error {
	if p.ID == "" || p.Nickname == "" || p.X509Certificate == "" {
		return ErrInvalidIdentity
	}
	if !strings.HasSuffix(p.HiddenServiceHostname, ".onion") {
		return ErrInvalidIdentity
	}
	return nil
}

// PrivateIdentity is the local half of a peer identity. It never leaves
// the local store.
type PrivateIdentity struct {
	X509PrivateKey          string `json:"x509PrivateKey"`
	HiddenServicePrivateKey []byte `json:"hiddenServicePrivateKey"`
}

// KeyMaterial bundles the certificate and key PEM blocks consumed by the
// TLS server and client configurations.
type KeyMaterial struct {
	CertificatePEM string
	PrivateKeyPEM  string
}

// HiddenServiceKeyMaterial bundles what the onion wrapper needs to
// publish the local service.
type HiddenServiceKeyMaterial struct {
	Hostname   string
	AuthCookie string
	PrivateKey ed25519.PrivateKey
}

const onionChecksumPrefix = ".onion checksum"

// OnionHostname derives the v3 onion hostname for an ed25519 hidden
// service public key: base32(pubkey || checksum || version) + ".onion",
// checksum = SHA3-256(".onion checksum" || pubkey || version)[:2].
func OnionHostname(publicKey ed25519.PublicKey) string {
	const version = 0x03
	h := sha3.New256()
	h.Write([]byte(onionChecksumPrefix))
	h.Write(publicKey)
	h.Write([]byte{version})
	checksum := h.Sum(nil)[:2]

	raw := make([]byte, 0, len(publicKey)+3)
	raw = append(raw, publicKey...)
	raw = append(raw, checksum...)
	raw = append(raw, version)

	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return strings.ToLower(encoded) + ".onion"
}
