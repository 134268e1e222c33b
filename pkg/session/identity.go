package session

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
)

// UnknownIdentity is used for fields a certificate does not provide.
const UnknownIdentity = "Unknown"

// Identity is what the gate knows about an authenticated peer.
type Identity struct {
	CommonName  string
	Fingerprint string
}

// IdentityFromCertificate extracts the subject common name and the SHA-256
// fingerprint of the DER encoding. Missing values become UnknownIdentity.
func IdentityFromCertificate(cert *x509.Certificate) Identity {
	if cert == nil {
		return Identity{CommonName: UnknownIdentity, Fingerprint: UnknownIdentity}
	}

	id := Identity{CommonName: cert.Subject.CommonName}
	if id.CommonName == "" {
		id.CommonName = UnknownIdentity
	}

	sum := sha256.Sum256(cert.Raw)
	id.Fingerprint = hex.EncodeToString(sum[:])
	return id
}
