package codesign

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// teamIDPattern matches an Apple team ID: ten upper case letters or digits
var teamIDPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// commonNameTeamID finds the team ID Apple appends to certificate names,
// as in "Developer ID Application: Lungo Inc (ABCDE12345)"
var commonNameTeamID = regexp.MustCompile(`\(([A-Z0-9]{10})\)$`)

// SigningIdentity is the certificate of a PKCS#12 file. The private key is
// checked by decoding but never kept; codesign signs from the keychain.
type SigningIdentity struct {
	Certificate   *x509.Certificate
	Intermediates []*x509.Certificate
	TeamID        string
}

// LoadSigningIdentity decodes a PKCS#12 bundle protected by password
func LoadSigningIdentity(p12Data []byte, password string) (*SigningIdentity, error) {
	_, cert, intermediates, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	return &SigningIdentity{
		Certificate:   cert,
		Intermediates: intermediates,
		TeamID:        extractTeamID(cert),
	}, nil
}

// LoadSigningIdentityFile reads and decodes the PKCS#12 file at path
func LoadSigningIdentityFile(path, password string) (*SigningIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read P12: %w", err)
	}
	return LoadSigningIdentity(data, password)
}

// Fingerprint is the certificate's SHA-1 hash in the form codesign accepts
// as an identity, which pins signing to this exact certificate
func (id *SigningIdentity) Fingerprint() string {
	sum := sha1.Sum(id.Certificate.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Name is the certificate's common name
func (id *SigningIdentity) Name() string {
	return id.Certificate.Subject.CommonName
}

// Expired reports whether the certificate is outside its validity period at now
func (id *SigningIdentity) Expired(now time.Time) bool {
	return now.Before(id.Certificate.NotBefore) || now.After(id.Certificate.NotAfter)
}

// extractTeamID reads the team ID from the organizational unit, falling back
// to the suffix of the common name
func extractTeamID(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if teamIDPattern.MatchString(ou) {
			return ou
		}
	}
	if m := commonNameTeamID.FindStringSubmatch(cert.Subject.CommonName); m != nil {
		return m[1]
	}
	return ""
}
