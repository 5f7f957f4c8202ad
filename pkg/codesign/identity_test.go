package codesign

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// TestLoadSigningIdentity verifies a PKCS#12 file yields the certificate,
// fingerprint and team ID.
func TestLoadSigningIdentity(t *testing.T) {
	cert, key := newTestCertificate(t)
	p12, err := gop12.Modern.Encode(key, cert, nil, "secret")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.p12")
	require.NoError(t, os.WriteFile(path, p12, 0600))

	identity, err := LoadSigningIdentityFile(path, "secret")
	require.NoError(t, err)

	sum := sha1.Sum(cert.Raw)
	assert.Equal(t, strings.ToUpper(hex.EncodeToString(sum[:])), identity.Fingerprint())
	assert.Len(t, identity.Fingerprint(), 40)
	assert.Equal(t, testCommonName, identity.Name())
	assert.Equal(t, "ABCDE12345", identity.TeamID)
	assert.Empty(t, identity.Intermediates)
	assert.False(t, identity.Expired(time.Now()))
	assert.True(t, identity.Expired(time.Now().Add(48*time.Hour)))
}

// TestLoadSigningIdentityWrongPassword verifies a wrong password or missing
// file is an error.
func TestLoadSigningIdentityWrongPassword(t *testing.T) {
	cert, key := newTestCertificate(t)
	p12, err := gop12.Modern.Encode(key, cert, nil, "secret")
	require.NoError(t, err)

	_, err = LoadSigningIdentity(p12, "wrong")
	assert.Error(t, err)

	_, err = LoadSigningIdentityFile(filepath.Join(t.TempDir(), "missing.p12"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestExtractTeamID verifies the team ID comes from the organizational unit
// or the common name.
func TestExtractTeamID(t *testing.T) {
	cert, _ := newTestCertificate(t)
	assert.Equal(t, "ABCDE12345", extractTeamID(cert))

	cert.Subject.OrganizationalUnit = []string{"engineering", "abcde12345"}
	assert.Equal(t, "ABCDE12345", extractTeamID(cert), "falls back to the common name")

	cert.Subject.CommonName = "Apple Development: fixture@example.com"
	assert.Empty(t, extractTeamID(cert))
}
