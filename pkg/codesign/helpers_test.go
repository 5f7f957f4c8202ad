package codesign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
)

const testCommonName = "Developer ID Application: Fixture Inc (ABCDE12345)"

func newTestCertificate(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(4242),
		Subject: pkix.Name{
			CommonName:         testCommonName,
			OrganizationalUnit: []string{"ABCDE12345"},
			Organization:       []string{"Fixture Inc"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

// buildCodeDirectory returns a minimal version 0x20200 CodeDirectory
func buildCodeDirectory(identifier, teamID string) []byte {
	const headerSize = 52
	ident := append([]byte(identifier), 0)
	team := append([]byte(teamID), 0)

	cd := make([]byte, headerSize)
	binary.BigEndian.PutUint32(cd[0:], CSMAGIC_CODEDIRECTORY)
	binary.BigEndian.PutUint32(cd[8:], 0x20200)
	binary.BigEndian.PutUint32(cd[16:], uint32(headerSize+len(ident)+len(team))) // hashOffset
	binary.BigEndian.PutUint32(cd[20:], headerSize)                              // identOffset
	cd[36] = 32                                                                  // hashSize
	cd[37] = CS_HASHTYPE_SHA256
	cd[39] = 12 // page size 4096
	binary.BigEndian.PutUint32(cd[48:], uint32(headerSize+len(ident)))

	cd = append(cd, ident...)
	cd = append(cd, team...)
	binary.BigEndian.PutUint32(cd[4:], uint32(len(cd)))
	return cd
}

// buildSuperBlob wraps a CodeDirectory and a CMS blob
func buildSuperBlob(cd, cms []byte) []byte {
	wrapper := make([]byte, 8, 8+len(cms))
	binary.BigEndian.PutUint32(wrapper[0:], CSMAGIC_BLOBWRAPPER)
	binary.BigEndian.PutUint32(wrapper[4:], uint32(8+len(cms)))
	wrapper = append(wrapper, cms...)

	const header = 12 + 2*8
	sb := make([]byte, header)
	binary.BigEndian.PutUint32(sb[0:], CSMAGIC_EMBEDDED_SIGNATURE)
	binary.BigEndian.PutUint32(sb[8:], 2)
	binary.BigEndian.PutUint32(sb[12:], CSSLOT_CODEDIRECTORY)
	binary.BigEndian.PutUint32(sb[16:], header)
	binary.BigEndian.PutUint32(sb[20:], CSSLOT_SIGNATURESLOT)
	binary.BigEndian.PutUint32(sb[24:], uint32(header+len(cd)))
	sb = append(sb, cd...)
	sb = append(sb, wrapper...)
	binary.BigEndian.PutUint32(sb[4:], uint32(len(sb)))
	return sb
}

// buildDiskImage lays out fake image data, the signature and a koly trailer
func buildDiskImage(signature []byte) []byte {
	data := make([]byte, 4096)
	copy(data, "fake HFS+ volume")

	trailer := make([]byte, udifTrailerSize)
	copy(trailer, udifMagic)
	binary.BigEndian.PutUint32(trailer[4:], 4)   // version
	binary.BigEndian.PutUint32(trailer[8:], 512) // header size
	if len(signature) > 0 {
		binary.BigEndian.PutUint64(trailer[udifSignatureOffsetAt:], uint64(len(data)))
		binary.BigEndian.PutUint64(trailer[udifSignatureLengthAt:], uint64(len(signature)))
	}

	out := append(data, signature...)
	return append(out, trailer...)
}

func signedCMS(t *testing.T, content []byte) []byte {
	t.Helper()
	cert, key := newTestCertificate(t)
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	sd.Detach()
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}
