// Package codesign signs disk images and checks their signatures.
//
// Signing itself is delegated to Apple's codesign tool; this package picks
// the identity, interprets codesign's output and can read the signature a
// signed UDIF image carries in its trailer without any external tool.
//
// # Identities
//
// An explicit identity is passed to codesign unchanged. Without one, the
// installed identities are listed with `security find-identity` and the
// first label found in this order wins:
//
//   - Developer ID Application
//   - Mac Developer
//   - Apple Development
//
// A PKCS#12 file can pin signing to one certificate: its SHA-1 fingerprint
// is used as the identity.
//
// # Inspection
//
//	info, err := codesign.InspectDiskImage("Fixture 1.0.0.dmg")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	codesign.PrintSignatureInfo(info, os.Stdout)
package codesign
