package codesign

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"go.mozilla.org/pkcs7"
)

// Code signature blob magics and slots
const (
	CSMAGIC_CODEDIRECTORY      = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE = 0xfade0cc0
	CSMAGIC_BLOBWRAPPER        = 0xfade0b01

	CSSLOT_CODEDIRECTORY             = 0
	CSSLOT_REQUIREMENTS              = 2
	CSSLOT_ALTERNATE_CODEDIRECTORIES = 0x1000
	CSSLOT_SIGNATURESLOT             = 0x10000

	CS_HASHTYPE_SHA1   = 1
	CS_HASHTYPE_SHA256 = 2
)

// UDIF trailer ("koly" block) layout
const (
	udifTrailerSize         = 512
	udifMagic               = "koly"
	udifSignatureOffsetAt   = 296
	udifSignatureLengthAt   = 304
	codeDirectoryHeaderSize = 44
)

// ErrNoSignature is returned for an image without an embedded code signature
var ErrNoSignature = errors.New("no code signature found")

// SignatureInfo describes the code signature embedded in a disk image
type SignatureInfo struct {
	Path      string
	SuperBlob SuperBlobInfo
	CodeDirs  []CodeDirectoryInfo
	CMS       CMSInfo
}

// SuperBlobInfo is the embedded signature container
type SuperBlobInfo struct {
	Magic     uint32
	Length    uint32
	BlobCount uint32
	Blobs     []BlobIndexEntry
}

// BlobIndexEntry is one slot of the container index. Magic and Size are zero
// when the slot points outside the signature.
type BlobIndexEntry struct {
	Type   uint32
	Offset uint32
	Size   uint32
	Magic  uint32
}

// CodeDirectoryInfo is the part of a CodeDirectory codesign reports
type CodeDirectoryInfo struct {
	Slot       uint32
	Version    uint32
	Flags      uint32
	HashType   uint8
	HashSize   uint8
	Identifier string
	TeamID     string
	NCodeSlots uint32
	CDHash     []byte
}

// CMSInfo describes the CMS blob; the signer fields stay empty for ad-hoc
// signatures
type CMSInfo struct {
	Size         uint32
	SignerCN     string
	SignerTeamID string
}

// Identifier returns the signed identifier, usually the image's file name
func (info *SignatureInfo) Identifier() string {
	for _, cd := range info.CodeDirs {
		if cd.Identifier != "" {
			return cd.Identifier
		}
	}
	return ""
}

// InspectDiskImage reads the code signature embedded in a UDIF disk image
func InspectDiskImage(path string) (*SignatureInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk image: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat disk image: %w", err)
	}

	blob, err := readSignatureBlob(f, st.Size())
	if err != nil {
		return nil, err
	}

	info, err := parseSuperBlob(blob)
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

// readSignatureBlob locates the signature through the image trailer
func readSignatureBlob(r io.ReaderAt, size int64) ([]byte, error) {
	if size < udifTrailerSize {
		return nil, errors.New("file too short for a disk image trailer")
	}

	trailer := make([]byte, udifTrailerSize)
	if _, err := r.ReadAt(trailer, size-udifTrailerSize); err != nil {
		return nil, fmt.Errorf("failed to read disk image trailer: %w", err)
	}
	if !bytes.HasPrefix(trailer, []byte(udifMagic)) {
		return nil, fmt.Errorf("not a UDIF disk image: missing %s trailer", udifMagic)
	}

	offset := binary.BigEndian.Uint64(trailer[udifSignatureOffsetAt:])
	length := binary.BigEndian.Uint64(trailer[udifSignatureLengthAt:])
	limit := uint64(size - udifTrailerSize)
	switch {
	case offset == 0 || length == 0:
		return nil, ErrNoSignature
	case offset > limit || length > limit-offset:
		return nil, errors.New("code signature extends into the trailer")
	}

	blob := make([]byte, length)
	if _, err := r.ReadAt(blob, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read code signature: %w", err)
	}
	return blob, nil
}

// blobAt returns the length-prefixed blob at off, or nil when it does not fit
func blobAt(data []byte, off uint32) []byte {
	if uint64(off)+8 > uint64(len(data)) {
		return nil
	}
	n := binary.BigEndian.Uint32(data[off+4:])
	if n < 8 || uint64(off)+uint64(n) > uint64(len(data)) {
		return nil
	}
	return data[off : off+n]
}

func parseSuperBlob(data []byte) (*SignatureInfo, error) {
	if len(data) < 12 {
		return nil, errors.New("code signature too short")
	}
	sb := SuperBlobInfo{
		Magic:     binary.BigEndian.Uint32(data),
		Length:    binary.BigEndian.Uint32(data[4:]),
		BlobCount: binary.BigEndian.Uint32(data[8:]),
	}
	if sb.Magic != CSMAGIC_EMBEDDED_SIGNATURE {
		return nil, fmt.Errorf("unexpected code signature magic 0x%x", sb.Magic)
	}
	if uint64(len(data)) < 12+8*uint64(sb.BlobCount) {
		return nil, errors.New("code signature index truncated")
	}

	info := &SignatureInfo{}
	index := data[12:]
	for i := uint32(0); i < sb.BlobCount; i++ {
		entry := BlobIndexEntry{
			Type:   binary.BigEndian.Uint32(index[8*i:]),
			Offset: binary.BigEndian.Uint32(index[8*i+4:]),
		}
		blob := blobAt(data, entry.Offset)
		if blob != nil {
			entry.Magic = binary.BigEndian.Uint32(blob)
			entry.Size = uint32(len(blob))
		}
		sb.Blobs = append(sb.Blobs, entry)
		if blob == nil {
			continue
		}

		switch entry.Type {
		case CSSLOT_CODEDIRECTORY, CSSLOT_ALTERNATE_CODEDIRECTORIES:
			cd, err := parseCodeDirectory(blob, entry.Type)
			if err != nil {
				continue
			}
			info.CodeDirs = append(info.CodeDirs, *cd)
		case CSSLOT_SIGNATURESLOT:
			info.CMS = parseCMSSignature(blob)
		}
	}
	info.SuperBlob = sb
	return info, nil
}

func parseCodeDirectory(data []byte, slot uint32) (*CodeDirectoryInfo, error) {
	if len(data) < codeDirectoryHeaderSize {
		return nil, errors.New("CodeDirectory too short")
	}
	if magic := binary.BigEndian.Uint32(data); magic != CSMAGIC_CODEDIRECTORY {
		return nil, fmt.Errorf("unexpected CodeDirectory magic 0x%x", magic)
	}

	be := binary.BigEndian
	cd := &CodeDirectoryInfo{
		Slot:       slot,
		Version:    be.Uint32(data[8:]),
		Flags:      be.Uint32(data[12:]),
		NCodeSlots: be.Uint32(data[28:]),
		HashSize:   data[36],
		HashType:   data[37],
	}
	cd.Identifier = cString(data, be.Uint32(data[20:]))

	// teamOffset follows the scatter offset from version 0x20200 on
	if cd.Version >= 0x20200 && len(data) >= 52 {
		if off := be.Uint32(data[48:]); off != 0 {
			cd.TeamID = cString(data, off)
		}
	}
	cd.CDHash = computeCDHash(data, cd.HashType)
	return cd, nil
}

func cString(data []byte, offset uint32) string {
	if offset >= uint32(len(data)) {
		return ""
	}
	s := data[offset:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	return string(s)
}

// computeCDHash computes the CDHash of a CodeDirectory blob. SHA-256 hashes
// are truncated to 20 bytes like codesign reports them.
func computeCDHash(cdData []byte, hashType uint8) []byte {
	switch hashType {
	case CS_HASHTYPE_SHA1:
		h := sha1.Sum(cdData)
		return h[:]
	case CS_HASHTYPE_SHA256:
		h := sha256.Sum256(cdData)
		return h[:20]
	}
	return nil
}

// parseCMSSignature reads the signer out of the BlobWrapper holding the CMS
// message
func parseCMSSignature(blob []byte) CMSInfo {
	info := CMSInfo{Size: uint32(len(blob))}

	msg := blob[8:]
	if len(msg) == 0 {
		return info
	}
	p7, err := pkcs7.Parse(msg)
	if err != nil || len(p7.Signers) == 0 {
		return info
	}

	serial := p7.Signers[0].IssuerAndSerialNumber.SerialNumber
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(serial) != 0 {
			continue
		}
		info.SignerCN = cert.Subject.CommonName
		info.SignerTeamID = extractTeamID(cert)
		break
	}
	return info
}

// PrintSignatureInfo writes a codesign-style summary of info to w
func PrintSignatureInfo(info *SignatureInfo, w io.Writer) {
	fmt.Fprintf(w, "Identifier: %s\n", info.Identifier())
	fmt.Fprintf(w, "Code Signature: %d blobs, %d bytes\n", info.SuperBlob.BlobCount, info.SuperBlob.Length)

	last := len(info.SuperBlob.Blobs) - 1
	for i, blob := range info.SuperBlob.Blobs {
		branch := "├─"
		if i == last {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %s: slot 0x%x, %d bytes\n", branch, slotName(blob.Type), blob.Type, blob.Size)
	}

	for _, cd := range info.CodeDirs {
		if cd.CDHash == nil {
			continue
		}
		fmt.Fprintf(w, "CDHash (%s): %s\n", hashTypeName(cd.HashType), hex.EncodeToString(cd.CDHash))
	}
	if cn := info.CMS.SignerCN; cn != "" {
		fmt.Fprintf(w, "Signer: %s\n", cn)
	}
	if team := info.CMS.SignerTeamID; team != "" {
		fmt.Fprintf(w, "Team ID: %s\n", team)
	}
}

var slotNames = map[uint32]string{
	CSSLOT_CODEDIRECTORY:             "CodeDirectory",
	CSSLOT_REQUIREMENTS:              "Requirements",
	CSSLOT_ALTERNATE_CODEDIRECTORIES: "CodeDirectory (alternate)",
	CSSLOT_SIGNATURESLOT:             "CMS Signature",
}

func slotName(slot uint32) string {
	if name, ok := slotNames[slot]; ok {
		return name
	}
	return "Unknown"
}

func hashTypeName(hashType uint8) string {
	switch hashType {
	case CS_HASHTYPE_SHA1:
		return "sha1"
	case CS_HASHTYPE_SHA256:
		return "sha256"
	}
	return fmt.Sprintf("type %d", hashType)
}
