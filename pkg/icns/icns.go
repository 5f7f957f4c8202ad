// Package icns reads and writes Apple icon container (.icns) files.
//
// An icns file is a big-endian container: the magic "icns", the total file
// length, then a sequence of records each made of a 4-byte type code, a
// 4-byte length (header included) and the payload. Image records hold one
// raster per resolution type; the remaining records (table of contents,
// version, names, ...) are auxiliary.
package icns

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	magic      = "icns"
	headerSize = 8

	// TypeTOC is the table of contents record
	TypeTOC = "TOC "

	// HighestResolution is the largest image variant (1024x1024, 512pt@2x)
	HighestResolution = "ic10"
)

// ErrInvalid is returned for data that is not a well-formed icns container
var ErrInvalid = errors.New("invalid icns data")

// imageTypes lists every image record type in canonical write order
var imageTypes = []string{
	"ICON", "ICN#", "icm#", "icm4", "icm8", "ics#", "ics4", "ics8", "is32", "s8mk",
	"icl4", "icl8", "il32", "l8mk", "ich#", "ich4", "ich8", "ih32", "h8mk", "it32", "t8mk",
	"icp4", "icp5", "icp6", "ic04", "ic05", "ic11", "ic12", "ic07", "ic08", "ic13", "ic09",
	"ic14", "ic10",
}

var imageTypeOrder = func() map[string]int {
	m := make(map[string]int, len(imageTypes))
	for i, t := range imageTypes {
		m[t] = i
	}
	return m
}()

// IsImageType reports whether a record type holds a raster image
func IsImageType(t string) bool {
	_, ok := imageTypeOrder[t]
	return ok
}

// Icon maps record type codes to their raw payloads
type Icon map[string][]byte

// Parse decodes an icns container. All records are returned, including
// auxiliary ones; use Images to keep only rasters.
func Parse(data []byte) (Icon, error) {
	if len(data) < headerSize || string(data[:4]) != magic {
		return nil, fmt.Errorf("%w: missing icns header", ErrInvalid)
	}

	total := int(binary.BigEndian.Uint32(data[4:8]))
	if total < headerSize || total > len(data) {
		return nil, fmt.Errorf("%w: declared length %d, have %d bytes", ErrInvalid, total, len(data))
	}

	icon := make(Icon)
	for off := headerSize; off < total; {
		if total-off < headerSize {
			return nil, fmt.Errorf("%w: truncated record header at offset %d", ErrInvalid, off)
		}
		typ := string(data[off : off+4])
		length := int(binary.BigEndian.Uint32(data[off+4 : off+8]))
		if length < headerSize || off+length > total {
			return nil, fmt.Errorf("%w: record %q at offset %d has bad length %d", ErrInvalid, typ, off, length)
		}
		payload := make([]byte, length-headerSize)
		copy(payload, data[off+headerSize:off+length])
		icon[typ] = payload
		off += length
	}

	return icon, nil
}

// Images returns a copy of icon restricted to image records
func (icon Icon) Images() Icon {
	out := make(Icon, len(icon))
	for t, data := range icon {
		if IsImageType(t) {
			out[t] = data
		}
	}
	return out
}

// Types returns the record types of icon in canonical order. Image types come
// first in resolution order, unknown types follow sorted by name.
func (icon Icon) Types() []string {
	types := make([]string, 0, len(icon))
	for t := range icon {
		if t == TypeTOC {
			continue
		}
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		oi, iok := imageTypeOrder[types[i]]
		oj, jok := imageTypeOrder[types[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return types[i] < types[j]
		}
	})
	return types
}

// BySize returns the record types ordered by payload size, biggest first.
// Ties go to the type that sorts later in canonical order so the result is
// deterministic.
func (icon Icon) BySize() []string {
	types := icon.Types()
	for i, j := 0, len(types)-1; i < j; i, j = i+1, j-1 {
		types[i], types[j] = types[j], types[i]
	}
	sort.SliceStable(types, func(i, j int) bool {
		return len(icon[types[i]]) > len(icon[types[j]])
	})
	return types
}

// Largest returns the type whose payload is biggest, as ordered by BySize
func (icon Icon) Largest() (string, bool) {
	types := icon.BySize()
	if len(types) == 0 {
		return "", false
	}
	return types[0], true
}

// Format encodes icon as an icns container. A table of contents is written
// first, followed by the records in canonical order. Any TOC already present
// in icon is replaced.
func Format(icon Icon) ([]byte, error) {
	types := icon.Types()
	for _, t := range types {
		if len(t) != 4 {
			return nil, fmt.Errorf("invalid record type %q: must be 4 bytes", t)
		}
	}

	var toc bytes.Buffer
	for _, t := range types {
		toc.WriteString(t)
		writeUint32(&toc, uint32(headerSize+len(icon[t])))
	}

	var body bytes.Buffer
	if len(types) > 0 {
		writeRecord(&body, TypeTOC, toc.Bytes())
	}
	for _, t := range types {
		writeRecord(&body, t, icon[t])
	}

	var out bytes.Buffer
	out.Grow(headerSize + body.Len())
	out.WriteString(magic)
	writeUint32(&out, uint32(headerSize+body.Len()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func writeRecord(w *bytes.Buffer, typ string, payload []byte) {
	w.WriteString(typ)
	writeUint32(w, uint32(headerSize+len(payload)))
	w.Write(payload)
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}
