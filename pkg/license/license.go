// Package license embeds a software license agreement in a disk image so
// Finder asks the user to accept it before mounting.
//
// The license is picked up by convention from the working directory:
// license.rtf wins over license.txt. Without either file Inject does nothing.
package license

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/text/encoding/charmap"
	"howett.net/plist"

	"github.com/aluedeke/go-create-dmg/pkg/command"
)

const (
	hdiutilPath = "/usr/bin/hdiutil"
	formatUDRW  = "UDRW"
)

// File names looked up in order
var fileNames = []string{"license.rtf", "license.txt"}

// resourceID is the ID Finder expects for the default license
const resourceID = "5000"

// ErrUnsupportedFormat is returned for image formats without a UDIF resource map
var ErrUnsupportedFormat = errors.New("image format cannot carry a license")

var udifFormats = map[string]bool{
	"UDRO": true, "UDCO": true, "UDZO": true, "UDBZ": true,
	"ULFO": true, "ULMO": true, "UDRW": true,
}

// Buttons are the localized strings of the acceptance dialog
type Buttons struct {
	Language string
	Agree    string
	Disagree string
	Print    string
	Save     string
	Message  string
}

// English is the dialog text used for the default license
var English = Buttons{
	Language: "English",
	Agree:    "Agree",
	Disagree: "Disagree",
	Print:    "Print",
	Save:     "Save...",
	Message: "If you agree with the terms of this license, press \"Agree\" to install the software. " +
		"If you do not agree, press \"Disagree\".",
}

// Injector adds license resources with hdiutil
type Injector struct {
	Runner command.Runner
	// Dir is searched for the license file; empty means the working directory
	Dir string
	// ScratchDir receives the temporary resource file
	ScratchDir string
	Logger     *slog.Logger
}

// NewInjector creates an Injector
func NewInjector(runner command.Runner, dir, scratchDir string, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{Runner: runner, Dir: dir, ScratchDir: scratchDir, Logger: logger}
}

// Find returns the license file to embed, or "" when there is none
func (in *Injector) Find() (string, error) {
	dir := in.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}

	for _, name := range fileNames {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to check %s: %w", name, err)
		}
	}
	return "", nil
}

// Inject embeds the license found by Find into the image at dmgPath. It
// reports whether a license was embedded.
func (in *Injector) Inject(ctx context.Context, dmgPath, format string) (bool, error) {
	path, err := in.Find()
	if err != nil {
		return false, err
	}
	if path == "" {
		in.Logger.Debug("no license file found")
		return false, nil
	}
	if !udifFormats[format] {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	text, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read license: %w", err)
	}

	resources, err := Resources(text, filepath.Ext(path) == ".rtf", English)
	if err != nil {
		return false, err
	}

	res, err := os.CreateTemp(in.ScratchDir, "license-*.plist")
	if err != nil {
		return false, fmt.Errorf("failed to create resource file: %w", err)
	}
	defer os.Remove(res.Name())

	if _, err := res.Write(resources); err != nil {
		res.Close()
		return false, fmt.Errorf("failed to write resource file: %w", err)
	}
	if err := res.Close(); err != nil {
		return false, fmt.Errorf("failed to write resource file: %w", err)
	}

	in.Logger.Debug("embedding license", "license", path, "image", dmgPath)
	if format == formatUDRW {
		if err := in.addResources(ctx, res.Name(), dmgPath); err != nil {
			return false, err
		}
		return true, nil
	}

	// compressed images are made writable, given the resources and converted back
	work, err := os.MkdirTemp(in.ScratchDir, "license-*")
	if err != nil {
		return false, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(work)
	writable := filepath.Join(work, "writable.dmg")

	if _, err := in.Runner.Run(ctx, hdiutilPath, "convert", dmgPath, "-format", formatUDRW, "-o", writable); err != nil {
		return false, fmt.Errorf("failed to make image writable: %w", err)
	}
	if err := in.addResources(ctx, res.Name(), writable); err != nil {
		return false, err
	}
	if _, err := in.Runner.Run(ctx, hdiutilPath, "convert", writable, "-format", format, "-o", dmgPath, "-ov"); err != nil {
		return false, fmt.Errorf("failed to convert image back to %s: %w", format, err)
	}
	return true, nil
}

func (in *Injector) addResources(ctx context.Context, resources, image string) error {
	if _, err := in.Runner.Run(ctx, hdiutilPath, "udifrez", "-xml", resources, "", "-quiet", image); err != nil {
		return fmt.Errorf("failed to embed license: %w", err)
	}
	return nil
}

// resource is one entry of a UDIF resource map
type resource struct {
	Attributes string `plist:"Attributes"`
	Data       []byte `plist:"Data"`
	ID         string `plist:"ID"`
	Name       string `plist:"Name"`
}

// Resources renders the resource map describing the license. Plain text is
// stored Mac Roman encoded like classic TEXT resources; RTF is stored as is.
func Resources(text []byte, rtf bool, buttons Buttons) ([]byte, error) {
	strs, err := stringList(buttons)
	if err != nil {
		return nil, err
	}

	textType := "TEXT"
	if rtf {
		textType = "RTF "
	} else {
		text, err = macRoman(text)
		if err != nil {
			return nil, err
		}
	}

	resources := map[string][]resource{
		"LPic": {{Attributes: "0x0000", Data: languageMap(), ID: resourceID, Name: ""}},
		"STR#": {{Attributes: "0x0000", Data: strs, ID: resourceID, Name: buttons.Language}},
		textType: {{Attributes: "0x0000", Data: text, ID: resourceID, Name: buttons.Language + " SLA"}},
	}

	out, err := plist.MarshalIndent(resources, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to encode license resources: %w", err)
	}
	return out, nil
}

// languageMap is the LPic resource: English as default and only language
func languageMap() []byte {
	var buf bytes.Buffer
	for _, v := range []uint16{
		0, // default language: English
		1, // entry count
		0, // language code
		0, // offset from resourceID
		0, // two-byte script
	} {
		binary.Write(&buf, binary.BigEndian, v)
	}
	return buf.Bytes()
}

// stringList encodes the STR# resource: a count followed by Pascal strings
func stringList(b Buttons) ([]byte, error) {
	items := []string{b.Language, b.Agree, b.Disagree, b.Print, b.Save, b.Message}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(len(items)))
	for _, s := range items {
		enc, err := macRoman([]byte(s))
		if err != nil {
			return nil, err
		}
		if len(enc) > 255 {
			return nil, fmt.Errorf("dialog string too long: %q", s)
		}
		buf.WriteByte(byte(len(enc)))
		buf.Write(enc)
	}
	return buf.Bytes(), nil
}

func macRoman(s []byte) ([]byte, error) {
	out, err := charmap.Macintosh.NewEncoder().Bytes(s)
	if err != nil {
		return nil, fmt.Errorf("license text cannot be encoded as Mac Roman: %w", err)
	}
	return out, nil
}
