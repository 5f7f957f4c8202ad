// Package pipeline turns an app bundle into a signed disk image.
//
// A run goes through these stages strictly in order and stops at the first
// fatal failure:
//
//	ReadMetadata -> [ComposeIcon] -> Assemble -> InjectLicense -> [Sign -> Verify]
//
// ComposeIcon runs only when the bundle declares an icon; signing and
// verification are skipped when code signing is disabled. Every failure is
// returned as a *StageError whose Kind decides the exit code.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/aluedeke/go-create-dmg/pkg/assemble"
	"github.com/aluedeke/go-create-dmg/pkg/bundle"
	"github.com/aluedeke/go-create-dmg/pkg/codesign"
)

// Window layout of every image
const (
	windowWidth  = 660
	windowHeight = 400

	appX, appY             = 180, 170
	applicationsX          = 480
	applicationsY          = 170
	applicationsFolderPath = "/Applications"
)

// MetadataReader reads bundle metadata
type MetadataReader interface {
	Read(ctx context.Context, appPath string) (*bundle.Metadata, error)
}

// IconComposer builds the volume icon from the app icon and returns its path
type IconComposer interface {
	Compose(ctx context.Context, appIconPath string) (string, error)
}

// LicenseInjector embeds a license found by convention; it reports whether
// one was embedded
type LicenseInjector interface {
	Inject(ctx context.Context, dmgPath, format string) (bool, error)
}

// CodeSigner signs and verifies images
type CodeSigner interface {
	ResolveIdentity(ctx context.Context, explicit string) (string, error)
	Sign(ctx context.Context, identity, dmgPath string) error
	Verify(ctx context.Context, dmgPath string) (string, error)
}

// Reporter receives user facing progress
type Reporter interface {
	Text(text string)
	Info(msg string)
}

// Options configure one run
type Options struct {
	AppPath string
	// Destination is the output directory; empty means WorkDir
	Destination string
	// WorkDir resolves relative paths and missing-input messages
	WorkDir string

	// Title overrides the volume name, which defaults to the app name
	Title             string
	Overwrite         bool
	VersionInFilename bool

	CodeSign bool
	// Identity skips identity enumeration when set
	Identity string
	// InspectSignature reports the embedded signature after verification
	InspectSignature bool

	// TemplateIconPath is the volume icon used when the app has none
	TemplateIconPath string
	BackgroundPath   string
	IconSize         int
}

// RunContext is the state of one run. It is owned by Run and returned to
// the caller when the run ends.
type RunContext struct {
	AppPath         string
	DestinationPath string
	Metadata        *bundle.Metadata

	Title    string
	Filename string
	DMGPath  string

	Format     string
	Filesystem string

	// IconPath is the volume icon; ComposedIcon is set when it was composed
	// for this run
	IconPath     string
	ComposedIcon bool

	LicenseInjected bool

	Identity  string
	Authority string
	Signed    bool
}

// Pipeline wires the stages of a run
type Pipeline struct {
	Reader    MetadataReader
	Composer  IconComposer
	Assembler assemble.Assembler
	License   LicenseInjector
	Signer    CodeSigner
	Reporter  Reporter
	Logger    *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) text(s string) {
	if p.Reporter != nil {
		p.Reporter.Text(s)
	}
}

func (p *Pipeline) info(s string) {
	if p.Reporter != nil {
		p.Reporter.Info(s)
	}
}

// Filename is the image file name for an app name and version
func Filename(name, version string, withVersion bool) string {
	if withVersion {
		return fmt.Sprintf("%s %s.dmg", name, version)
	}
	return name + ".dmg"
}

// Run builds the disk image described by opts
func (p *Pipeline) Run(ctx context.Context, opts Options) (*RunContext, error) {
	rc := &RunContext{
		AppPath:         resolve(opts.WorkDir, opts.AppPath),
		DestinationPath: resolve(opts.WorkDir, opts.Destination),
	}
	if opts.Destination == "" {
		rc.DestinationPath = opts.WorkDir
	}

	if err := p.readMetadata(ctx, rc, opts); err != nil {
		return rc, err
	}

	rc.Title = opts.Title
	if rc.Title == "" {
		rc.Title = rc.Metadata.DisplayName
	}
	rc.Filename = Filename(rc.Metadata.DisplayName, rc.Metadata.Version, opts.VersionInFilename)
	rc.DMGPath = filepath.Join(rc.DestinationPath, rc.Filename)

	if utf8.RuneCountInString(rc.Title) > assemble.MaxTitleLength {
		se := newStageError(ErrUnsupportedTitle, StageTitle, fmt.Errorf("title %q has more than %d characters", rc.Title, assemble.MaxTitleLength))
		se.message = fmt.Sprintf("The disk image title cannot exceed %d characters.", assemble.MaxTitleLength)
		return rc, se
	}

	if opts.Overwrite {
		if err := os.Remove(rc.DMGPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return rc, newStageError(ErrAssembly, StagePrepare, fmt.Errorf("failed to remove existing image: %w", err))
		}
	}

	if err := p.composeIcon(ctx, rc, opts); err != nil {
		return rc, err
	}
	if rc.ComposedIcon {
		defer os.Remove(rc.IconPath)
	}

	if err := p.assemble(ctx, rc, opts); err != nil {
		return rc, err
	}

	p.text("Adding Software License Agreement if needed")
	injected, err := p.License.Inject(ctx, rc.DMGPath, rc.Format)
	if err != nil {
		return rc, newStageError(ErrLicenseInjection, StageLicense, err)
	}
	rc.LicenseInjected = injected

	if !opts.CodeSign {
		p.info("Code signing skipped")
		return rc, nil
	}
	if err := p.sign(ctx, rc, opts); err != nil {
		return rc, err
	}
	return rc, nil
}

func (p *Pipeline) readMetadata(ctx context.Context, rc *RunContext, opts Options) error {
	meta, err := p.Reader.Read(ctx, rc.AppPath)
	switch {
	case errors.Is(err, bundle.ErrNotFound):
		se := newStageError(ErrInputNotFound, StageInput, err)
		se.message = fmt.Sprintf("Could not find `%s`", relativePath(opts.WorkDir, rc.AppPath))
		return se
	case err != nil:
		return newStageError(ErrMetadata, StageMetadata, err)
	}

	rc.Metadata = meta
	p.logger().Debug("read app metadata",
		"name", meta.DisplayName,
		"version", meta.Version,
		"icon", meta.IconFile,
		"minimum-system-version", meta.MinimumSystemVersion,
		"architectures", meta.Architectures,
	)
	return nil
}

func (p *Pipeline) composeIcon(ctx context.Context, rc *RunContext, opts Options) error {
	rc.IconPath = opts.TemplateIconPath
	if !rc.Metadata.HasIcon() {
		return nil
	}

	p.text("Creating icon")
	path, err := p.Composer.Compose(ctx, rc.Metadata.IconPath(rc.AppPath))
	if err != nil {
		return newStageError(ErrComposeIcon, StageComposeIcon, err)
	}
	rc.IconPath = path
	rc.ComposedIcon = path != opts.TemplateIconPath
	return nil
}

func (p *Pipeline) assemble(ctx context.Context, rc *RunContext, opts Options) error {
	rc.Format, rc.Filesystem = assemble.FormatFor(rc.Metadata.MinimumSystemVersion)

	spec := assemble.Specification{
		Title:      rc.Title,
		Icon:       rc.IconPath,
		Background: opts.BackgroundPath,
		IconSize:   opts.IconSize,
		Format:     rc.Format,
		Filesystem: rc.Filesystem,
		Window:     assemble.Window{Width: windowWidth, Height: windowHeight},
		Contents: []assemble.Content{
			{X: appX, Y: appY, Type: assemble.ContentFile, Path: rc.AppPath},
			{X: applicationsX, Y: applicationsY, Type: assemble.ContentLink, Path: applicationsFolderPath},
		},
	}

	err := p.Assembler.Assemble(ctx, assemble.Options{
		Target:        rc.DMGPath,
		BasePath:      opts.WorkDir,
		Specification: spec,
	}, func(pr assemble.Progress) {
		p.text(pr.Title)
	})
	if err != nil {
		return newStageError(ErrAssembly, StageAssemble, err)
	}
	return nil
}

func (p *Pipeline) sign(ctx context.Context, rc *RunContext, opts Options) error {
	p.text("Code signing DMG")

	identity, err := p.Signer.ResolveIdentity(ctx, opts.Identity)
	switch {
	case errors.Is(err, codesign.ErrIdentityNotFound):
		return newStageError(ErrSigningIdentityNotFound, StageSign, err)
	case err != nil:
		return newStageError(ErrUnexpected, StageSign, err)
	}
	rc.Identity = identity

	if err := p.Signer.Sign(ctx, identity, rc.DMGPath); err != nil {
		return newStageError(ErrSigningFailed, StageSign, err)
	}

	authority, err := p.Signer.Verify(ctx, rc.DMGPath)
	if err != nil {
		return newStageError(ErrVerification, StageVerify, err)
	}
	rc.Authority = authority
	rc.Signed = true
	p.info("Code signing identity: " + authority)

	if opts.InspectSignature {
		p.inspect(rc.DMGPath)
	}
	return nil
}

// inspect reports the signature embedded in the image; failures only log
func (p *Pipeline) inspect(dmgPath string) {
	info, err := codesign.InspectDiskImage(dmgPath)
	if err != nil {
		p.logger().Warn("could not inspect embedded signature", "error", err)
		return
	}

	var report strings.Builder
	codesign.PrintSignatureInfo(info, &report)
	p.info(strings.TrimRight(report.String(), "\n"))

	attrs := []any{"identifier", info.Identifier(), "signer", info.CMS.SignerCN, "team", info.CMS.SignerTeamID}
	for _, cd := range info.CodeDirs {
		attrs = append(attrs, fmt.Sprintf("cdhash-%d", cd.HashType), fmt.Sprintf("%x", cd.CDHash))
	}
	p.logger().Debug("embedded signature", attrs...)
}

func resolve(base, path string) string {
	if path == "" || base == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// relativePath renders path relative to base when possible
func relativePath(base, path string) string {
	if base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}
