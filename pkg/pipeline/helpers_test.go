package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-create-dmg/pkg/assemble"
	"github.com/aluedeke/go-create-dmg/pkg/bundle"
	"github.com/aluedeke/go-create-dmg/pkg/codesign"
	"github.com/aluedeke/go-create-dmg/pkg/command/commandtest"
)

// writeBundle creates an app bundle whose Info.plist holds keys
func writeBundle(t *testing.T, dir, name string, keys map[string]string) string {
	t.Helper()
	app := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Join(app, "Contents", "Resources"), 0755))

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
`)
	for k, v := range keys {
		fmt.Fprintf(&b, "\t<key>%s</key>\n\t<string>%s</string>\n", k, v)
	}
	b.WriteString("</dict>\n</plist>\n")
	require.NoError(t, os.WriteFile(filepath.Join(app, "Contents", "Info.plist"), []byte(b.String()), 0644))
	return app
}

type fakeComposer struct {
	scratch string
	err     error
	calls   []string
}

func (c *fakeComposer) Compose(_ context.Context, appIconPath string) (string, error) {
	c.calls = append(c.calls, appIconPath)
	if c.err != nil {
		return "", c.err
	}
	f, err := os.CreateTemp(c.scratch, "composed-*.icns")
	if err != nil {
		return "", err
	}
	f.Close()
	return f.Name(), nil
}

// fakeAssembler writes a placeholder image and refuses existing targets
type fakeAssembler struct {
	err   error
	calls []assemble.Options
}

func (a *fakeAssembler) Assemble(_ context.Context, opts assemble.Options, progress func(assemble.Progress)) error {
	a.calls = append(a.calls, opts)
	if a.err != nil {
		return a.err
	}
	if err := opts.Specification.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(opts.Target); err == nil {
		return fmt.Errorf("%w: %s", assemble.ErrTargetExists, opts.Target)
	}
	if icon := opts.Specification.Icon; icon != "" {
		if _, err := os.Stat(icon); err != nil {
			return fmt.Errorf("volume icon missing: %w", err)
		}
	}
	progress(assemble.Progress{Step: 1, Total: 1, Title: "Looking for target"})
	return os.WriteFile(opts.Target, []byte("dmg"), 0644)
}

type fakeLicense struct {
	err   error
	calls []string
}

func (l *fakeLicense) Inject(_ context.Context, dmgPath, format string) (bool, error) {
	l.calls = append(l.calls, dmgPath+"|"+format)
	return false, l.err
}

type recordingReporter struct {
	mu    sync.Mutex
	texts []string
	infos []string
}

func (r *recordingReporter) Text(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, s)
}

func (r *recordingReporter) Info(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, s)
}

type harness struct {
	dir       string
	template  string
	runner    *commandtest.Fake
	composer  *fakeComposer
	assembler *fakeAssembler
	license   *fakeLicense
	reporter  *recordingReporter
	pipeline  *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	template := filepath.Join(t.TempDir(), "disk-icon.icns")
	require.NoError(t, os.WriteFile(template, []byte("icns"), 0644))

	h := &harness{
		dir:       dir,
		template:  template,
		runner:    commandtest.NewFake(),
		composer:  &fakeComposer{scratch: t.TempDir()},
		assembler: &fakeAssembler{},
		license:   &fakeLicense{},
		reporter:  &recordingReporter{},
	}
	h.pipeline = &Pipeline{
		Reader:    bundle.NewReader(h.runner, nil),
		Composer:  h.composer,
		Assembler: h.assembler,
		License:   h.license,
		Signer:    codesign.NewSigner(h.runner, nil),
		Reporter:  h.reporter,
	}
	return h
}

func (h *harness) options(app string) Options {
	return Options{
		AppPath:           app,
		WorkDir:           h.dir,
		VersionInFilename: true,
		CodeSign:          false,
		TemplateIconPath:  h.template,
		IconSize:          160,
	}
}

// adHocSignedImage returns a minimal UDIF image whose trailer points at a
// signature holding one SHA-256 CodeDirectory for identifier
func adHocSignedImage(identifier string) []byte {
	cd := make([]byte, 44, 44+len(identifier)+1)
	cd = append(cd, identifier...)
	cd = append(cd, 0)
	binary.BigEndian.PutUint32(cd[0:], 0xfade0c02)
	binary.BigEndian.PutUint32(cd[4:], uint32(len(cd)))
	binary.BigEndian.PutUint32(cd[8:], 0x20100)
	binary.BigEndian.PutUint32(cd[20:], 44)
	cd[36] = 32
	cd[37] = 2

	sig := make([]byte, 20, 20+len(cd))
	binary.BigEndian.PutUint32(sig[0:], 0xfade0cc0)
	binary.BigEndian.PutUint32(sig[4:], uint32(20+len(cd)))
	binary.BigEndian.PutUint32(sig[8:], 1)
	binary.BigEndian.PutUint32(sig[16:], 20)
	sig = append(sig, cd...)

	data := make([]byte, 1024)
	trailer := make([]byte, 512)
	copy(trailer, "koly")
	binary.BigEndian.PutUint64(trailer[296:], uint64(len(data)))
	binary.BigEndian.PutUint64(trailer[304:], uint64(len(sig)))

	image := append(data, sig...)
	return append(image, trailer...)
}
