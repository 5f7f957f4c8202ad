package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/aluedeke/go-create-dmg/pkg/command"
)

const (
	hdiutilPath   = "/usr/bin/hdiutil"
	osascriptPath = "/usr/bin/osascript"
	xattrPath     = "/usr/bin/xattr"

	backgroundDir  = ".background"
	volumeIconName = ".VolumeIcon.icns"

	// finderInfoCustomIcon is a FinderInfo record with kHasCustomIcon set
	finderInfoCustomIcon = "0000000000000000040000000000000000000000000000000000000000000000"
)

// ErrTargetExists is returned when the target image is already present
var ErrTargetExists = errors.New("target already exists")

// steps in the order they are reported
var steps = []string{
	"Looking for target",
	"Copying files",
	"Creating temporary image",
	"Mounting temporary image",
	"Making volume icon visible",
	"Setting window layout",
	"Unmounting temporary image",
	"Finalizing image",
}

// HdiutilAssembler assembles images with hdiutil and lays out the window with
// Finder AppleScript
type HdiutilAssembler struct {
	Runner command.Runner
	// ScratchDir holds the staging folder and temporary image; empty means
	// the system temp dir
	ScratchDir string
	Logger     *slog.Logger
}

// NewHdiutilAssembler creates an assembler running tools through runner
func NewHdiutilAssembler(runner command.Runner, scratchDir string, logger *slog.Logger) *HdiutilAssembler {
	return &HdiutilAssembler{Runner: runner, ScratchDir: scratchDir, Logger: logger}
}

func (a *HdiutilAssembler) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// hdiutilInfo is the subset of `hdiutil info -plist` output we need
type hdiutilInfo struct {
	Images []struct {
		ImagePath      string `plist:"image-path"`
		SystemEntities []struct {
			DevEntry string `plist:"dev-entry"`
		} `plist:"system-entities"`
	} `plist:"images"`
}

// attachInfo is the subset of `hdiutil attach -plist` output we need
type attachInfo struct {
	SystemEntities []struct {
		MountPoint string `plist:"mount-point"`
		DevEntry   string `plist:"dev-entry"`
	} `plist:"system-entities"`
}

// Assemble implements Assembler
func (a *HdiutilAssembler) Assemble(ctx context.Context, opts Options, progress func(Progress)) (err error) {
	step := 0
	report := func() {
		title := steps[step]
		step++
		a.logger().Debug("assembly step", "step", step, "title", title)
		if progress != nil {
			progress(Progress{Step: step, Total: len(steps), Title: title})
		}
	}

	spec := opts.Specification
	if err := spec.Validate(); err != nil {
		return err
	}

	report() // looking for target
	if _, err := os.Lstat(opts.Target); err == nil {
		return fmt.Errorf("%w: %s", ErrTargetExists, opts.Target)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check target: %w", err)
	}

	work, err := os.MkdirTemp(a.ScratchDir, "create-dmg-assemble-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(work)

	report() // copying files
	staging := filepath.Join(work, "staging")
	if err := a.stage(&opts, staging); err != nil {
		return err
	}

	report() // creating temporary image
	tempImage := filepath.Join(work, "temp.dmg")
	if _, err := a.Runner.Run(ctx, hdiutilPath, "create",
		"-srcfolder", staging,
		"-volname", spec.Title,
		"-fs", spec.Filesystem,
		"-format", FormatUDRW,
		"-ov", tempImage,
	); err != nil {
		return fmt.Errorf("failed to create temporary image: %w", err)
	}

	report() // mounting temporary image
	res, err := a.Runner.Run(ctx, hdiutilPath, "attach", tempImage,
		"-readwrite", "-noverify", "-noautoopen", "-plist")
	if err != nil {
		return fmt.Errorf("failed to mount temporary image: %w", err)
	}
	mountPoint, err := parseMountPoint([]byte(res.Stdout))
	if err != nil {
		if derr := a.detachImage(context.WithoutCancel(ctx), tempImage); derr != nil {
			a.logger().Warn("temporary image may still be attached", "image", tempImage, "error", derr)
		}
		return err
	}

	detached := false
	defer func() {
		if !detached {
			if derr := a.detach(context.WithoutCancel(ctx), mountPoint); derr != nil && err == nil {
				err = derr
			}
		}
	}()

	report() // making volume icon visible
	if spec.Icon != "" {
		if _, err := a.Runner.Run(ctx, xattrPath, "-wx", "com.apple.FinderInfo", finderInfoCustomIcon, mountPoint); err != nil {
			return fmt.Errorf("failed to set custom volume icon: %w", err)
		}
	}

	report() // setting window layout
	script := layoutScript(filepath.Base(mountPoint), &spec)
	if _, err := a.Runner.RunWithInput(ctx, []byte(script), osascriptPath, "-"); err != nil {
		return fmt.Errorf("failed to set window layout: %w", err)
	}

	report() // unmounting temporary image
	detached = true
	if err := a.detach(ctx, mountPoint); err != nil {
		return err
	}

	report() // finalizing image
	if _, err := a.Runner.Run(ctx, hdiutilPath, "convert", tempImage,
		"-format", spec.Format,
		"-o", opts.Target,
	); err != nil {
		return fmt.Errorf("failed to convert image to %s: %w", spec.Format, err)
	}

	return nil
}

// stage builds the volume contents in dir
func (a *HdiutilAssembler) stage(opts *Options, dir string) error {
	spec := opts.Specification
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	for _, c := range spec.Contents {
		dst := filepath.Join(dir, c.Name())
		switch c.Type {
		case ContentLink:
			if err := os.Symlink(c.Path, dst); err != nil {
				return fmt.Errorf("failed to link %s: %w", c.Path, err)
			}
		case ContentFile:
			if err := copyTree(opts.resolve(c.Path), dst); err != nil {
				return fmt.Errorf("failed to copy %s: %w", c.Path, err)
			}
		}
	}

	if spec.Background != "" {
		bg := opts.resolve(spec.Background)
		if err := copyTree(bg, filepath.Join(dir, backgroundDir, filepath.Base(bg))); err != nil {
			return fmt.Errorf("failed to copy background: %w", err)
		}
	}

	if spec.Icon != "" {
		if err := copyTree(opts.resolve(spec.Icon), filepath.Join(dir, volumeIconName)); err != nil {
			return fmt.Errorf("failed to copy volume icon: %w", err)
		}
	}

	return nil
}

// detach unmounts the volume, forcing it when Finder still holds it open
func (a *HdiutilAssembler) detach(ctx context.Context, mountPoint string) error {
	if _, err := a.Runner.Run(ctx, hdiutilPath, "detach", mountPoint); err == nil {
		return nil
	}
	a.logger().Debug("detach failed, forcing", "mount-point", mountPoint)
	if _, err := a.Runner.Run(ctx, hdiutilPath, "detach", mountPoint, "-force"); err != nil {
		return fmt.Errorf("failed to unmount temporary image: %w", err)
	}
	return nil
}

// detachImage finds the device an image file is attached as and detaches it.
// It is used when the attach output cannot be trusted to name the mount point.
func (a *HdiutilAssembler) detachImage(ctx context.Context, imagePath string) error {
	res, err := a.Runner.Run(ctx, hdiutilPath, "info", "-plist")
	if err != nil {
		return fmt.Errorf("failed to list attached images: %w", err)
	}
	var info hdiutilInfo
	if _, err := plist.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return fmt.Errorf("failed to parse hdiutil info output: %w", err)
	}
	for _, img := range info.Images {
		if !samePath(img.ImagePath, imagePath) || len(img.SystemEntities) == 0 {
			continue
		}
		// the first entity is the whole disk; detaching it releases every slice
		dev := img.SystemEntities[0].DevEntry
		if _, err := a.Runner.Run(ctx, hdiutilPath, "detach", dev, "-force"); err != nil {
			return fmt.Errorf("failed to detach %s: %w", dev, err)
		}
		return nil
	}
	return nil
}

// samePath compares paths after resolving symlinks such as /var -> /private/var
func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}

func parseMountPoint(data []byte) (string, error) {
	var info attachInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("failed to parse hdiutil attach output: %w", err)
	}
	for _, e := range info.SystemEntities {
		if e.MountPoint != "" {
			return e.MountPoint, nil
		}
	}
	return "", fmt.Errorf("hdiutil attach reported no mount point")
}

// layoutScript renders the Finder AppleScript arranging the window of volume
func layoutScript(volume string, spec *Specification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tell application \"Finder\"\n")
	fmt.Fprintf(&b, "\ttell disk \"%s\"\n", appleScriptEscape(volume))
	fmt.Fprintf(&b, "\t\topen\n")
	fmt.Fprintf(&b, "\t\tset current view of container window to icon view\n")
	fmt.Fprintf(&b, "\t\tset toolbar visible of container window to false\n")
	fmt.Fprintf(&b, "\t\tset statusbar visible of container window to false\n")
	fmt.Fprintf(&b, "\t\tset the bounds of container window to {100, 100, %d, %d}\n",
		100+spec.Window.Width, 100+spec.Window.Height)
	fmt.Fprintf(&b, "\t\tset viewOptions to the icon view options of container window\n")
	fmt.Fprintf(&b, "\t\tset arrangement of viewOptions to not arranged\n")
	if spec.IconSize > 0 {
		fmt.Fprintf(&b, "\t\tset icon size of viewOptions to %d\n", spec.IconSize)
	}
	if spec.Background != "" {
		fmt.Fprintf(&b, "\t\tset background picture of viewOptions to file \"%s:%s\"\n",
			backgroundDir, appleScriptEscape(filepath.Base(spec.Background)))
	}
	for _, c := range spec.Contents {
		fmt.Fprintf(&b, "\t\tset position of item \"%s\" of container window to {%d, %d}\n",
			appleScriptEscape(c.Name()), c.X, c.Y)
	}
	fmt.Fprintf(&b, "\t\tclose\n")
	fmt.Fprintf(&b, "\t\topen\n")
	fmt.Fprintf(&b, "\t\tupdate without registering applications\n")
	fmt.Fprintf(&b, "\t\tdelay 1\n")
	fmt.Fprintf(&b, "\t\tclose\n")
	fmt.Fprintf(&b, "\tend tell\n")
	fmt.Fprintf(&b, "end tell\n")
	return b.String()
}

func appleScriptEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
