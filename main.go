package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/aluedeke/go-create-dmg/pkg/assemble"
	"github.com/aluedeke/go-create-dmg/pkg/assets"
	"github.com/aluedeke/go-create-dmg/pkg/bundle"
	"github.com/aluedeke/go-create-dmg/pkg/codesign"
	"github.com/aluedeke/go-create-dmg/pkg/command"
	"github.com/aluedeke/go-create-dmg/pkg/config"
	"github.com/aluedeke/go-create-dmg/pkg/icon"
	"github.com/aluedeke/go-create-dmg/pkg/license"
	"github.com/aluedeke/go-create-dmg/pkg/pipeline"
	"github.com/aluedeke/go-create-dmg/pkg/status"
)

const version = "1.0.0"

const usage = `create-dmg - Create a good-looking DMG for your macOS app

Usage:
  create-dmg <app> [<destination>] [--overwrite] [--no-version-in-filename] [--identity=<id> | --p12=<path>] [--dmg-title=<title>] [--no-code-sign] [--raster-engine=<engine>] [--verbose]
  create-dmg -h | --help
  create-dmg --version

Arguments:
  <app>                     The .app bundle to package
  <destination>             Output directory (defaults to the current directory)

Options:
  --overwrite               Overwrite an existing DMG with the same name
  --no-version-in-filename  Exclude the version number from the DMG filename
  --identity=<id>           Code signing identity, by name or SHA-1 (automatic by default)
  --p12=<path>              Sign with the certificate in this PKCS#12 file (must be in the keychain)
  --dmg-title=<title>       DMG title, at most 27 characters (defaults to the app name)
  --no-code-sign            Skip code signing the DMG
  --raster-engine=<engine>  Icon engine: auto, native, imagemagick or none
  --verbose                 Print diagnostics
  -h --help                 Show this help message
  --version                 Show version

Environment Variables:
  CREATE_DMG_IDENTITY       Code signing identity (overridden by --identity)
  CREATE_DMG_P12            PKCS#12 file (overridden by --p12)
  CREATE_DMG_P12_PASSWORD   PKCS#12 password
  CREATE_DMG_RASTER_ENGINE  Icon engine (overridden by --raster-engine)
  CREATE_DMG_DEBUG          Print diagnostics when true

A .create-dmg.yaml file in the current directory can set identity, p12,
dmg-title, overwrite, version-in-filename, code-sign, raster-engine,
background and icon-size. Put a license.rtf or license.txt next to it to
add a license agreement to the DMG.

Examples:
  # Create "Lungo 1.0.0.dmg" in the current directory
  create-dmg 'Lungo.app'

  # Write to another directory
  create-dmg 'Lungo.app' Build/Releases

  # Use a specific certificate
  create-dmg 'Lungo.app' --identity='Developer ID Application: Lungo Inc (ABCDE12345)'
`

// arguments holds the parsed command line
type arguments struct {
	App         string
	Destination string
	Flags       config.Flags
}

func parseArgs(parser *docopt.Parser, argv []string) (*arguments, error) {
	opts, err := parser.ParseArgs(usage, argv, version)
	if err != nil {
		return nil, err
	}

	args := &arguments{}
	args.App, _ = opts.String("<app>")
	args.Destination, _ = opts.String("<destination>")

	if v, _ := opts.String("--identity"); v != "" {
		args.Flags.Identity = &v
	}
	if v, _ := opts.String("--p12"); v != "" {
		args.Flags.P12 = &v
	}
	if v, _ := opts.String("--dmg-title"); v != "" {
		args.Flags.DMGTitle = &v
	}
	if v, _ := opts.String("--raster-engine"); v != "" {
		args.Flags.RasterEngine = &v
	}
	if v, _ := opts.Bool("--overwrite"); v {
		args.Flags.Overwrite = &v
	}
	if v, _ := opts.Bool("--no-version-in-filename"); v {
		off := false
		args.Flags.VersionInFilename = &off
	}
	if v, _ := opts.Bool("--no-code-sign"); v {
		off := false
		args.Flags.CodeSign = &off
	}
	if v, _ := opts.Bool("--verbose"); v {
		args.Flags.Verbose = &v
	}
	return args, nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func main() {
	args, err := parseArgs(&docopt.Parser{HelpHandler: docopt.PrintHelpAndExit}, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if runtime.GOOS != "darwin" {
		fmt.Fprintln(os.Stderr, "macOS only")
		os.Exit(1)
	}

	os.Exit(run(args))
}

// run executes one invocation and returns the exit code. Deferred cleanup
// runs before main exits.
func run(args *arguments) int {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(wd, args.Flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := newLogger(os.Stderr, cfg.Debug)

	mode, err := icon.ParseMode(cfg.RasterEngine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	identity := cfg.Identity
	if cfg.P12 != "" && cfg.CodeSign {
		id, err := codesign.LoadSigningIdentityFile(cfg.P12, cfg.P12Password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if id.Expired(time.Now()) {
			logger.Warn("signing certificate is not valid now", "certificate", id.Name(), "not-after", id.Certificate.NotAfter)
		}
		logger.Debug("pinned signing identity", "certificate", id.Name(), "team", id.TeamID, "sha1", id.Fingerprint())
		identity = id.Fingerprint()
	}

	scratch, err := os.MkdirTemp("", "create-dmg-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer os.RemoveAll(scratch)

	assetsDir, err := assets.Extract(scratch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer assetsDir.Cleanup()

	background := cfg.Background
	if background == "" {
		background = assetsDir.BackgroundPath
	}

	runner := command.New(logger)
	st := status.New(os.Stderr)

	p := &pipeline.Pipeline{
		Reader: bundle.NewReader(runner, logger),
		Composer: &icon.Composer{
			Engine:       icon.SelectEngine(runner, mode, logger),
			Template:     assets.DiskIcon,
			TemplatePath: assetsDir.DiskIconPath,
			ScratchDir:   scratch,
			Logger:       logger,
		},
		Assembler: assemble.NewHdiutilAssembler(runner, scratch, logger),
		License:   license.NewInjector(runner, wd, scratch, logger),
		Signer:    codesign.NewSigner(runner, logger),
		Reporter:  st,
		Logger:    logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st.Start("Creating DMG")
	rc, err := p.Run(ctx, pipeline.Options{
		AppPath:           args.App,
		Destination:       args.Destination,
		WorkDir:           wd,
		Title:             cfg.DMGTitle,
		Overwrite:         cfg.Overwrite,
		VersionInFilename: cfg.VersionInFilename,
		CodeSign:          cfg.CodeSign,
		Identity:          identity,
		InspectSignature:  cfg.Debug,
		TemplateIconPath:  assetsDir.DiskIconPath,
		BackgroundPath:    background,
		IconSize:          cfg.IconSize,
	})
	if err != nil {
		st.Fail(pipeline.Message(err))
		logger.Debug("run failed", "error", err)
		return pipeline.ExitCode(err)
	}

	st.Succeed(fmt.Sprintf("Created \"%s\"", rc.Filename))
	return 0
}
