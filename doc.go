// Package main provides the create-dmg CLI, which packages a macOS .app
// bundle into a signed disk image with a composed volume icon.
//
// The library packages live under pkg/:
//
//	import "github.com/aluedeke/go-create-dmg/pkg/pipeline"
//
// # Installation
//
//	go install github.com/aluedeke/go-create-dmg@latest
//
// # Exit codes
//
//	0  the DMG was created (and signed unless --no-code-sign)
//	1  nothing usable was produced, or the signature did not verify
//	2  the DMG exists but adding the license or signing failed, or a late
//	   step failed unexpectedly
package main
