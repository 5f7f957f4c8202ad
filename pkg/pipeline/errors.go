package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aluedeke/go-create-dmg/pkg/command"
)

// Kind classifies a failed run and decides the process exit code
type Kind struct {
	name     string
	exitCode int
}

func (k *Kind) Error() string { return k.name }

// ExitCode is the process exit status for this kind of failure
func (k *Kind) ExitCode() int { return k.exitCode }

// Failure kinds. Use errors.Is to match them against a run error.
var (
	ErrInputNotFound           = &Kind{"input not found", 1}
	ErrMetadata                = &Kind{"invalid app metadata", 1}
	ErrUnsupportedTitle        = &Kind{"unsupported disk image title", 1}
	ErrComposeIcon             = &Kind{"icon composition failed", 1}
	ErrAssembly                = &Kind{"disk image assembly failed", 1}
	ErrSigningIdentityNotFound = &Kind{"no signing identity", 1}
	ErrVerification            = &Kind{"signature verification failed", 1}

	// ErrLicenseInjection fails after the image was assembled
	ErrLicenseInjection = &Kind{"license injection failed", 2}

	// ErrSigningFailed leaves a valid, unsigned image behind
	ErrSigningFailed = &Kind{"code signing failed", 2}

	// ErrUnexpected covers failures after the image was written
	ErrUnexpected = &Kind{"unexpected failure", 2}
)

// Stage names a pipeline step
type Stage string

const (
	StageInput       Stage = "input"
	StageMetadata    Stage = "metadata"
	StageTitle       Stage = "title"
	StagePrepare     Stage = "prepare"
	StageComposeIcon Stage = "compose-icon"
	StageAssemble    Stage = "assemble"
	StageLicense     Stage = "license"
	StageSign        Stage = "sign"
	StageVerify      Stage = "verify"
)

// StageError is the error of a failed run
type StageError struct {
	Kind  *Kind
	Stage Stage
	Err   error

	// message overrides the text shown to the user
	message string
}

func newStageError(kind *Kind, stage Stage, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Stderr is the trimmed stderr of the external tool that failed, if any
func (e *StageError) Stderr() string {
	return command.Stderr(e.Err)
}

// Message is the text shown to the user for this failure
func (e *StageError) Message() string {
	if e.message != "" {
		return e.message
	}

	detail := e.Stderr()
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}

	switch e.Kind {
	case ErrAssembly:
		return "Building the DMG failed. " + detail
	case ErrSigningFailed:
		return strings.TrimRight("Code signing failed. The DMG is fine, just not code signed.\n"+detail, "\n")
	case ErrVerification:
		return "Not code signed"
	case ErrSigningIdentityNotFound:
		return "No suitable code signing identity found"
	}
	if detail == "" {
		return e.Kind.Error()
	}
	return detail
}

// ExitCode maps a run error to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind.ExitCode()
	}
	return 1
}

// Message returns the user facing text of a run error
func Message(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Message()
	}
	return err.Error()
}
