package codesign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aluedeke/go-create-dmg/pkg/command"
)

const (
	securityPath = "/usr/bin/security"
	codesignPath = "/usr/bin/codesign"
)

var (
	// ErrIdentityNotFound is returned when no usable identity is installed
	ErrIdentityNotFound = errors.New("no suitable code signing identity found")

	// ErrSigningFailed is returned when codesign rejects the image. The image
	// itself is left intact and unsigned.
	ErrSigningFailed = errors.New("code signing failed")

	// ErrNotSigned is returned when the image carries no signing authority
	ErrNotSigned = errors.New("the DMG is not code signed")
)

// identityPrecedence lists certificate labels from most to least preferred.
// Developer ID certificates are the only ones Gatekeeper accepts outside the
// developer's own machines.
var identityPrecedence = []string{
	"Developer ID Application",
	"Mac Developer",
	"Apple Development",
}

var authorityPattern = regexp.MustCompile(`(?m)^Authority=(.*)$`)

// Signer signs and verifies disk images with the system codesign tool
type Signer struct {
	Runner command.Runner
	Logger *slog.Logger
}

// NewSigner creates a Signer running tools through runner
func NewSigner(runner command.Runner, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{Runner: runner, Logger: logger}
}

// ResolveIdentity returns explicit when set. Otherwise it lists the installed
// code signing identities and picks one by label precedence.
func (s *Signer) ResolveIdentity(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	res, err := s.Runner.Run(ctx, securityPath, "find-identity", "-v", "-p", "codesigning")
	if err != nil {
		return "", fmt.Errorf("failed to list signing identities: %w", err)
	}

	identity, ok := SelectIdentity(res.Stdout)
	if !ok {
		return "", ErrIdentityNotFound
	}
	s.Logger.Debug("resolved signing identity", "identity", identity)
	return identity, nil
}

// SelectIdentity picks the preferred identity label present in the output of
// `security find-identity`
func SelectIdentity(output string) (string, bool) {
	for _, label := range identityPrecedence {
		if strings.Contains(output, label) {
			return label, true
		}
	}
	return "", false
}

// Sign signs the image at dmgPath with identity. codesign itself validates
// the identity.
func (s *Signer) Sign(ctx context.Context, identity, dmgPath string) error {
	s.Logger.Debug("signing disk image", "identity", identity, "path", dmgPath)
	if _, err := s.Runner.Run(ctx, codesignPath, "--sign", identity, dmgPath); err != nil {
		return fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	return nil
}

// Verify returns the leaf signing authority reported by codesign for dmgPath
func (s *Signer) Verify(ctx context.Context, dmgPath string) (string, error) {
	res, err := s.Runner.Run(ctx, codesignPath, dmgPath, "--display", "--verbose=2")

	var stderr string
	if res != nil {
		stderr = res.Stderr
	}
	authority, ok := ParseAuthority(stderr)
	if !ok {
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNotSigned, err)
		}
		return "", ErrNotSigned
	}
	return authority, nil
}

// ParseAuthority extracts the first Authority= line of `codesign --display`
// diagnostics
func ParseAuthority(output string) (string, bool) {
	m := authorityPattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
