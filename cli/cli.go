// Package cli verifies that the Claude Code CLI is installed and usable
// before a session is started.
package cli

import (
	"context"
	"os/exec"
	"strings"

	sdkexec "github.com/tacogips/claude-agent-sdk-go/exec"
	"github.com/tacogips/claude-agent-sdk-go/sdkerrors"
)

// DefaultBinary is the CLI binary looked up on PATH when no explicit path
// is configured.
const DefaultBinary = "claude"

// Info describes a located CLI binary.
type Info struct {
	Path    string
	Version string
}

// Verify locates the CLI binary and probes its version. An empty path
// means DefaultBinary on PATH. A missing binary yields CLINotFoundError.
func Verify(ctx context.Context, path string, executor sdkexec.CommandExecutor) (Info, error) {
	if path == "" {
		path = DefaultBinary
	}
	if executor == nil {
		executor = sdkexec.NewRealExecutor()
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return Info{}, &sdkerrors.CLINotFoundError{Path: path}
	}

	info := Info{Path: resolved}
	out, err := executor.Output(ctx, resolved, "--version")
	if err != nil {
		// Version probing is best-effort; an odd build without --version
		// is still usable.
		return info, nil
	}
	info.Version = firstLine(string(out))
	return info, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
