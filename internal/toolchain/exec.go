// Package toolchain wraps the command line tools that turn a CAD description
// into a printable toolpath: OpenSCAD for meshing and OrcaSlicer for slicing.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/example/print-agent/internal/model"
)

// runner executes a tool and returns what it wrote to stdout and stderr.
type runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

func execRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	slog.Debug("Running tool", "name", name, "args", args)
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// toolError classifies a failed tool run. The tool's own output is carried
// unmodified: stderr, or stdout when stderr is empty.
func toolError(ctx context.Context, stage, stdout, stderr string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", stage, model.ErrCancelled)
	}
	diagnostic := stderr
	if strings.TrimSpace(diagnostic) == "" {
		diagnostic = stdout
	}
	return &model.CollaboratorError{Stage: stage, Diagnostic: diagnostic, Err: err}
}
