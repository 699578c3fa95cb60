package toolchain

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/print-agent/internal/model"
)

const compileStage = "OpenSCAD compilation"

type OpenSCAD struct {
	Bin string
	run runner
}

func NewOpenSCAD(bin string) *OpenSCAD {
	return &OpenSCAD{Bin: bin, run: execRunner}
}

// Compile renders scadPath to an STL mesh next to it and returns the mesh
// path.
func (o *OpenSCAD) Compile(ctx context.Context, scadPath string) (string, error) {
	stl := swapExt(scadPath, ".stl")
	stdout, stderr, err := o.run(ctx, o.Bin, "-o", stl, scadPath)
	if err != nil {
		return "", toolError(ctx, compileStage, stdout, stderr, err)
	}
	if _, err := os.Stat(stl); err != nil {
		return "", &model.CollaboratorError{
			Stage:      compileStage,
			Diagnostic: "OpenSCAD exited cleanly but wrote no STL output.\n" + stderr,
			Err:        errors.New("missing output"),
		}
	}
	slog.Info("Compiled STL", "path", stl)
	return stl, nil
}

func swapExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
