package toolchain

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestOpenSCADCompile(t *testing.T) {
	dir := t.TempDir()
	scad := filepath.Join(dir, "1700000000.scad")
	writeFile(t, scad, "cube(10);")

	var gotArgs []string
	o := &OpenSCAD{Bin: "openscad", run: func(_ context.Context, name string, args ...string) (string, string, error) {
		gotArgs = append([]string{name}, args...)
		writeFile(t, args[1], "solid x\nendsolid x\n")
		return "", "", nil
	}}

	stl, err := o.Compile(context.Background(), scad)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1700000000.stl"), stl)
	assert.Equal(t, []string{"openscad", "-o", stl, scad}, gotArgs)
}

func TestOpenSCADCompileFailure(t *testing.T) {
	tests := []struct {
		name       string
		stdout     string
		stderr     string
		diagnostic string
	}{
		{
			name:       "stderr preferred",
			stdout:     "rendering",
			stderr:     "ERROR: Parser error: unsupported primitive torus in file x.scad, line 3",
			diagnostic: "ERROR: Parser error: unsupported primitive torus in file x.scad, line 3",
		},
		{
			name:       "stdout when stderr empty",
			stdout:     "WARNING: object may not be a valid 2-manifold",
			diagnostic: "WARNING: object may not be a valid 2-manifold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &OpenSCAD{Bin: "openscad", run: func(context.Context, string, ...string) (string, string, error) {
				return tt.stdout, tt.stderr, errors.New("exit status 1")
			}}
			_, err := o.Compile(context.Background(), filepath.Join(t.TempDir(), "x.scad"))

			var collab *model.CollaboratorError
			require.ErrorAs(t, err, &collab)
			assert.Equal(t, tt.diagnostic, collab.Diagnostic)
			assert.Equal(t, tt.diagnostic, model.Diagnostic(err))
			assert.True(t, strings.HasPrefix(err.Error(), "OpenSCAD compilation failed:\n"))
		})
	}
}

func TestOpenSCADCompileCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := &OpenSCAD{Bin: "openscad", run: func(ctx context.Context, _ string, _ ...string) (string, string, error) {
		return "", "", ctx.Err()
	}}
	_, err := o.Compile(ctx, "x.scad")
	assert.ErrorIs(t, err, model.ErrCancelled)
}

func TestOpenSCADCompileMissingOutput(t *testing.T) {
	o := &OpenSCAD{Bin: "openscad", run: func(context.Context, string, ...string) (string, string, error) {
		return "", "", nil
	}}
	_, err := o.Compile(context.Background(), filepath.Join(t.TempDir(), "x.scad"))
	var collab *model.CollaboratorError
	assert.ErrorAs(t, err, &collab)
}

func profilesDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "machine", "m.json"), `{"name":"A1 mini","before_layer_change_gcode":""}`)
	writeFile(t, filepath.Join(dir, "process", "p.json"), `{"layer_height":"0.2","brim_type":"auto_brim"}`)
	writeFile(t, filepath.Join(dir, "filament", "f.json"), `{"name":"PLA"}`)
	return dir
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestOrcaSlicerSlice(t *testing.T) {
	profiles := profilesDir(t)
	work := t.TempDir()
	stl := filepath.Join(work, "1700000000.stl")
	writeFile(t, stl, "solid x")

	profile := config.DefaultProfile().Slicer
	profile.Machine = "machine/m.json"
	profile.Process = "process/p.json"
	profile.Filament = "filament/f.json"

	var patched []string
	o := &OrcaSlicer{Bin: "orca-slicer", ProfilesDir: profiles, Profile: profile,
		run: func(_ context.Context, name string, args ...string) (string, string, error) {
			assert.Equal(t, "orca-slicer", name)
			require.Len(t, args, 9)
			assert.Equal(t, "--load-settings", args[0])
			patched = strings.Split(args[1], ";")
			require.Len(t, patched, 2)

			machine := readJSON(t, patched[0])
			assert.Equal(t, "G92 E0", machine["before_layer_change_gcode"])
			assert.Equal(t, "A1 mini", machine["name"])
			process := readJSON(t, patched[1])
			assert.Equal(t, "outer_only", process["brim_type"])
			assert.Equal(t, "5", process["brim_width"])
			assert.Equal(t, "0.2", process["layer_height"])

			assert.Equal(t, []string{"--load-filaments", filepath.Join(profiles, "filament/f.json"), "--slice", "0", "--outputdir", work, stl}, args[2:])
			writeFile(t, filepath.Join(work, "1700000000.gcode"), "G28\nG1 X10\n")
			return "", "", nil
		}}

	out, err := o.Slice(context.Background(), stl)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, "1700000000.gcode.3mf"), out)

	for _, p := range patched {
		assert.NoFileExists(t, p)
	}
	assert.Equal(t, "G28\nG1 X10\n", readPlate(t, out))
}

func TestOrcaSlicerFallsBackToNewestGcode(t *testing.T) {
	profiles := profilesDir(t)
	work := t.TempDir()
	stl := filepath.Join(work, "part.stl")
	writeFile(t, stl, "solid x")

	profile := config.SlicerProfile{Machine: "machine/m.json", Process: "process/p.json", Filament: "filament/f.json"}
	o := &OrcaSlicer{Bin: "orca-slicer", ProfilesDir: profiles, Profile: profile,
		run: func(context.Context, string, ...string) (string, string, error) {
			writeFile(t, filepath.Join(work, "plate_1.gcode"), "G28\n")
			return "", "", nil
		}}

	out, err := o.Slice(context.Background(), stl)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, "plate_1.gcode.3mf"), out)
}

func TestOrcaSlicerFailure(t *testing.T) {
	profiles := profilesDir(t)
	work := t.TempDir()
	profile := config.SlicerProfile{Machine: "machine/m.json", Process: "process/p.json", Filament: "filament/f.json"}

	o := &OrcaSlicer{Bin: "orca-slicer", ProfilesDir: profiles, Profile: profile,
		run: func(context.Context, string, ...string) (string, string, error) {
			return "", "Object has no facets", errors.New("exit status 255")
		}}
	_, err := o.Slice(context.Background(), filepath.Join(work, "part.stl"))
	var collab *model.CollaboratorError
	require.ErrorAs(t, err, &collab)
	assert.Equal(t, "Object has no facets", collab.Diagnostic)

	leftovers, _ := filepath.Glob(filepath.Join(work, "profile-*.json"))
	assert.Empty(t, leftovers)
}

func TestOrcaSlicerNoOutput(t *testing.T) {
	profiles := profilesDir(t)
	work := t.TempDir()
	profile := config.SlicerProfile{Machine: "machine/m.json", Process: "process/p.json", Filament: "filament/f.json"}

	o := &OrcaSlicer{Bin: "orca-slicer", ProfilesDir: profiles, Profile: profile,
		run: func(context.Context, string, ...string) (string, string, error) { return "", "", nil }}
	_, err := o.Slice(context.Background(), filepath.Join(work, "part.stl"))
	var collab *model.CollaboratorError
	require.ErrorAs(t, err, &collab)
	assert.Contains(t, collab.Diagnostic, "no .gcode output")
}

func TestOrcaSlicerMissingProfile(t *testing.T) {
	o := NewOrcaSlicer("orca-slicer", t.TempDir(), config.DefaultProfile().Slicer)
	_, err := o.Slice(context.Background(), filepath.Join(t.TempDir(), "part.stl"))
	assert.ErrorContains(t, err, "read slicer profile")
}

func readPlate(t *testing.T, path string) string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, PlateEntry, zr.File[0].Name)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(body)
}

func TestPackage(t *testing.T) {
	dir := t.TempDir()
	gcode := filepath.Join(dir, "model.gcode")
	writeFile(t, gcode, "; HEADER_BLOCK_START\nG28\n")

	out, err := Package(gcode)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model.gcode.3mf"), out)
	assert.Equal(t, "; HEADER_BLOCK_START\nG28\n", readPlate(t, out))

	_, err = Package(filepath.Join(dir, "missing.gcode"))
	assert.Error(t, err)
}
