package toolchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/model"
)

const sliceStage = "OrcaSlicer slicing"

// OrcaSlicer slices meshes with the Orca CLI using the machine, process and
// filament profiles named by a config.SlicerProfile.
type OrcaSlicer struct {
	Bin         string
	ProfilesDir string
	Profile     config.SlicerProfile
	run         runner
}

func NewOrcaSlicer(bin, profilesDir string, profile config.SlicerProfile) *OrcaSlicer {
	return &OrcaSlicer{Bin: bin, ProfilesDir: profilesDir, Profile: profile, run: execRunner}
}

// Slice turns stlPath into a packaged toolpath in the same directory and
// returns the package path.
func (o *OrcaSlicer) Slice(ctx context.Context, stlPath string) (string, error) {
	dir := filepath.Dir(stlPath)

	machine, err := o.patchProfile(dir, o.Profile.Machine, map[string]any{
		"before_layer_change_gcode": o.Profile.BeforeLayerChangeGcode,
	})
	if err != nil {
		return "", err
	}
	defer os.Remove(machine)

	process, err := o.patchProfile(dir, o.Profile.Process, map[string]any{
		"brim_type":  o.Profile.BrimType,
		"brim_width": o.Profile.BrimWidth,
	})
	if err != nil {
		return "", err
	}
	defer os.Remove(process)

	started := time.Now()
	stdout, stderr, err := o.run(ctx, o.Bin,
		"--load-settings", machine+";"+process,
		"--load-filaments", filepath.Join(o.ProfilesDir, o.Profile.Filament),
		"--slice", "0",
		"--outputdir", dir,
		stlPath,
	)
	if err != nil {
		return "", toolError(ctx, sliceStage, stdout, stderr, err)
	}

	gcode, err := findToolpath(stlPath, started)
	if err != nil {
		return "", err
	}
	slog.Info("Sliced G-code", "path", gcode)
	return Package(gcode)
}

// patchProfile copies a profile into dir with overrides applied. Empty
// override values leave the original setting alone.
func (o *OrcaSlicer) patchProfile(dir, name string, overrides map[string]any) (string, error) {
	raw, err := os.ReadFile(filepath.Join(o.ProfilesDir, name))
	if err != nil {
		return "", fmt.Errorf("read slicer profile: %w", err)
	}
	settings := map[string]any{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return "", fmt.Errorf("parse slicer profile %s: %w", name, err)
	}
	for k, v := range overrides {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		settings[k] = v
	}

	f, err := os.CreateTemp(dir, "profile-*.json")
	if err != nil {
		return "", fmt.Errorf("write slicer profile: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(settings); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write slicer profile: %w", err)
	}
	return f.Name(), nil
}

// findToolpath returns the G-code the slicer wrote for stlPath. Orca names
// its output after the plate on some versions, so the newest .gcode in the
// directory is accepted when the expected name is missing.
func findToolpath(stlPath string, since time.Time) (string, error) {
	expected := swapExt(stlPath, ".gcode")
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}

	candidates, err := filepath.Glob(filepath.Join(filepath.Dir(stlPath), "*.gcode"))
	if err != nil {
		return "", err
	}
	var (
		newest   string
		newestAt time.Time
	)
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest, newestAt = c, info.ModTime()
		}
	}
	if newest == "" {
		return "", &model.CollaboratorError{
			Stage:      sliceStage,
			Diagnostic: "OrcaSlicer ran but no .gcode output was found.",
			Err:        errors.New("missing output"),
		}
	}
	if newestAt.Before(since.Add(-time.Second)) {
		slog.Warn("Using G-code older than this slicer run", "path", newest, "modified", newestAt)
	}
	return newest, nil
}
