package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the per-printer print and slicing configuration, read from a
// YAML file.
type Profile struct {
	SubtaskName string        `yaml:"subtask_name"`
	Print       PrintOptions  `yaml:"print"`
	Slicer      SlicerProfile `yaml:"slicer"`
}

// PrintOptions are the device options carried by a print command.
type PrintOptions struct {
	BedType       string `yaml:"bed_type"`
	Timelapse     bool   `yaml:"timelapse"`
	BedLeveling   bool   `yaml:"bed_leveling"`
	FlowCali      bool   `yaml:"flow_cali"`
	VibrationCali bool   `yaml:"vibration_cali"`
	LayerInspect  bool   `yaml:"layer_inspect"`
	UseAMS        bool   `yaml:"use_ams"`
}

// SlicerProfile names the Orca profile files, relative to the profiles
// directory, and the overrides patched into them before slicing.
type SlicerProfile struct {
	Machine                string `yaml:"machine"`
	Process                string `yaml:"process"`
	Filament               string `yaml:"filament"`
	BeforeLayerChangeGcode string `yaml:"before_layer_change_gcode"`
	BrimType               string `yaml:"brim_type"`
	BrimWidth              string `yaml:"brim_width"`
}

var bedTypes = map[string]bool{
	"auto":           true,
	"cool_plate":     true,
	"eng_plate":      true,
	"hot_plate":      true,
	"textured_plate": true,
}

func DefaultProfile() Profile {
	return Profile{
		SubtaskName: "ai_print",
		Print: PrintOptions{
			BedType:       "auto",
			BedLeveling:   true,
			VibrationCali: true,
		},
		Slicer: SlicerProfile{
			Machine:                "machine/Bambu Lab A1 mini 0.4 nozzle.json",
			Process:                "process/0.20mm Standard @BBL A1M.json",
			Filament:               "filament/Bambu PLA Basic @BBL A1M.json",
			BeforeLayerChangeGcode: "G92 E0",
			BrimType:               "outer_only",
			BrimWidth:              "5",
		},
	}
}

// LoadProfile reads a profile from path. Keys missing from the file keep
// their defaults; an empty path returns DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func (p Profile) Validate() error {
	if !bedTypes[p.Print.BedType] {
		return fmt.Errorf("invalid bed_type %q", p.Print.BedType)
	}
	if p.SubtaskName == "" {
		return fmt.Errorf("subtask_name is required")
	}
	return nil
}
