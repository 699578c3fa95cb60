package device

import (
	"fmt"
	"strconv"
	"time"

	"github.com/example/print-agent/internal/config"
)

// PlateParam is the path of the toolpath inside the packaged archive.
const PlateParam = "Metadata/plate_1.gcode"

// Command is the envelope published on the request topic to start a print.
type Command struct {
	Print      PrintParams `json:"print"`
	UserID     string      `json:"user_id"`
	SequenceID string      `json:"sequence_id"`
}

type PrintParams struct {
	Command       string `json:"command"`
	Param         string `json:"param"`
	URL           string `json:"url"`
	PlateIdx      int    `json:"plate_idx"`
	SubtaskName   string `json:"subtask_name"`
	BedType       string `json:"bed_type"`
	Timelapse     bool   `json:"timelapse"`
	BedLeveling   bool   `json:"bed_leveling"`
	FlowCali      bool   `json:"flow_cali"`
	VibrationCali bool   `json:"vibration_cali"`
	LayerInspect  bool   `json:"layer_inspect"`
	UseAMS        bool   `json:"use_ams"`
}

// FileURL is the device-local URL of a file staged in cacheDir.
func FileURL(cacheDir, remoteName string) string {
	return fmt.Sprintf("file:///sdcard/%s/%s", cacheDir, remoteName)
}

// NewPrintCommand builds the project_file command for a staged file. The
// sequence id is derived from now in epoch seconds.
func NewPrintCommand(cacheDir, remoteName, subtaskName string, opts config.PrintOptions, now time.Time) Command {
	return Command{
		Print: PrintParams{
			Command:       "project_file",
			Param:         PlateParam,
			URL:           FileURL(cacheDir, remoteName),
			PlateIdx:      0,
			SubtaskName:   subtaskName,
			BedType:       opts.BedType,
			Timelapse:     opts.Timelapse,
			BedLeveling:   opts.BedLeveling,
			FlowCali:      opts.FlowCali,
			VibrationCali: opts.VibrationCali,
			LayerInspect:  opts.LayerInspect,
			UseAMS:        opts.UseAMS,
		},
		UserID:     "0",
		SequenceID: strconv.FormatInt(now.Unix(), 10),
	}
}

// pushAll asks the device to publish a full state snapshot. It does not
// start or change a print.
var pushAll = []byte(`{"pushing":{"sequence_id":"0","command":"pushall"}}`)
