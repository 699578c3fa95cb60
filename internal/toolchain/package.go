package toolchain

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// PlateEntry is where the device looks for the toolpath inside a package.
const PlateEntry = "Metadata/plate_1.gcode"

// Package wraps a G-code file in the single-plate 3MF container the device
// accepts and returns the container path, {stem}.gcode.3mf next to the input.
func Package(gcodePath string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(gcodePath), filepath.Ext(gcodePath))
	out := filepath.Join(filepath.Dir(gcodePath), stem+".gcode.3mf")

	src, err := os.Open(gcodePath)
	if err != nil {
		return "", fmt.Errorf("open toolpath: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create package: %w", err)
	}
	zw := zip.NewWriter(dst)
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: PlateEntry, Method: zip.Deflate})
	if err == nil {
		_, err = io.Copy(entry, src)
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("write package: %w", err)
	}
	slog.Info("Wrapped toolpath as 3MF", "path", out)
	return out, nil
}
