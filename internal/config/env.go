package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the nearest .env file, searching up to five parent
// directories from the working directory. It returns the path loaded, or ""
// when none was found.
func LoadDotEnv() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return envPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
	return ""
}

// PromptMissing asks on out for every key in keys that has no value in the
// environment, sets it for this process, and offers to save it to envPath.
func PromptMissing(in io.Reader, out io.Writer, envPath string, keys ...string) error {
	reader := bufio.NewReader(in)
	for _, key := range keys {
		if os.Getenv(key) != "" {
			continue
		}
		fmt.Fprintf(out, "Enter %s: ", key)
		value, err := readLine(reader)
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("%s is required", key)
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}

		fmt.Fprintf(out, "Save %s to %s for future runs? [y/N]: ", key, envPath)
		answer, err := readLine(reader)
		if err != nil {
			return err
		}
		if strings.ToLower(answer) != "y" {
			continue
		}
		if err := saveEnv(envPath, key, value); err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved to %s\n", envPath)
	}
	return nil
}

func saveEnv(envPath, key, value string) error {
	values, err := godotenv.Read(envPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", envPath, err)
		}
		values = map[string]string{}
	}
	values[key] = value
	if err := godotenv.Write(values, envPath); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}
	return nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
