// Command printagent runs one print job from the terminal: it designs a part
// from a description, slices it and prints it, reporting each stage on
// stdout.
//
//	printagent "a 40mm cable clip"
//	printagent -upload-only part.gcode.3mf
//	printagent -slice-only part.scad
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/example/print-agent/internal/ai"
	"github.com/example/print-agent/internal/blob"
	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/device"
	"github.com/example/print-agent/internal/model"
	"github.com/example/print-agent/internal/pipeline"
	"github.com/example/print-agent/internal/session"
	"github.com/example/print-agent/internal/store"
	"github.com/example/print-agent/internal/toolchain"
)

var deviceKeys = []string{config.EnvHost, config.EnvSerial, config.EnvAccessCode}

func main() {
	uploadOnly := flag.String("upload-only", "", "print an existing .gcode.3mf, skipping generation and slicing")
	sliceOnly := flag.String("slice-only", "", "compile and slice an existing .scad without printing")
	monitor := flag.Bool("monitor", true, "follow the print until it ends")
	profilePath := flag.String("profile", "", "printer profile YAML (overrides PRINT_AGENT_PROFILE)")
	flag.Parse()

	envPath := config.LoadDotEnv()
	if envPath == "" {
		envPath = ".env"
	}
	cfg := config.Load()
	if *profilePath != "" {
		cfg.ProfilePath = *profilePath
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	var err error
	switch {
	case *sliceOnly != "":
		err = slice(cfg, *sliceOnly)
	case *uploadOnly != "":
		err = runPrint(cfg, envPath, *monitor, func(ctx context.Context, o *pipeline.Orchestrator, opts pipeline.Options) <-chan model.Message {
			return o.Print(ctx, *uploadOnly, opts)
		}, deviceKeys...)
	default:
		var prompt string
		prompt, err = readPrompt(flag.Args(), os.Stdin)
		if err == nil {
			err = runPrint(cfg, envPath, *monitor, func(ctx context.Context, o *pipeline.Orchestrator, opts pipeline.Options) <-chan model.Message {
				return o.Run(ctx, prompt, opts)
			}, append([]string{config.EnvAPIKey}, deviceKeys...)...)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func readPrompt(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	fmt.Print("Describe the part to print: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	prompt := strings.TrimSpace(line)
	if prompt == "" {
		return "", pipeline.ErrPromptRequired
	}
	return prompt, nil
}

func slice(cfg config.Config, scadPath string) error {
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("[1/2] running openscad cli...")
	stl, err := toolchain.NewOpenSCAD(cfg.Toolchain.OpenSCAD).Compile(ctx, scadPath)
	if err != nil {
		return errors.New(model.Diagnostic(err))
	}
	fmt.Println("      saved", stl)

	fmt.Println("[2/2] orca-slicer slicing...")
	slicer := toolchain.NewOrcaSlicer(cfg.Toolchain.OrcaSlicer, cfg.Toolchain.ProfilesDir, profile.Slicer)
	toolpath, err := slicer.Slice(ctx, stl)
	if err != nil {
		return errors.New(model.Diagnostic(err))
	}
	fmt.Println("      saved", toolpath)
	return nil
}

type starter func(ctx context.Context, o *pipeline.Orchestrator, opts pipeline.Options) <-chan model.Message

func runPrint(cfg config.Config, envPath string, monitor bool, start starter, required ...string) error {
	if err := config.PromptMissing(os.Stdin, os.Stdout, envPath, required...); err != nil {
		return err
	}
	profilePath := cfg.ProfilePath
	cfg = config.Load()
	cfg.ProfilePath = profilePath
	if err := cfg.Device.Validate(); err != nil {
		return err
	}
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	jobs, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return err
	}
	defer jobs.Close()

	orch := &pipeline.Orchestrator{
		Compiler:  toolchain.NewOpenSCAD(cfg.Toolchain.OpenSCAD),
		Slicer:    toolchain.NewOrcaSlicer(cfg.Toolchain.OrcaSlicer, cfg.Toolchain.ProfilesDir, profile.Slicer),
		Transport: device.NewClient(cfg.Device),
		Session: session.Options{
			CacheDir:    cfg.Device.CacheDir,
			SubtaskName: profile.SubtaskName,
			Print:       profile.Print,
		},
		Registry: session.NewRegistry(),
		Jobs:     jobs,
		Blobs:    blob.LocalFS{Root: cfg.DataDir},
	}
	if cfg.AI.APIKey != "" {
		generator, err := ai.NewGenerator(cfg.AI)
		if err != nil {
			return err
		}
		orch.Producer = generator
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			fmt.Println("\nCancelling...")
			cancel()
			orch.CancelCurrent()
		}
	}()

	var last model.Message
	for msg := range start(ctx, orch, pipeline.Options{Monitor: monitor}) {
		render(os.Stdout, msg)
		last = msg
	}
	if last.Error != "" {
		return errors.New("print job failed")
	}
	return nil
}

// render writes one message as console lines.
func render(w io.Writer, msg model.Message) {
	switch {
	case msg.StageEvent != nil:
		switch msg.Status {
		case model.StageActive:
			fmt.Fprintf(w, "[%d/%d] %s\n", msg.Stage+1, model.StageCount, msg.Detail)
		case model.StageDone:
			fmt.Fprintf(w, "      %s\n", msg.Message)
		case model.StageCancelled:
			fmt.Fprintln(w, "      cancelled")
		case model.StageError:
			fmt.Fprintf(w, "      failed:\n%s\n", indent(msg.Message))
		}
	case msg.Report != nil:
		fmt.Fprintf(w, "      printer: %s\n", msg.Report.Text)
	case msg.Error != "":
		fmt.Fprintln(w, "Job failed.")
	case msg.Done:
		switch msg.Outcome {
		case model.OutcomePending:
			fmt.Fprintln(w, "Print started. Not monitoring; check the printer for progress.")
		case model.OutcomeCancelled:
			fmt.Fprintln(w, "Job cancelled.")
		default:
			fmt.Fprintln(w, "Print finished.")
		}
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "        " + line
	}
	return strings.Join(lines, "\n")
}
