// Package ai produces an OpenSCAD description of a part from a text prompt.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/example/print-agent/internal/blob"
	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/model"
)

const generateStage = "Model generation"

const systemPrompt = "You are an expert OpenSCAD programmer generating models for FDM 3D printing on a Bambu Lab A1 Mini " +
	"(0.4mm nozzle, 0.2mm layer height). Respond with ONLY valid OpenSCAD code, no explanation, no markdown. " +
	"Rules: " +
	"(1) All walls must be at least 1.6mm thick (4 perimeters). " +
	"(2) Use CSG primitives (cube, sphere, cylinder, union, difference, intersection, rotate_extrude, linear_extrude); avoid polyhedron unless absolutely necessary. " +
	"(3) No overhangs greater than 45 degrees; the object must be printable without supports. " +
	"(4) The object must have a flat base that sits flush on the print bed. " +
	"(5) All dimensions in millimeters, keep the object within 150x150x150mm. " +
	"(6) Define all key dimensions as variables at the top. " +
	"(7) Include $fn = 64 for smooth curves."

var ErrNotConfigured = errors.New("ai: " + config.EnvAPIKey + " is not set")

type messageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Generator struct {
	messages  messageClient
	model     string
	maxTokens int64
	now       func() time.Time
}

func NewGenerator(cfg config.AI) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &Generator{
		messages:  &client.Messages,
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		now:       time.Now,
	}, nil
}

// Produce asks the model for OpenSCAD source describing prompt and writes it
// to {unix}.scad in workDir.
func (g *Generator) Produce(ctx context.Context, workDir, prompt string) (string, error) {
	msg, err := g.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", generateStage, model.ErrCancelled)
		}
		return "", &model.CollaboratorError{Stage: generateStage, Diagnostic: err.Error(), Err: err}
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	code := StripFences(text)
	if code == "" {
		return "", &model.CollaboratorError{
			Stage:      generateStage,
			Diagnostic: fmt.Sprintf("model returned no OpenSCAD code (stop reason %q)", msg.StopReason),
			Err:        errors.New("empty response"),
		}
	}

	name := fmt.Sprintf("%d.scad", g.now().Unix())
	path, err := blob.LocalFS{Root: workDir}.Put(name, strings.NewReader(code))
	if err != nil {
		return "", fmt.Errorf("save model: %w", err)
	}
	slog.Info("Saved OpenSCAD", "path", path, "bytes", len(code))
	return path, nil
}

// StripFences removes a markdown code fence wrapped around the model's
// answer, if there is one.
func StripFences(text string) string {
	code := strings.TrimSpace(text)
	if !strings.HasPrefix(code, "```") {
		return code
	}
	if i := strings.IndexByte(code, '\n'); i >= 0 {
		code = code[i+1:]
	} else {
		code = strings.TrimPrefix(code, "```")
	}
	if strings.HasSuffix(code, "```") {
		code = code[:strings.LastIndex(code, "```")]
	}
	return strings.TrimSpace(code)
}
