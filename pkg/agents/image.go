package agents

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"agentflow/pkg/bus"
	"agentflow/pkg/registry"
)

// imageAnalyzer inspects the image and hands its description on. Reading text
// out of pixels is left to the description the caller supplies.
type imageAnalyzer struct{}

func newImageAnalyzer(*registry.Env) (registry.Agent, error) {
	return imageAnalyzer{}, nil
}

func (imageAnalyzer) Handle(_ context.Context, env *registry.Env, msg bus.Message) error {
	data, err := requestData(msg)
	if err != nil {
		return err
	}
	if err := env.Progress(5, "inspecting image"); err != nil {
		return err
	}

	var facts []string
	if encoded := stringField(data, "image_base64"); encoded != "" {
		format, width, height, err := inspectImage(encoded)
		if err != nil {
			return env.Fail(bus.ErrorKindValidation, err.Error())
		}
		facts = append(facts, fmt.Sprintf("%s image, %dx%d", format, width, height))
	} else if url := stringField(data, "url"); url != "" {
		if err := env.Warn("remote images are not downloaded; using the description only"); err != nil {
			return err
		}
		facts = append(facts, "image at "+url)
	}
	if len(facts) > 0 {
		if err := env.Info(strings.Join(facts, "; ")); err != nil {
			return err
		}
	}

	description := stringField(data, "description")
	if description == "" {
		return env.Fail(bus.ErrorKindValidation, "image has no description to derive requirements from")
	}

	return env.Forward(TopicRequirementAnalyzer, map[string]any{
		"text":   description,
		"source": "image",
	})
}

func inspectImage(encoded string) (format string, width int, height int, err error) {
	if _, payload, ok := strings.Cut(encoded, ";base64,"); ok {
		encoded = payload
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", 0, 0, fmt.Errorf("image_base64 is not valid base64: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return "", 0, 0, fmt.Errorf("unsupported image: %w", err)
	}
	return format, cfg.Width, cfg.Height, nil
}
