// Package task defines what a pipeline asks the backend for each document
// and how the answers are decoded and rendered back to the user.
package task

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nepiskopos/open-webui-enhancements/internal/backend"
	"github.com/nepiskopos/open-webui-enhancements/internal/config"
)

// Profile is one document task.
type Profile struct {
	Name         string
	SystemPrompt string
	UserTemplate string
	// Decode turns raw model output into the JSON stored on the staged file.
	Decode func(raw string) (json.RawMessage, error)
	// Render produces the markdown section for one file.
	Render func(filename string, result json.RawMessage) string
}

// Prompt fills the user template with the document text.
func (p Profile) Prompt(text string) backend.Prompt {
	return backend.Prompt{
		System: p.SystemPrompt,
		User:   strings.ReplaceAll(p.UserTemplate, "{text}", text),
	}
}

// ForTask returns the profile configured by a pipeline's task field.
func ForTask(name string) (Profile, error) {
	switch name {
	case config.TaskSummary:
		return Summary(), nil
	case config.TaskPII:
		return PII(), nil
	default:
		return Profile{}, fmt.Errorf("unknown task %q", name)
	}
}

// Section separator between per-file renders.
const Separator = "\n\n---\n\n"

func dedent(s string) string {
	lines := strings.Split(strings.Trim(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
