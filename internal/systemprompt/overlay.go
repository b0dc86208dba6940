// Package systemprompt implements the optional file-backed system prompt
// overlay: injecting an operator-configured prompt into every request, and
// mirroring the effective prompt to disk for observability.
package systemprompt

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kiro-gateway/kiro-gateway/internal/claude"
)

// Mode selects how the configured prompt combines with the request's own.
type Mode string

const (
	// ModeAppend appends the configured prompt after the request's system text.
	ModeAppend Mode = "append"
	// ModeOverwrite replaces the request's system text entirely.
	ModeOverwrite Mode = "overwrite"
)

// FetchedPromptPath and InputPromptPath are the default mirror locations:
// the last-seen request system prompt, and the file-injected overlay text.
const (
	FetchedPromptPath = "configs/fetch_system_prompt.txt"
	InputPromptPath   = "configs/input_system_prompt.txt"
)

// Overlay applies the configured file-backed system prompt to req. When
// filePath is empty, Overlay mirrors the request's own system prompt (if
// any) to FetchedPromptPath and returns immediately without modifying req.
func Overlay(req *claude.MessageRequest, filePath string, mode Mode) error {
	original := req.GetSystemString()
	if original != "" {
		mirrorToFile(FetchedPromptPath, original)
	}

	if filePath == "" {
		return nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	injected := string(data)
	mirrorToFile(InputPromptPath, injected)

	var effective string
	switch mode {
	case ModeOverwrite:
		effective = injected
	default: // ModeAppend
		if original != "" {
			effective = original + "\n\n" + injected
		} else {
			effective = injected
		}
	}

	encoded, err := json.Marshal(effective)
	if err != nil {
		return err
	}
	req.System = encoded
	return nil
}

// mirrorToFile best-effort writes text to path for operator visibility;
// failures are not fatal to the request.
func mirrorToFile(path, text string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(text), 0o644)
}
