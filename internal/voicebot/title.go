package voicebot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/sparky/pkg/provider/llm"
)

const titlePrompt = `Create a short, concise title (4 words max) for a conversation that starts with this: "%s"`

var errEmptyTitle = errors.New("voicebot: generated title is empty")

// GenerateTitle asks p for a short title for a conversation that opens with
// utterance. Quotes are stripped from the answer.
func GenerateTitle(ctx context.Context, p llm.Provider, utterance string) (string, error) {
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		Prompt: fmt.Sprintf(titlePrompt, strings.TrimSpace(utterance)),
	})
	if err != nil {
		return "", fmt.Errorf("voicebot: generate title: %w", err)
	}
	if resp == nil {
		return "", errEmptyTitle
	}
	title := strings.TrimSpace(strings.ReplaceAll(resp.Content, `"`, ""))
	if title == "" {
		return "", errEmptyTitle
	}
	return title, nil
}
