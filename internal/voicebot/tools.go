package voicebot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/sparky/pkg/provider/live"
)

// ToolChangeRobotColor is the name of the only tool Sparky offers.
const ToolChangeRobotColor = "changeRobotColor"

// Tools returns the tool declarations sent with every session.
func Tools() []live.ToolDefinition {
	return []live.ToolDefinition{{
		Name:        ToolChangeRobotColor,
		Description: "Changes the robot's main head color.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"color": map[string]any{
					"type":        "string",
					"description": `The color to change to. Can be a color name (e.g., "red") or a hex code (e.g., "#FF0000").`,
				},
			},
			"required": []string{"color"},
		},
	}}
}

var errMissingColor = errors.New("color argument is required")

// colorArg extracts the color argument of a changeRobotColor call.
func colorArg(args map[string]any) (string, error) {
	v, ok := args["color"]
	if !ok {
		return "", errMissingColor
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("color argument must be a string, got %T", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errMissingColor
	}
	return s, nil
}

// toolResult is what the model receives for a handled call.
func toolResult(msg string) map[string]any { return map[string]any{"result": msg} }

// toolError is what the model receives for a call that could not be served.
func toolError(err error) map[string]any { return map[string]any{"error": err.Error()} }
