package scanning

import (
	"fmt"
	"strings"

	"github.com/zombor/medbill-tracker/internal/extraction"
)

// jsonObject trims markdown fences and any prose around the outermost JSON object
func jsonObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[startIdx : endIdx+1], nil
}

// parseExtraction decodes model output into a validated, defaulted extraction
func parseExtraction(text string) (*extraction.ExtractionResult, error) {
	obj, err := jsonObject(text)
	if err != nil {
		return nil, err
	}
	result, err := extraction.DecodeResult([]byte(obj))
	if err != nil {
		return nil, fmt.Errorf("decoding model output: %w", err)
	}
	return result, nil
}
