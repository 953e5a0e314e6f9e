package task

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nepiskopos/open-webui-enhancements/internal/backend"
	"github.com/nepiskopos/open-webui-enhancements/internal/config"
)

var summarySystem = dedent(`
	You are a document and literature analysis assistant specialized in identifying important information in text documents.
	Your response should be concise and focused on the most relevant information, and should not include any personal opinions or interpretations.
	Your response should be written in a neutral tone, without any bias or subjective language.
`)

var summaryUser = dedent(`
	### Instruction:
	Your task is to analyze the following text and generate a summarization of it, which contains the most important information contained in it.

	### Input:
	{text}

	### Response:
	Please provide a concise summary of the text above, focusing on the most relevant information.
	Your summary should be clear and easy to understand, highlighting key points and important details.
	Your summary should have the form of a single paragraph, with no more than 200 words.
`)

// Summary asks for a single neutral paragraph per document.
func Summary() Profile {
	return Profile{
		Name:         config.TaskSummary,
		SystemPrompt: summarySystem,
		UserTemplate: summaryUser,
		Decode:       decodeSummary,
		Render:       renderSummary,
	}
}

func decodeSummary(raw string) (json.RawMessage, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty summary", backend.ErrMalformedResponse)
	}
	return json.Marshal(text)
}

func renderSummary(filename string, result json.RawMessage) string {
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		text = strings.TrimSpace(string(result))
	}
	return fmt.Sprintf("### Summary for file **%s**:\n%s", filename, text)
}
