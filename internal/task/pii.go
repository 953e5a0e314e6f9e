package task

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/nepiskopos/open-webui-enhancements/internal/backend"
	"github.com/nepiskopos/open-webui-enhancements/internal/config"
	"github.com/nepiskopos/open-webui-enhancements/internal/models"
)

var piiSystem = dedent(`
	You are a GDPR-compliant data privacy assistant. Your role is to detect Personally Identifiable Information (PII) in user-provided text based on the EU's General Data Protection Regulation (GDPR).

	PII includes any information relating to an identified or identifiable natural person, either directly (e.g., name, email address, national ID number) or indirectly (e.g., IP address, location data, unique device identifiers, or any data that can identify a person when combined with other information).

	When analyzing documents, you must:
	1. Identify and extract all PII instances.
	2. Categorize each instance.
	3. Determine if it is a direct or indirect identifier.
	4. Justify the classification based on GDPR definitions.

	Output results in structured JSON format, suitable for downstream processing.
	Maintain strict compliance with GDPR's definition of personal data as described in Article 4(1).
`)

var piiUser = dedent(`
	### Instruction:
	Analyze the following document and identify all instances of Personally Identifiable Information (PII) according to the EU's GDPR.

	### Input:
	{text}

	### Response:
	For each identified PII instance, return the:
	- text: The extracted text, exactly as it appears in the document
	- category: The PII category (e.g., name, email, phone number, IP address, health data)
	- type: The PII identifier type (direct or indirect)
	- justification: The justification for PII classification

	Format your results as a structured JSON array, where each object represents one PII instance.

	Example:
	[
	{"text": "John Doe", "category": "name", "type": "direct", "justification": "Identifies an individual directly."},
	{"text": "d.joe@brand.co", "category": "email", "type": "direct", "justification": "Identifies an individual directly through their email address."}
	]
`)

const detectionSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["text", "category", "type"],
    "properties": {
      "text": {"type": "string", "minLength": 1},
      "category": {"type": "string", "minLength": 1},
      "type": {"type": "string", "enum": ["direct", "indirect"]},
      "justification": {"type": "string"}
    }
  }
}`

var detections = mustCompile(detectionSchema)

func mustCompile(src string) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("compile detection schema: %v", err))
	}
	return schema
}

// PII asks for a JSON array of GDPR personal-data detections.
func PII() Profile {
	return Profile{
		Name:         config.TaskPII,
		SystemPrompt: piiSystem,
		UserTemplate: piiUser,
		Decode:       decodePII,
		Render:       renderPII,
	}
}

func decodePII(raw string) (json.RawMessage, error) {
	body := backend.StripFence(raw)
	var items []models.Detection
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrMalformedResponse, err)
	}
	if items == nil {
		items = []models.Detection{}
	}
	for i := range items {
		items[i].Type = strings.ToLower(strings.TrimSpace(items[i].Type))
	}
	out, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	if result := detections.ValidateJSON(out); !result.IsValid() {
		return nil, fmt.Errorf("%w: schema validation failed: %v", backend.ErrMalformedResponse, result.Errors)
	}
	return out, nil
}

func renderPII(filename string, result json.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Detected PII in file **%s**:\n", filename)
	var items []models.Detection
	if err := json.Unmarshal(result, &items); err != nil || len(items) == 0 {
		b.WriteString("No PII detected.")
		return b.String()
	}
	b.WriteString("| Text | Category | Type | Justification |\n")
	b.WriteString("|------|----------|------|---------------|\n")
	for _, d := range items {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", cell(d.Text), cell(d.Category), cell(d.Type), cell(d.Justification))
	}
	return strings.TrimRight(b.String(), "\n")
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r\n", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
