package models

import "encoding/json"

// FileResult is one record of the pipe response payload.
type FileResult struct {
	ID       string          `json:"id"`
	Filename string          `json:"filename"`
	Result   json.RawMessage `json:"result"`
}

// Detection is one personal-data item reported by the PII task.
type Detection struct {
	Text          string `json:"text"`
	Category      string `json:"category"`
	Type          string `json:"type"`
	Justification string `json:"justification"`
}
