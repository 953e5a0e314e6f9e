package models

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// Acceptability partitions staged files by content type.
type Acceptability string

const (
	Accepted Acceptability = "accepted"
	Rejected Acceptability = "rejected"
)

// Classify returns Accepted only for the supported document type.
func Classify(contentType string) Acceptability {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == DocxContentType {
		return Accepted
	}
	return Rejected
}

// StagedFile is an uploaded artifact held for the duration of one turn.
type StagedFile struct {
	ID                string          `json:"id"`
	Filename          string          `json:"filename"`
	ContentType       string          `json:"content_type"`
	Path              string          `json:"path,omitempty"`
	NormalizedContent string          `json:"normalized_content"`
	UploadTimestamp   int64           `json:"upload_timestamp"`
	Acceptability     Acceptability   `json:"acceptability"`
	Result            json.RawMessage `json:"result,omitempty"`
	Err               string          `json:"error,omitempty"`
}

// Size is the normalized content length in bytes.
func (f *StagedFile) Size() int {
	if f == nil {
		return 0
	}
	return len(f.NormalizedContent)
}

// Processed reports whether a result has been attached.
func (f *StagedFile) Processed() bool {
	return f != nil && len(f.Result) > 0
}

// Clone returns a copy that does not share the result buffer.
func (f *StagedFile) Clone() *StagedFile {
	if f == nil {
		return nil
	}
	c := *f
	if f.Result != nil {
		c.Result = append(json.RawMessage(nil), f.Result...)
	}
	return &c
}

// ArtifactPath is where the host stored the upload: the explicit path when
// known, otherwise "{id}_{filename}" under uploadDir.
func (f *StagedFile) ArtifactPath(uploadDir string) string {
	if f == nil {
		return ""
	}
	if f.Path != "" {
		return f.Path
	}
	if uploadDir == "" || f.ID == "" {
		return ""
	}
	return filepath.Join(uploadDir, f.ID+"_"+filepath.Base(f.Filename))
}
