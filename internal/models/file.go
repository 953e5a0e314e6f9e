package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// DocxContentType is the only document type the pipelines process.
const DocxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

var fileValidate = validator.New()

// ErrMalformedFile is wrapped by every FileDecodeError.
var ErrMalformedFile = errors.New("malformed file entry")

// FileDecodeError reports a host file record that cannot be staged.
type FileDecodeError struct {
	Index int
	ID    string
	Err   error
}

func (e *FileDecodeError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("file %d (%s): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("file %d: %v", e.Index, e.Err)
}

func (e *FileDecodeError) Unwrap() []error { return []error{ErrMalformedFile, e.Err} }

// FileEntry is one element of the request "files" list.
type FileEntry struct {
	Type  string                     `json:"type,omitempty"`
	File  *FileInfo                  `json:"file,omitempty"`
	Extra map[string]json.RawMessage `json:"-"`
}

// FileInfo is the host's record of an uploaded file.
type FileInfo struct {
	ID        string                     `json:"id" validate:"required"`
	Filename  string                     `json:"filename" validate:"required"`
	Path      string                     `json:"path,omitempty"`
	Meta      FileMeta                   `json:"meta"`
	Data      FileData                   `json:"data"`
	CreatedAt UnixTime                   `json:"created_at" validate:"gt=0"`
	UpdatedAt UnixTime                   `json:"updated_at,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

type FileMeta struct {
	Name        string                     `json:"name,omitempty"`
	ContentType string                     `json:"content_type"`
	Size        int64                      `json:"size,omitempty"`
	Extra       map[string]json.RawMessage `json:"-"`
}

type FileData struct {
	Content string `json:"content"`
}

// Validate checks the fields staging depends on.
func (f *FileEntry) Validate(index int) error {
	if f == nil || f.File == nil {
		return &FileDecodeError{Index: index, Err: errors.New("missing file object")}
	}
	if err := fileValidate.Struct(f.File); err != nil {
		return &FileDecodeError{Index: index, ID: f.File.ID, Err: err}
	}
	return nil
}

// ID is a nil-safe accessor used when filtering entries.
func (f *FileEntry) ID() string {
	if f == nil || f.File == nil {
		return ""
	}
	return f.File.ID
}

type fileEntryAlias FileEntry

func (f *FileEntry) UnmarshalJSON(data []byte) error {
	var aux fileEntryAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitExtra(data, "type", "file")
	if err != nil {
		return err
	}
	aux.Extra = extra
	*f = FileEntry(aux)
	return nil
}

func (f FileEntry) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(fileEntryAlias(f))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, f.Extra)
}

type fileInfoAlias FileInfo

func (f *FileInfo) UnmarshalJSON(data []byte) error {
	var aux fileInfoAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitExtra(data, "id", "filename", "path", "meta", "data", "created_at", "updated_at")
	if err != nil {
		return err
	}
	aux.Extra = extra
	*f = FileInfo(aux)
	return nil
}

func (f FileInfo) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(fileInfoAlias(f))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, f.Extra)
}

type fileMetaAlias FileMeta

func (m *FileMeta) UnmarshalJSON(data []byte) error {
	var aux fileMetaAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitExtra(data, "name", "content_type", "size")
	if err != nil {
		return err
	}
	aux.Extra = extra
	*m = FileMeta(aux)
	return nil
}

func (m FileMeta) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(fileMetaAlias(m))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, m.Extra)
}
