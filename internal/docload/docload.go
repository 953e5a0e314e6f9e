// Package docload extracts text from upload artifacts on disk. Inlet uses it
// when the host did not send the extracted document content.
package docload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

// ErrNoText is returned when a document yields no readable text.
var ErrNoText = errors.New("file has no readable text content")

// Loader reads a file through an eino file loader that understands DOCX and
// falls back to plain text for everything else.
type Loader struct {
	loader *file.FileLoader
}

func New(ctx context.Context) (*Loader, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".docx": DocxParser{},
		},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("build document parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("build file loader: %w", err)
	}
	return &Loader{loader: loader}, nil
}

// Load returns the concatenated text of every document parsed from path.
func (l *Loader) Load(ctx context.Context, path string) (string, error) {
	docs, err := l.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}
