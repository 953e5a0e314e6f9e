package docload

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

const documentPart = "word/document.xml"

// DocxParser is an eino parser for WordprocessingML packages. It keeps
// paragraph breaks, tabs and line breaks and drops all formatting.
type DocxParser struct{}

func (DocxParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	text, err := ExtractDocx(data)
	if err != nil {
		return nil, err
	}
	common := parser.GetCommonOptions(&parser.Options{}, opts...)
	meta := map[string]any{}
	for k, v := range common.ExtraMeta {
		meta[k] = v
	}
	if common.URI != "" {
		meta["_source"] = common.URI
	}
	return []*schema.Document{{Content: text, MetaData: meta}}, nil
}

// ExtractDocx returns the body text of a DOCX package.
func ExtractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx package: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != documentPart {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", documentPart, err)
		}
		defer rc.Close()
		return paragraphs(rc)
	}
	return "", fmt.Errorf("docx package has no %s", documentPart)
}

func paragraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", documentPart, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
