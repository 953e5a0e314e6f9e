package docload

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Name:</w:t></w:r><w:r><w:tab/><w:t xml:space="preserve">John Doe</w:t></w:r></w:p>
    <w:p><w:r><w:t>Email: d.joe@brand.co</w:t><w:br/><w:t>Athens</w:t></w:r></w:p>
  </w:body>
</w:document>`

func buildDocx(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractDocx(t *testing.T) {
	data := buildDocx(t, map[string]string{"word/document.xml": documentXML, "[Content_Types].xml": "<Types/>"})
	text, err := ExtractDocx(data)
	require.NoError(t, err)
	assert.Equal(t, "Name:\tJohn Doe\nEmail: d.joe@brand.co\nAthens", text)
}

func TestExtractDocxRejectsOtherPackages(t *testing.T) {
	_, err := ExtractDocx([]byte("plain text"))
	assert.Error(t, err)
	_, err = ExtractDocx(buildDocx(t, map[string]string{"xl/workbook.xml": "<x/>"}))
	assert.Error(t, err)
}

func TestLoaderReadsDocxAndText(t *testing.T) {
	dir := t.TempDir()
	docx := filepath.Join(dir, "f1_report.docx")
	require.NoError(t, os.WriteFile(docx, buildDocx(t, map[string]string{"word/document.xml": documentXML}), 0o600))
	txt := filepath.Join(dir, "f2_notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("  just notes \n"), 0o600))
	blank := filepath.Join(dir, "f3_blank.txt")
	require.NoError(t, os.WriteFile(blank, []byte("   "), 0o600))

	l, err := New(context.Background())
	require.NoError(t, err)

	text, err := l.Load(context.Background(), docx)
	require.NoError(t, err)
	assert.Contains(t, text, "John Doe")

	text, err = l.Load(context.Background(), txt)
	require.NoError(t, err)
	assert.Equal(t, "just notes", text)

	_, err = l.Load(context.Background(), blank)
	assert.True(t, errors.Is(err, ErrNoText))

	_, err = l.Load(context.Background(), filepath.Join(dir, "missing.docx"))
	assert.Error(t, err)
}
