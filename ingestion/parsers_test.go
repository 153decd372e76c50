package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/corpscribe/ragerr"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatText, DetectFormat("notes.TXT"))
	assert.Equal(t, FormatMarkdown, DetectFormat("readme.md"))
	assert.Equal(t, FormatPDF, DetectFormat("report.pdf"))
	assert.Equal(t, FormatCSV, DetectFormat("table.csv"))
	assert.Equal(t, FormatHTML, DetectFormat("page.htm"))
	assert.Equal(t, FormatUnknown, DetectFormat("binary.exe"))
}

func TestLoadPlainText(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "team/wiki.txt", "Документация ведётся в Confluence.\r\n")

	sections, err := NewFileLoader().Load(context.Background(), dir, path)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "team/wiki.txt", sections[0].Source)
	assert.Equal(t, "wiki", sections[0].Title)
	assert.Equal(t, "Документация ведётся в Confluence.\n", sections[0].Text)
}

func TestLoadMarkdownTitle(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "guide.md", "Some intro\n# Heading One\nMore text")

	sections, err := NewFileLoader().Load(context.Background(), dir, path)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "Heading One", sections[0].Title)
}

func TestLoadCSVRows(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "staff.csv", "name,role\nAnna,Engineer\nOleg,Manager,extra\n")

	sections, err := NewFileLoader().Load(context.Background(), dir, path)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "Row 1\nname: Anna\nrole: Engineer\n\nRow 2\nname: Oleg\nrole: Manager\nExtra 3: extra", sections[0].Text)
}

func TestLoadHTMLStripsScripts(t *testing.T) {
	dir := t.TempDir()
	page := `<html><head><title>Onboarding</title><script>var secret = 1;</script></head>
<body><h1>Welcome</h1><p>Docs live   in Confluence.</p><ul><li>Jira</li></ul></body></html>`
	path := writeFile(t, dir, "onboarding.html", page)

	sections, err := NewFileLoader().Load(context.Background(), dir, path)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "Onboarding", sections[0].Title)
	assert.Equal(t, "Welcome\n\nDocs live in Confluence.\n\nJira", sections[0].Text)
	assert.NotContains(t, sections[0].Text, "secret")
}

func TestLoadFailuresAreLoadErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewFileLoader()
	ctx := context.Background()

	cases := map[string]string{
		"broken.pdf": "this is not a pdf at all",
		"binary.txt": string([]byte{0xff, 0xfe, 0x00, 0x81}),
		"tool.exe":   "MZ",
	}
	for name, content := range cases {
		path := writeFile(t, dir, name, content)
		_, err := loader.Load(ctx, dir, path)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, ragerr.ErrLoad, name)
	}

	_, err := loader.Load(ctx, dir, filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, ragerr.ErrLoad)
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Heading One", ExtractTitle("Some intro\n# Heading One\nMore text", "fallback"))
	assert.Equal(t, "fallback", ExtractTitle("no headings here", "fallback"))
}
