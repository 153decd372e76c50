package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/fabfab/corpscribe/ragerr"
)

// Section is one unit of loaded text together with the document it came from.
type Section struct {
	Source string
	Title  string
	Text   string
}

// DocumentPayload is the raw file handed to a parser.
type DocumentPayload struct {
	Path   string
	Source string
	Data   []byte
}

type DocumentParser interface {
	Parse(ctx context.Context, payload DocumentPayload) ([]Section, error)
}

// Loader turns a file in the document store into text sections.
type Loader interface {
	Load(ctx context.Context, root, path string) ([]Section, error)
}

// FileLoader dispatches on the file extension.
type FileLoader struct {
	parsers map[DocumentFormat]DocumentParser
}

func NewFileLoader() *FileLoader {
	text := plainTextParser{}
	return &FileLoader{
		parsers: map[DocumentFormat]DocumentParser{
			FormatText:     text,
			FormatMarkdown: text,
			FormatPDF:      pdfParser{},
			FormatCSV:      csvParser{},
			FormatHTML:     htmlParser{},
		},
	}
}

// Load reads path and parses it. Every failure is reported as a load error so the
// caller can skip the document and continue.
func (l *FileLoader) Load(ctx context.Context, root, path string) ([]Section, error) {
	source := sourceName(root, path)
	op := "load " + source

	parser, ok := l.parsers[DetectFormat(path)]
	if !ok {
		return nil, ragerr.Errorf(ragerr.KindLoad, op, "unsupported format %q", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ragerr.New(ragerr.KindLoad, op, fmt.Errorf("read file: %w", err))
	}

	sections, err := parser.Parse(ctx, DocumentPayload{Path: path, Source: source, Data: data})
	if err != nil {
		return nil, ragerr.New(ragerr.KindLoad, op, err)
	}
	return sections, nil
}

var _ Loader = (*FileLoader)(nil)

type plainTextParser struct{}

func (plainTextParser) Parse(_ context.Context, payload DocumentPayload) ([]Section, error) {
	if !utf8.Valid(payload.Data) {
		return nil, fmt.Errorf("file is not valid UTF-8 text")
	}
	content := normalizePlainText(string(payload.Data))
	return []Section{{
		Source: payload.Source,
		Title:  ExtractTitle(content, baseTitle(payload.Path)),
		Text:   content,
	}}, nil
}

type pdfParser struct{}

func (pdfParser) Parse(_ context.Context, payload DocumentPayload) (sections []Section, err error) {
	// ledongthuc/pdf panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			sections, err = nil, fmt.Errorf("corrupt pdf: %v", r)
		}
	}()

	reader := bytes.NewReader(payload.Data)
	doc, err := pdf.NewReader(reader, int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	content := normalizePlainText(buf.String())
	title := firstNonEmptyLine(content)
	if title == "" {
		title = baseTitle(payload.Path)
	}

	return []Section{{Source: payload.Source, Title: title, Text: content}}, nil
}

type csvParser struct{}

func (csvParser) Parse(_ context.Context, payload DocumentPayload) ([]Section, error) {
	reader := csv.NewReader(bytes.NewReader(payload.Data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	title := baseTitle(payload.Path)
	if len(records) == 0 {
		return nil, nil
	}

	headers := records[0]
	rows := records[1:]

	paragraphs := make([]string, 0, len(rows))
	for idx, row := range rows {
		paragraphs = append(paragraphs, formatCSVRow(headers, row, idx))
	}

	return []Section{{
		Source: payload.Source,
		Title:  title,
		Text:   strings.Join(paragraphs, "\n\n"),
	}}, nil
}

type htmlParser struct{}

func (htmlParser) Parse(_ context.Context, payload DocumentPayload) ([]Section, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload.Data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, noscript, nav, footer").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = baseTitle(payload.Path)
	}

	blocks := make([]string, 0)
	doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, pre, td, blockquote").Each(func(_ int, sel *goquery.Selection) {
		if sel.Find("p, li").Length() > 0 {
			return
		}
		if text := collapseSpaces(sel.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		if text := collapseSpaces(doc.Find("body").Text()); text != "" {
			blocks = append(blocks, text)
		}
	}

	return []Section{{
		Source: payload.Source,
		Title:  title,
		Text:   strings.Join(blocks, "\n\n"),
	}}, nil
}

// ExtractTitle returns the first Markdown heading in content, or fallback.
func ExtractTitle(content, fallback string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return fallback
}

func sourceName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

func baseTitle(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizePlainText(content string) string {
	content = strings.TrimPrefix(content, "\ufeff")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(content string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "Row %d", idx+1)

	limit := min(len(headers), len(row))
	for i := 0; i < limit; i++ {
		header := strings.TrimSpace(headers[i])
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		builder.WriteString("\n")
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(row[i]))
	}

	for i := len(headers); i < len(row); i++ {
		fmt.Fprintf(builder, "\nExtra %d: %s", i+1, strings.TrimSpace(row[i]))
	}

	return builder.String()
}
