// Package document extracts the text of topic documents. Topics arrive
// as JSON (tema/contenido with HTML content), plain text, Markdown,
// PDF or DOCX.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"golang.org/x/net/html"
)

// SupportedExtensions lists the file formats the extractor accepts.
var SupportedExtensions = []string{".json", ".txt", ".md", ".pdf", ".docx"}

var blankLines = regexp.MustCompile(`\n{3,}`)

// Document is the extracted text of one topic.
type Document struct {
	Topic string `json:"tema"`
	Text  string `json:"texto"`
	Chars int    `json:"total_caracteres"`
	Lines int    `json:"total_lineas"`
}

// Extractor reads topic files. TextLimit truncates the extracted text
// when positive.
type Extractor struct {
	TextLimit int

	logger *slog.Logger
}

// NewExtractor creates an extractor without a text limit.
func NewExtractor() *Extractor {
	return &Extractor{logger: slog.Default().With("component", "document")}
}

// Supported reports whether the file extension can be extracted.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, supported := range SupportedExtensions {
		if ext == supported {
			return true
		}
	}
	return false
}

// Extract reads a topic file and returns its text.
func (e *Extractor) Extract(ctx context.Context, path string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !Supported(path) {
		return nil, fmt.Errorf("unsupported format %q, valid formats: %s",
			ext, strings.Join(SupportedExtensions, ", "))
	}

	e.logger.Info("Extracting text", "file", filepath.Base(path), "format", ext)

	var (
		topic string
		text  string
		err   error
	)
	switch ext {
	case ".json":
		topic, text, err = e.fromJSON(path)
	case ".txt", ".md":
		text, err = e.fromPlainText(path)
	case ".pdf":
		text, err = e.fromPDF(ctx, path)
	case ".docx":
		text, err = e.fromDOCX(path)
	}
	if err != nil {
		return nil, err
	}

	if topic == "" {
		topic = strings.TrimSuffix(filepath.Base(path), ext)
	}

	text = cleanText(text)
	if e.TextLimit > 0 && len(text) > e.TextLimit {
		text = truncate(text, e.TextLimit)
		e.logger.Warn("Text truncated", "limit", e.TextLimit)
	}

	doc := &Document{
		Topic: topic,
		Text:  text,
		Chars: len(text),
		Lines: countLines(text),
	}
	e.logger.Info("Text extracted", "chars", doc.Chars, "lines", doc.Lines)
	return doc, nil
}

type topicFile struct {
	Topic   string `json:"tema"`
	Content string `json:"contenido"`
}

// fromJSON reads a topic JSON whose contenido field carries HTML.
func (e *Extractor) fromJSON(path string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading topic file: %w", err)
	}

	var topic topicFile
	if err := json.Unmarshal(raw, &topic); err != nil {
		return "", "", fmt.Errorf("parsing topic JSON: %w", err)
	}
	if topic.Content == "" {
		return "", "", fmt.Errorf("topic JSON has no contenido field")
	}

	return topic.Topic, StripHTML(topic.Content), nil
}

func (e *Extractor) fromPlainText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading text file: %w", err)
	}
	return string(raw), nil
}

func (e *Extractor) fromPDF(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", fmt.Errorf("parsing PDF: %w", err)
	}

	var pages []string
	total := reader.NumPage()
	e.logger.Debug("Reading PDF", "pages", total)

	for pageNum := 1; pageNum <= total; pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Debug("Page extraction failed", "page", pageNum, "error", err)
			continue
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}

	return strings.Join(pages, "\n\n"), nil
}

func (e *Extractor) fromDOCX(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("opening DOCX: %w", err)
	}
	defer doc.Close()

	// GetContent returns the raw document XML; the tag stripper turns
	// it into plain text.
	return StripHTML(doc.Editable().GetContent()), nil
}

// Block-level tags that end a line of text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "table": true, "section": true, "article": true,
	"w:p": true,
}

// StripHTML extracts the visible text of an HTML fragment, keeping
// block structure as line breaks. Script and style contents are
// dropped.
func StripHTML(fragment string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))

	var sb strings.Builder
	skip := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.TextToken:
			if skip == 0 {
				sb.Write(tokenizer.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if tag == "br" {
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				if skip > 0 {
					skip--
				}
				continue
			}
			if blockTags[tag] {
				sb.WriteString("\n")
			}
		}
	}
}

// cleanText trims line whitespace and collapses runs of blank lines.
func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	cleaned := strings.Join(lines, "\n")
	cleaned = blankLines.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// truncate cuts text to at most n bytes without splitting a rune.
func truncate(text string, n int) string {
	if n >= len(text) {
		return text
	}
	for n > 0 && text[n]&0xC0 == 0x80 {
		n--
	}
	return text[:n]
}
