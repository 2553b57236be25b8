// Package ingest turns pasted text, uploaded files and web pages into
// knowledge base entries.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.io/infrasutra/replydesk/internal/store"
)

const (
	maxPDFPages     = 50
	maxWebsiteBytes = 5 << 20
	defaultTimeout  = 30 * time.Second
)

var (
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrEmptyContent    = errors.New("no text content found")
)

type Ingester struct {
	client *http.Client
	logger *slog.Logger
}

// New builds an Ingester. A nil client gets a plain client with the
// default timeout.
func New(client *http.Client, logger *slog.Logger) *Ingester {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{client: client, logger: logger}
}

func (i *Ingester) FromText(text string) (store.KnowledgeEntry, error) {
	return entry(text, store.SourceText, "")
}

// FromFile extracts text from a .pdf, .csv or .txt upload.
func (i *Ingester) FromFile(name string, data []byte) (store.KnowledgeEntry, error) {
	base := filepath.Base(strings.TrimSpace(name))
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))

	var (
		text string
		err  error
	)
	switch ext {
	case "pdf":
		text, err = pdfText(data, i.logger)
	case "csv":
		text, err = csvText(data)
	case "txt":
		if !utf8.Valid(data) {
			return store.KnowledgeEntry{}, fmt.Errorf("%s: text file is not valid UTF-8", base)
		}
		text = string(data)
	default:
		return store.KnowledgeEntry{}, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}
	if err != nil {
		return store.KnowledgeEntry{}, fmt.Errorf("%s: %w", base, err)
	}
	return entry(text, store.SourceFile, base)
}

// FromWebsite fetches a page and keeps the visible text of its body.
func (i *Ingester) FromWebsite(ctx context.Context, rawURL string) (store.KnowledgeEntry, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return store.KnowledgeEntry{}, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return store.KnowledgeEntry{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "replydesk/1.0")

	resp, err := i.client.Do(req)
	if err != nil {
		return store.KnowledgeEntry{}, fmt.Errorf("fetch %s: %w", target.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return store.KnowledgeEntry{}, fmt.Errorf("fetch %s: unexpected status %d", target.Host, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxWebsiteBytes))
	if err != nil {
		return store.KnowledgeEntry{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	return entry(collapseSpace(text), store.SourceWebsite, target.String())
}

func entry(text string, source store.KnowledgeSource, origin string) (store.KnowledgeEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.KnowledgeEntry{}, ErrEmptyContent
	}
	return store.KnowledgeEntry{Content: text, Source: source, Origin: origin}, nil
}

func pdfText(data []byte, logger *slog.Logger) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	pages := reader.NumPage()
	if pages > maxPDFPages {
		logger.Warn("pdf truncated", "pages", pages, "kept", maxPDFPages)
		pages = maxPDFPages
	}

	var b strings.Builder
	for n := 1; n <= pages; n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(map[string]*pdf.Font{})
		if err != nil {
			logger.Warn("skipping unreadable pdf page", "page", n, "error", err)
			continue
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

func csvText(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var lines []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read csv: %w", err)
		}
		lines = append(lines, strings.Join(record, " | "))
	}
	return strings.Join(lines, "\n"), nil
}

func collapseSpace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
