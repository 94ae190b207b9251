package chorus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// Import fetch limits.
const (
	importMaxBody      = 4 << 20
	importFetchTimeout = 30 * time.Second
)

// ImportURL fetches a web page, extracts its readable article text,
// and stores it as a new anchor. Returns the anchor title used.
func (a *AnchorStore) ImportURL(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("import url %q: not a web address", rawURL)
	}

	reqCtx, cancel := context.WithTimeout(ctx, importFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("import url: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("import url fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &ErrHTTP{Status: resp.StatusCode, Body: rawURL}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, importMaxBody))
	if err != nil {
		return "", fmt.Errorf("import url read: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return "", fmt.Errorf("import url %q: no readable content", rawURL)
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = parsed.Host
	}
	content := fmt.Sprintf("---\nsource: %s\nimported: %s\n---\n# %s\n\n%s\n",
		rawURL, a.now().Format(time.RFC3339), title,
		strings.TrimSpace(article.TextContent))
	if err := a.Store(ctx, content, map[string]string{"title": title}); err != nil {
		return "", err
	}
	a.logger.Info("anchor imported from url", "url", rawURL, "title", title)
	return title, nil
}

// ImportPDF extracts plain text from a PDF on disk and stores it as a
// new anchor named after the file.
func (a *AnchorStore) ImportPDF(ctx context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("import pdf: %w", err)
	}
	text, err := pdfText(raw)
	if err != nil {
		return "", fmt.Errorf("import pdf %s: %w", path, err)
	}
	if text == "" {
		return "", fmt.Errorf("import pdf %s: no extractable text", path)
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	content := fmt.Sprintf("---\nsource: %s\nimported: %s\n---\n# %s\n\n%s\n",
		filepath.Base(path), a.now().Format(time.RFC3339), title, text)
	if err := a.Store(ctx, content, map[string]string{"title": title}); err != nil {
		return "", err
	}
	a.logger.Info("anchor imported from pdf", "path", path, "title", title, "bytes", len(text))
	return title, nil
}

// pdfText extracts page-by-page plain text. Unreadable pages are
// skipped rather than failing the whole document.
func pdfText(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty pdf")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(pageText)
	}
	return strings.TrimSpace(b.String()), nil
}
