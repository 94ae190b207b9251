package chorus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const importTestPage = `<!DOCTYPE html>
<html>
<head><title>Brewing Notes</title></head>
<body>
<article>
<h1>Brewing Notes</h1>
<p>Steep green tea at eighty degrees for two minutes. Hotter water turns it
bitter, and nobody in the house will drink it.</p>
<p>Black tea takes boiling water and a four minute steep without complaint.</p>
</article>
</body>
</html>`

func TestImportURL_StoresReadableArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(importTestPage)); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	ix := newMemIndex()
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	a, dir := newTestAnchors(t, ix, withAnchorClock(func() time.Time { return at }))

	title, err := a.ImportURL(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("ImportURL: %v", err)
	}
	if title != "Brewing Notes" {
		t.Errorf("title = %q, want %q", title, "Brewing Notes")
	}

	path := filepath.Join(dir, "2026-03-14-brewing-notes.md")
	raw, err := os.ReadFile(path)
	if err != nil {
		names, _ := os.ReadDir(dir)
		t.Fatalf("anchor file missing: %v; dir has %v", err, names)
	}
	body := string(raw)
	if !strings.Contains(body, "source: "+srv.URL) {
		t.Error("front matter missing source url")
	}
	if !strings.Contains(body, "eighty degrees") {
		t.Error("article text missing from anchor")
	}
	if _, ok := ix.docs["2026-03-14-brewing-notes"]; !ok {
		t.Error("imported anchor not synced into the index")
	}
}

func TestImportURL_RejectsNonWebSchemes(t *testing.T) {
	ix := newMemIndex()
	a, _ := newTestAnchors(t, ix)

	for _, raw := range []string{"file:///etc/passwd", "ftp://host/doc", "not a url at all"} {
		if _, err := a.ImportURL(context.Background(), raw); err == nil {
			t.Errorf("ImportURL(%q) succeeded", raw)
		}
	}
}

func TestImportURL_SurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	ix := newMemIndex()
	a, _ := newTestAnchors(t, ix)

	_, err := a.ImportURL(context.Background(), srv.URL)
	httpErr, ok := err.(*ErrHTTP)
	if !ok {
		t.Fatalf("got %v (%T), want *ErrHTTP", err, err)
	}
	if httpErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", httpErr.Status)
	}
}

func TestImportPDF_MissingFile(t *testing.T) {
	ix := newMemIndex()
	a, _ := newTestAnchors(t, ix)

	if _, err := a.ImportPDF(context.Background(), filepath.Join(t.TempDir(), "nope.pdf")); err == nil {
		t.Fatal("ImportPDF of missing file succeeded")
	}
}

func TestPDFText_EmptyInput(t *testing.T) {
	if _, err := pdfText(nil); err == nil {
		t.Fatal("empty pdf accepted")
	}
	if _, err := pdfText([]byte("not a pdf")); err == nil {
		t.Fatal("garbage pdf accepted")
	}
}
