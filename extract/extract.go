// Package extract serializes a live canvas into a prototype document.
//
// The canvas is reached only through the Editor interface. Extraction
// prefers the canvas's own serializer and falls back to rebuilding the
// document page by page; problems along the way are reported as warnings
// rather than failing the save.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/orian/protoboard/content"
	"github.com/orian/protoboard/models"
)

// Mode tells the canvas why a page is being selected. Listeners that react
// to page changes (autosave triggers, history, analytics) skip their side
// effects in ModeExtraction.
type Mode int

const (
	ModeInteractive Mode = iota
	ModeExtraction
)

func (m Mode) String() string {
	if m == ModeExtraction {
		return "extraction"
	}
	return "interactive"
}

type Page struct {
	ID   string
	Name string
}

// Editor is the narrow view of the canvas engine extraction needs.
type Editor interface {
	Serialize() (models.Document, error)
	Pages() ([]Page, error)
	SelectedPage() (string, error)
	SelectPage(id string, mode Mode) error
	HTMLFor(p Page) (string, error)
	PageComponents(p Page) (any, error)
	Styles() ([]any, error)
	Assets() ([]any, error)
}

type WarningKind string

const (
	// WarningReconstructed means the primary serializer failed and the
	// document was rebuilt successfully from pages.
	WarningReconstructed WarningKind = "reconstructed"
	// WarningDegraded means part of the document could not be captured.
	WarningDegraded WarningKind = "degraded"
)

type Warning struct {
	Kind    WarningKind
	PageID  string
	Message string
}

func (w Warning) String() string {
	if w.PageID != "" {
		return fmt.Sprintf("%s [%s]: %s", w.Kind, w.PageID, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

type Result struct {
	HTML     string
	Document models.Document
	Warnings []Warning
}

// OK reports whether the result is complete: no warnings, or only
// reconstructed ones.
func (r *Result) OK() bool {
	for _, w := range r.Warnings {
		if w.Kind != WarningReconstructed {
			return false
		}
	}
	return true
}

func (r *Result) warn(kind WarningKind, pageID string, format string, args ...any) {
	r.Warnings = append(r.Warnings, Warning{Kind: kind, PageID: pageID, Message: fmt.Sprintf(format, args...)})
}

// ErrNothingExtracted is returned when neither the serializer nor the page
// walk produced anything.
var ErrNothingExtracted = errors.New("extract: canvas produced no document")

// Extract captures the canvas content. The page that was selected on entry
// is selected again before returning, also when ctx is cancelled midway.
func Extract(ctx context.Context, ed Editor) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{}

	pages, pagesErr := ed.Pages()
	doc, serr := ed.Serialize()
	if serr == nil && !hasPageArray(doc) {
		serr = errors.New("serialized document has no pages array")
	}
	if serr != nil {
		if pagesErr != nil || len(pages) == 0 {
			return nil, fmt.Errorf("%w: serialize: %v", ErrNothingExtracted, serr)
		}
		doc = rebuild(ed, pages, res)
		res.warn(WarningReconstructed, "", "serializer failed, rebuilt from pages: %v", serr)
	} else if pagesErr != nil {
		res.warn(WarningDegraded, "", "listing pages: %v", pagesErr)
	}

	doc = models.Document(content.Normalize(doc))
	doc[content.KeyPages] = copyPages(doc[content.KeyPages].([]any))
	res.Document = doc

	if len(pages) == 0 {
		return res, nil
	}
	html, err := captureHTML(ctx, ed, pages, doc, res)
	if err != nil {
		return nil, err
	}
	res.HTML = html
	return res, nil
}

func hasPageArray(doc models.Document) bool {
	if doc == nil {
		return false
	}
	_, ok := doc[content.KeyPages].([]any)
	return ok
}

// rebuild assembles a document from per-page components, styles and assets.
func rebuild(ed Editor, pages []Page, res *Result) models.Document {
	out := make([]any, 0, len(pages))
	for _, p := range pages {
		entry := map[string]any{"id": p.ID, "name": p.Name}
		comps, err := ed.PageComponents(p)
		if err != nil {
			res.warn(WarningDegraded, p.ID, "page components: %v", err)
			comps = []any{}
		}
		entry["component"] = comps
		out = append(out, entry)
	}

	styles, err := ed.Styles()
	if err != nil {
		res.warn(WarningDegraded, "", "styles: %v", err)
		styles = []any{}
	}
	assets, err := ed.Assets()
	if err != nil {
		res.warn(WarningDegraded, "", "assets: %v", err)
		assets = []any{}
	}
	return models.Document{
		content.KeyPages:  out,
		content.KeyStyles: styles,
		content.KeyAssets: assets,
	}
}

// copyPages copies the page slice and every page object so the html
// fields written during capture never leak into the canvas's own data.
func copyPages(pages []any) []any {
	out := make([]any, len(pages))
	for i, p := range pages {
		if m, ok := p.(map[string]any); ok {
			cp := make(map[string]any, len(m)+1)
			for k, v := range m {
				cp[k] = v
			}
			out[i] = cp
			continue
		}
		out[i] = p
	}
	return out
}

// pageEntry finds the document object for page i, by id first and by
// position when the document's pages carry no ids.
func pageEntry(doc models.Document, i int, p Page) map[string]any {
	items := doc[content.KeyPages].([]any)
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			if id, _ := m["id"].(string); id != "" && id == p.ID {
				return m
			}
		}
	}
	if i < len(items) {
		if m, ok := items[i].(map[string]any); ok {
			if _, hasID := m["id"]; !hasID {
				return m
			}
		}
	}
	return nil
}

func captureHTML(ctx context.Context, ed Editor, pages []Page, doc models.Document, res *Result) (string, error) {
	if len(pages) == 1 {
		html, err := ed.HTMLFor(pages[0])
		if err != nil {
			res.warn(WarningDegraded, pages[0].ID, "html: %v", err)
			return "", nil
		}
		if entry := pageEntry(doc, 0, pages[0]); entry != nil {
			entry["html"] = html
		}
		return html, nil
	}

	original, err := ed.SelectedPage()
	if err != nil || original == "" {
		original = pages[0].ID
		if err != nil {
			res.warn(WarningDegraded, "", "selected page unknown, assuming %q: %v", original, err)
		}
	}
	defer restoreSelection(ed, original, res)

	var top string
	for i, p := range pages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := ed.SelectPage(p.ID, ModeExtraction); err != nil {
			res.warn(WarningDegraded, p.ID, "select: %v", err)
			continue
		}
		html, err := ed.HTMLFor(p)
		if err != nil {
			res.warn(WarningDegraded, p.ID, "html: %v", err)
			continue
		}
		if entry := pageEntry(doc, i, p); entry != nil {
			entry["html"] = html
		}
		if p.ID == original {
			top = html
		}
	}
	return top, nil
}

// restoreSelection reselects the original page, forcing a second attempt
// when the first one did not stick.
func restoreSelection(ed Editor, original string, res *Result) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := ed.SelectPage(original, ModeExtraction); err != nil {
			continue
		}
		if cur, err := ed.SelectedPage(); err == nil && cur == original {
			return
		}
	}
	res.warn(WarningDegraded, original, "could not restore the selected page")
}
