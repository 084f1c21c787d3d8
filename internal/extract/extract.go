// Package extract pulls plain text out of PDF files page by page.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"
)

// ErrNoText means the file parsed but produced no usable text. Callers skip
// the file instead of failing.
var ErrNoText = errors.New("no extractable text")

// Error is an open or parse failure for one file.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("extracting %s: %v", e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Document is the extracted text of one file.
type Document struct {
	Path        string
	Text        string
	Pages       int
	FailedPages []int
}

// pageReader is the slice of a PDF parser the extractor needs. Pages are
// numbered from 1.
type pageReader interface {
	NumPage() int
	PageText(n int) (string, error)
}

type ledongthucReader struct {
	r *pdf.Reader
}

func (l ledongthucReader) NumPage() int { return l.r.NumPage() }

func (l ledongthucReader) PageText(n int) (string, error) {
	p := l.r.Page(n)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}

// Extractor reads PDFs natively and optionally falls back to pdftotext
// through docconv when the native parser finds no text.
type Extractor struct {
	fallback bool
	logger   *slog.Logger
	open     func(path string) (pageReader, func() error, error)
	convert  func(path string) (string, error)
}

// New returns an Extractor. fallback enables the docconv path.
func New(fallback bool, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		fallback: fallback,
		logger:   logger,
		open:     openPDF,
		convert:  convertWithDocconv,
	}
}

func openPDF(path string) (pageReader, func() error, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return ledongthucReader{r: r}, f.Close, nil
}

func convertWithDocconv(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	res, err := docconv.Convert(f, "application/pdf", false)
	if err != nil {
		return "", err
	}
	return res.Body, nil
}

// Extract reads every page of path. A page that fails contributes empty
// text. ErrNoText is returned when nothing usable remains.
func (e *Extractor) Extract(ctx context.Context, path string) (Document, error) {
	doc := Document{Path: path}

	text, err := e.extractNative(ctx, path, &doc)
	if err != nil {
		return doc, err
	}

	if text == "" && e.fallback {
		fb, err := e.convert(path)
		if err != nil {
			e.logger.Warn("pdftotext fallback failed", "file", path, "error", err)
		} else {
			text = normalizeWhitespace(fb)
		}
	}

	if text == "" {
		return doc, ErrNoText
	}
	doc.Text = text
	return doc, nil
}

func (e *Extractor) extractNative(ctx context.Context, path string, doc *Document) (string, error) {
	r, closeFn, err := e.open(path)
	if err != nil {
		return "", &Error{Path: path, Err: err}
	}
	defer closeFn()

	doc.Pages = r.NumPage()
	pages := make([]string, 0, doc.Pages)
	for n := 1; n <= doc.Pages; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := safePageText(r, n)
		if err != nil {
			e.logger.Warn("page extraction failed", "file", path, "page", n, "error", err)
			doc.FailedPages = append(doc.FailedPages, n)
			text = ""
		}
		pages = append(pages, normalizeWhitespace(text))
	}
	return strings.TrimSpace(strings.Join(pages, "\n\n")), nil
}

// safePageText turns parser panics on malformed pages into errors.
func safePageText(r pageReader, n int) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parser panic: %v", p)
		}
	}()
	return r.PageText(n)
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
