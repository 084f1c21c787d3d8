package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakePages struct {
	pages []func() (string, error)
}

func (f *fakePages) NumPage() int { return len(f.pages) }

func (f *fakePages) PageText(n int) (string, error) { return f.pages[n-1]() }

func text(s string) func() (string, error) {
	return func() (string, error) { return s, nil }
}

func testExtractor(r pageReader, closed *int) *Extractor {
	e := New(false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.open = func(string) (pageReader, func() error, error) {
		return r, func() error { *closed++; return nil }, nil
	}
	return e
}

func TestExtractJoinsPages(t *testing.T) {
	var closed int
	r := &fakePages{pages: []func() (string, error){
		text("  Hello \n  world "),
		text("second\tpage"),
	}}

	doc, err := testExtractor(r, &closed).Extract(context.Background(), "intro-ALEX.pdf")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if doc.Text != "Hello world\n\nsecond page" {
		t.Errorf("Text = %q", doc.Text)
	}
	if doc.Pages != 2 {
		t.Errorf("Pages = %d, want 2", doc.Pages)
	}
	if closed != 1 {
		t.Errorf("closed %d times, want 1", closed)
	}
}

func TestExtractPageFailureContinues(t *testing.T) {
	var closed int
	r := &fakePages{pages: []func() (string, error){
		text("first"),
		func() (string, error) { return "", errors.New("bad xref") },
		func() (string, error) { panic("malformed stream") },
		text("last"),
	}}

	doc, err := testExtractor(r, &closed).Extract(context.Background(), "a.pdf")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(doc.FailedPages) != 2 || doc.FailedPages[0] != 2 || doc.FailedPages[1] != 3 {
		t.Errorf("FailedPages = %v, want [2 3]", doc.FailedPages)
	}
	if doc.Text != "first\n\n\n\n\n\nlast" {
		t.Errorf("Text = %q", doc.Text)
	}
	if closed != 1 {
		t.Errorf("closed %d times, want 1", closed)
	}
}

func TestExtractNoText(t *testing.T) {
	var closed int
	r := &fakePages{pages: []func() (string, error){text("   "), text("")}}

	_, err := testExtractor(r, &closed).Extract(context.Background(), "scan.pdf")
	if !errors.Is(err, ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
	if closed != 1 {
		t.Errorf("closed %d times, want 1", closed)
	}
}

func TestExtractFallback(t *testing.T) {
	var closed int
	e := testExtractor(&fakePages{pages: []func() (string, error){text("")}}, &closed)
	e.fallback = true
	e.convert = func(string) (string, error) { return " scanned\n text ", nil }

	doc, err := e.Extract(context.Background(), "scan.pdf")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if doc.Text != "scanned text" {
		t.Errorf("Text = %q", doc.Text)
	}
}

func TestExtractOpenError(t *testing.T) {
	e := New(false, nil)
	e.open = func(string) (pageReader, func() error, error) {
		return nil, nil, errors.New("not a pdf")
	}

	_, err := e.Extract(context.Background(), "broken.pdf")
	var xe *Error
	if !errors.As(err, &xe) || xe.Path != "broken.pdf" {
		t.Errorf("err = %v, want *Error for broken.pdf", err)
	}
}

func TestExtractHonorsContext(t *testing.T) {
	var closed int
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testExtractor(&fakePages{pages: []func() (string, error){text("x")}}, &closed).Extract(ctx, "a.pdf")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if closed != 1 {
		t.Errorf("closed %d times, want 1", closed)
	}
}
