// Package md2pdf turns markdown into styled PDF documents, either from
// pasted text or uploaded files. Layout runs in a shared headless
// Chromium instance that is launched on first use.
package md2pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer converts markdown to HTML with goldmark and prints it to
// PDF through a headless browser page.
type Renderer struct {
	md goldmark.Markdown

	mu      sync.Mutex
	browser *rod.Browser
	cleanup func()
}

func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.Table,
				extension.Strikethrough,
				extension.TaskList,
				extension.Linkify,
			),
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
				html.WithXHTML(),
			),
		),
	}
}

const htmlShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<style>
%s
</style>
</head>
<body>
%s
</body>
</html>`

// HTML renders markdown into a standalone HTML document carrying css.
func (r *Renderer) HTML(markdown, css string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return fmt.Sprintf(htmlShell, css, buf.String()), nil
}

// PDF prints an HTML document to PDF bytes on a fresh browser page.
func (r *Renderer) PDF(ctx context.Context, htmlDoc string) ([]byte, error) {
	browser, err := r.acquire()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	page = page.Context(ctx)
	defer page.Close()

	if err := page.SetDocumentContent(htmlDoc); err != nil {
		return nil, fmt.Errorf("set page content: %w", err)
	}

	stream, err := page.PDF(&proto.PagePrintToPDF{
		PrintBackground:   true,
		PreferCSSPageSize: true,
	})
	if err != nil {
		return nil, fmt.Errorf("print to pdf: %w", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("read pdf stream: %w", err)
	}
	return data, nil
}

// acquire returns the shared browser, launching it on first use so bots
// without conversion traffic never pay for a Chromium process.
func (r *Renderer) acquire() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().Headless(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	r.browser = browser
	r.cleanup = l.Kill
	return browser, nil
}

// Close shuts the browser down. Safe to call when it never launched.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	if r.cleanup != nil {
		r.cleanup()
	}
	r.browser = nil
	r.cleanup = nil
	return err
}
