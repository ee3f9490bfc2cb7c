package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const (
	pdfTimeout    = 30 * time.Second
	maxSlugLength = 50
)

// Minutes print on A4 with a 2cm margin. Sizes are in inches, as Chrome expects.
var minutesPaper = struct {
	width, height, margin float64
}{width: 8.27, height: 11.69, margin: 0.79}

var chromeBinaries = []string{"chromium", "chromium-browser", "google-chrome", "headless-shell"}

func findChrome() (string, error) {
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chrome or chromium binary on PATH", ErrPDFDependencyMissing)
}

// htmlDataURL embeds a document in a data URL. Base64 sidesteps escaping the markup.
func htmlDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

// renderPDF prints the minutes document with a throwaway headless Chrome.
func renderPDF(parent context.Context, html, title string) (*Result, error) {
	chrome, err := findChrome()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(parent, pdfTimeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chrome),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var data []byte
	printPDF := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		data, _, err = page.PrintToPDF().
			WithPrintBackground(true).
			WithPaperWidth(minutesPaper.width).
			WithPaperHeight(minutesPaper.height).
			WithMarginTop(minutesPaper.margin).
			WithMarginBottom(minutesPaper.margin).
			WithMarginLeft(minutesPaper.margin).
			WithMarginRight(minutesPaper.margin).
			WithDisplayHeaderFooter(false).
			Do(ctx)
		return err
	})
	if err := chromedp.Run(browserCtx, chromedp.Navigate(htmlDataURL(html)), chromedp.WaitReady("body"), printPDF); err != nil {
		return nil, fmt.Errorf("print minutes: %w", err)
	}
	return &Result{Data: data, Filename: slug(title) + ".pdf", MimeType: "application/pdf"}, nil
}

// slug keeps ASCII letters, digits, '-' and '_', turns spaces into '-', and drops
// everything else.
func slug(title string) string {
	var b strings.Builder
	for _, r := range title {
		if b.Len() == maxSlugLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "minutes"
	}
	return b.String()
}
