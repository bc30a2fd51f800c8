// Package browser drives headless Chrome through chromedp for page probes.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"watchtower/services/agent/internal/monitor"
)

const (
	viewportWidth  = 1920
	viewportHeight = 1080
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Autonomous-Monitoring-Agent/1.0"
	// chromedp encodes PNG only at quality 100.
	pngQuality = 100
)

var (
	_ monitor.Launcher = (*Launcher)(nil)
	_ monitor.Browser  = (*Browser)(nil)
	_ monitor.Page     = (*Page)(nil)
)

// Launcher starts a fresh headless Chrome per cycle.
type Launcher struct {
	execPath string
}

// NewLauncher uses the Chrome binary at execPath, or the one on PATH when empty.
func NewLauncher(execPath string) *Launcher {
	return &Launcher{execPath: strings.TrimSpace(execPath)}
}

func (l *Launcher) Launch(ctx context.Context) (monitor.Browser, error) {
	options := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Headless,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(viewportWidth, viewportHeight),
		chromedp.UserAgent(userAgent),
	)
	if l.execPath != "" {
		options = append(options, chromedp.ExecPath(l.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), options...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &Browser{
		ctx: browserCtx,
		cancel: func() {
			cancelBrowser()
			cancelAlloc()
		},
	}, nil
}

type Browser struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewPage opens a tab in a new browser context so cookies and storage are not shared.
func (b *Browser) NewPage(_ context.Context) (monitor.Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	page := &Page{ctx: tabCtx, cancel: cancel}

	chromedp.ListenTarget(tabCtx, page.onEvent)
	if err := chromedp.Run(tabCtx, chromedp.EmulateViewport(viewportWidth, viewportHeight)); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return page, nil
}

func (b *Browser) Close() error {
	b.once.Do(b.cancel)
	return nil
}

// Page accumulates console errors, warnings and uncaught exceptions from its tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu       sync.Mutex
	errs     []string
	warnings []string
}

func (p *Page) onEvent(event any) {
	switch ev := event.(type) {
	case *runtime.EventConsoleAPICalled:
		text := consoleText(ev.Args)
		p.mu.Lock()
		defer p.mu.Unlock()
		switch ev.Type {
		case runtime.APITypeError, runtime.APITypeAssert:
			p.errs = append(p.errs, text)
		case runtime.APITypeWarning:
			p.warnings = append(p.warnings, text)
		}
	case *runtime.EventExceptionThrown:
		if ev.ExceptionDetails == nil {
			return
		}
		text := ev.ExceptionDetails.Text
		if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
			text = ev.ExceptionDetails.Exception.Description
		}
		p.mu.Lock()
		p.errs = append(p.errs, "Uncaught: "+text)
		p.mu.Unlock()
	}
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		switch {
		case len(arg.Value) > 0:
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	return strings.Join(parts, " ")
}

func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *Page) Console() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.errs...), append([]string(nil), p.warnings...)
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	shotCtx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, pngQuality)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *Page) Close() error {
	p.once.Do(p.cancel)
	return nil
}
