// Package chromedp implements the headless browser runtime on Chrome DevTools.
package chromedp

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// Config controls the shared Chrome allocator.
type Config struct {
	MaxPages  int
	UserAgent string
	// SettleDelay gives client-side rendering a moment after load.
	SettleDelay time.Duration
}

// Browser implements engine.Browser. One allocator serves all sessions; a
// slot limiter bounds how many tabs are open at once.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New starts a Chrome allocator. MaxPages <= 0 means unlimited tabs.
func New(cfg Config) (*Browser, error) {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxPages > 0 {
		limiter = make(chan struct{}, cfg.MaxPages)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Acquire opens a tab, waiting for a slot when the limiter is full. The
// returned page owns the slot until Release.
func (b *Browser) Acquire(ctx context.Context) (engine.Page, error) {
	if b.limiter != nil {
		select {
		case b.limiter <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
		}
	}

	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	return &page{
		browser:   b,
		tab:       tabCtx,
		tabCancel: tabCancel,
	}, nil
}

// Close tears down the allocator and every open tab.
func (b *Browser) Close() error {
	b.allocCancel()
	return nil
}

func (b *Browser) releaseSlot() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

type page struct {
	browser   *Browser
	tab       context.Context
	tabCancel context.CancelFunc
	prepared  bool
}

// run executes actions on the tab while honoring the caller's deadline.
func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("browser action canceled: %w", ctxErr)
		}
		return fmt.Errorf("browser action: %w", err)
	}
	return nil
}

func (p *page) Navigate(ctx context.Context, url string) error {
	actions := []chromedp.Action{}
	if !p.prepared {
		actions = append(actions, p.setupAction())
		p.prepared = true
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(p.browser.cfg.SettleDelay),
	)
	return p.run(ctx, actions...)
}

func (p *page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (p *page) Click(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.Sleep(p.browser.cfg.SettleDelay),
	)
}

func (p *page) Release() {
	p.tabCancel()
	p.browser.releaseSlot()
}

func (p *page) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.browser.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.browser.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}
