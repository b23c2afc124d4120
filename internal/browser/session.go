// Package browser is a thin capability wrapper over a headless chromium
// instance. One Session is exclusively owned by one run; it is not shared
// and not reused across runs.
package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rere-dev/aspagent/internal/log"
)

// TextPrefix marks a selector that should be matched against visible text
// instead of being interpreted as CSS.
const TextPrefix = "text="

// Config holds the session settings shared by all runs.
type Config struct {
	Headless         bool
	UserAgent        string
	DefaultTimeoutMS int
	DownloadDir      string
}

// ClickOpts modify a single click call. The zero value clicks the first
// visible match with the default timeout.
type ClickOpts struct {
	TimeoutMS int
	// Last clicks the last matching element instead of the first.
	Last bool
	// Force clicks the first match without waiting for visibility.
	Force bool
}

// Session owns one browser context for the duration of one run.
type Session struct {
	cfg         Config
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

func New(cfg Config) *Session {
	if cfg.DefaultTimeoutMS == 0 {
		cfg.DefaultTimeoutMS = 10000
	}
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(1280, 720), // desktop view; some portals hide nav items on mobile
		chromedp.Flag("headless", cfg.Headless),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Session{
		cfg:         cfg,
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
	}
}

// Open starts the browser tab. It must be called exactly once before any
// other method.
func (s *Session) Open(ctx context.Context) error {
	logger := log.LoggerFromContext(ctx)
	s.ctx, s.cancel = chromedp.NewContext(s.allocCtx)
	actions := []chromedp.Action{}
	if s.cfg.DownloadDir != "" {
		if err := os.MkdirAll(s.cfg.DownloadDir, os.ModePerm); err != nil {
			return err
		}
		actions = append(actions, cdpbrowser.
			SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(s.cfg.DownloadDir).
			WithEventsEnabled(true))
	}
	// navigating to about:blank forces chromium to actually start now
	actions = append(actions, chromedp.Navigate("about:blank"))
	if err := chromedp.Run(s.ctx, actions...); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	logger.Debug("browser session opened", slog.Bool("headless", s.cfg.Headless))
	return nil
}

// Close tears the whole browser down. Safe to call more than once.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.cancelAlloc()
}

func (s *Session) timeoutCtx(timeoutMS int) (context.Context, context.CancelFunc) {
	if timeoutMS <= 0 {
		timeoutMS = s.cfg.DefaultTimeoutMS
	}
	return context.WithTimeout(s.ctx, time.Duration(timeoutMS)*time.Millisecond)
}

// queryOptions maps a (possibly text-match) selector to the chromedp query
// strategy to use for it.
func queryOptions(sel string) (string, chromedp.QueryOption) {
	if q, ok := strings.CutPrefix(sel, TextPrefix); ok {
		return q, chromedp.BySearch
	}
	return sel, chromedp.ByQuery
}

func (s *Session) Navigate(url string) error {
	return chromedp.Run(s.ctx, chromedp.Navigate(url))
}

// Content returns the current page's outer HTML.
func (s *Session) Content() (string, error) {
	var body string
	err := chromedp.Run(s.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		body, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))
	return body, err
}

// ScreenshotBase64 captures the viewport. Failures are the caller's to
// tolerate; debug screenshots are always best-effort.
func (s *Session) ScreenshotBase64() (string, error) {
	var buf []byte
	if err := chromedp.Run(s.ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// SaveScreenshot captures the viewport into a PNG file, creating parent
// directories as needed.
func (s *Session) SaveScreenshot(path string) error {
	var buf []byte
	if err := chromedp.Run(s.ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0644)
}

// Click clicks an element matching sel. With Last set it clicks the last
// match; with Force it dispatches raw mouse events at the first match
// without waiting for visibility.
func (s *Session) Click(sel string, opts ClickOpts) error {
	ctx, cancel := s.timeoutCtx(opts.TimeoutMS)
	defer cancel()

	query, queryOpt := queryOptions(sel)
	switch {
	case opts.Force:
		return chromedp.Run(ctx, forceClickAction(query, queryOpt))
	case opts.Last:
		return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var nodes []*cdp.Node
			if err := chromedp.Nodes(query, &nodes, queryOpt, chromedp.AtLeast(0)).Do(ctx); err != nil {
				return err
			}
			if len(nodes) == 0 {
				return fmt.Errorf("could not find node for selector %s", sel)
			}
			return chromedp.MouseClickNode(nodes[len(nodes)-1]).Do(ctx)
		}))
	default:
		// waits until the first match is visible, so a hidden element
		// surfaces as a timeout the fallback chain can react to
		return chromedp.Run(ctx, chromedp.Click(query, queryOpt, chromedp.NodeVisible))
	}
}

// forceClickAction dispatches raw mouse events at the first match without
// waiting for it to become visible.
func forceClickAction(query string, queryOpt chromedp.QueryOption) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var nodes []*cdp.Node
		if err := chromedp.Nodes(query, &nodes, queryOpt, chromedp.AtLeast(0)).Do(ctx); err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("could not find node for selector %s", query)
		}
		return chromedp.MouseClickNode(nodes[0]).Do(ctx)
	})
}

func (s *Session) Fill(sel, value string) error {
	ctx, cancel := s.timeoutCtx(0)
	defer cancel()
	query, queryOpt := queryOptions(sel)
	return chromedp.Run(ctx,
		chromedp.WaitVisible(query, queryOpt),
		chromedp.SetValue(query, value, queryOpt),
	)
}

// Hover moves the mouse to the center of the first matching element, which
// is what opens hover menus on the portals.
func (s *Session) Hover(sel string) error {
	ctx, cancel := s.timeoutCtx(0)
	defer cancel()
	query, queryOpt := queryOptions(sel)
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var nodes []*cdp.Node
		if err := chromedp.Nodes(query, &nodes, queryOpt, chromedp.AtLeast(0)).Do(ctx); err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("could not find node for selector %s", sel)
		}
		box, err := dom.GetBoxModel().WithNodeID(nodes[0].NodeID).Do(ctx)
		if err != nil {
			return err
		}
		x := (box.Content[0] + box.Content[4]) / 2
		y := (box.Content[1] + box.Content[5]) / 2
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

var keyMap = map[string]string{
	"Enter":  kb.Enter,
	"Tab":    kb.Tab,
	"Escape": kb.Escape,
	"End":    kb.End,
	"Home":   kb.Home,
}

func (s *Session) PressKey(key string) error {
	if mapped, ok := keyMap[key]; ok {
		key = mapped
	}
	return chromedp.Run(s.ctx, chromedp.KeyEvent(key))
}

func (s *Session) Scroll(pixels int) error {
	return chromedp.Run(s.ctx,
		chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", pixels), nil))
}

func (s *Session) Wait(ms int) error {
	return chromedp.Run(s.ctx, chromedp.Sleep(time.Duration(ms)*time.Millisecond))
}

func (s *Session) SelectOption(sel, value string) error {
	ctx, cancel := s.timeoutCtx(0)
	defer cancel()
	query, queryOpt := queryOptions(sel)
	return chromedp.Run(ctx,
		chromedp.WaitVisible(query, queryOpt),
		chromedp.SetValue(query, value, queryOpt),
	)
}

// ExpectDownload clicks sel and waits for the resulting download to finish,
// returning the local path of the downloaded file.
func (s *Session) ExpectDownload(sel string, timeoutMS int) (string, error) {
	if s.cfg.DownloadDir == "" {
		return "", errors.New("no download directory configured")
	}
	ctx, cancel := s.timeoutCtx(timeoutMS)
	defer cancel()

	guidCh := make(chan string, 1)
	done := make(chan string, 1)
	chromedp.ListenBrowser(s.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *cdpbrowser.EventDownloadWillBegin:
			select {
			case guidCh <- e.GUID:
			default:
			}
		case *cdpbrowser.EventDownloadProgress:
			if e.State == cdpbrowser.DownloadProgressStateCompleted {
				select {
				case done <- e.GUID:
				default:
				}
			}
		}
	})

	if err := s.Click(sel, ClickOpts{TimeoutMS: timeoutMS}); err != nil {
		return "", err
	}

	select {
	case guid := <-done:
		return filepath.Join(s.cfg.DownloadDir, guid), nil
	case <-ctx.Done():
		select {
		case guid := <-guidCh:
			// download began but never completed within the timeout
			return "", fmt.Errorf("download %s did not complete: %w", guid, ctx.Err())
		default:
			return "", fmt.Errorf("download did not start: %w", ctx.Err())
		}
	}
}
