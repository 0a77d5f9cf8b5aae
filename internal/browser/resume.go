package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/zeeeepa/codegenapp/internal/slots"
)

const (
	defaultResumeTimeout = 5 * time.Minute
	probeInterval        = 500 * time.Millisecond
)

// Config controls how resume sessions drive the browser.
type Config struct {
	// Headless runs Chrome without a visible window.
	Headless bool
	// Timeout bounds a single resume session end to end.
	Timeout time.Duration
	// ScreenshotDir receives a capture of the page when an expected
	// element cannot be found. Empty disables captures.
	ScreenshotDir string
}

// ElementNotFoundError reports that the chat composer could not be located
// on the page after trying every selector strategy.
type ElementNotFoundError struct {
	Element    string
	Screenshot string
}

func (e *ElementNotFoundError) Error() string {
	if e.Screenshot != "" {
		return fmt.Sprintf("element not found: %s (screenshot saved to %s)", e.Element, e.Screenshot)
	}
	return fmt.Sprintf("element not found: %s", e.Element)
}

// Resumer delivers a message to a stuck agent run through its web chat UI
// when no API endpoint accepts the resume.
type Resumer struct {
	contexts *ContextStore
	pool     *slots.Pool
	cfg      Config
}

// NewResumer returns a Resumer that authenticates sessions from the given
// context store and caps concurrent sessions with the given pool.
func NewResumer(contexts *ContextStore, pool *slots.Pool, cfg Config) *Resumer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultResumeTimeout
	}
	return &Resumer{contexts: contexts, pool: pool, cfg: cfg}
}

// Resume opens the run's chat page, injects the stored credentials, types
// the message into the composer and submits it. The auth context is
// validated and a session slot acquired before any browser starts, so
// missing credentials or a full pool fail fast.
func (r *Resumer) Resume(ctx context.Context, chatURL, message string) error {
	auth, err := r.contexts.Current()
	if err != nil {
		return err
	}

	if err := r.pool.Acquire(); err != nil {
		return err
	}
	defer r.pool.Release()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.cfg.Headless),
	)
	if auth.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(auth.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	if err := chromedp.Run(browserCtx,
		network.Enable(),
		setHeaders(auth.Headers),
		setCookies(chatURL, auth.Cookies),
		chromedp.Navigate(chatURL),
		seedStorage(auth),
	); err != nil {
		return fmt.Errorf("open chat page: %w", err)
	}

	strat, err := r.findComposer(browserCtx)
	if err != nil {
		return err
	}
	slog.Debug("located chat composer", "strategy", strat.Name)

	if err := chromedp.Run(browserCtx,
		chromedp.Click(strat.Input, chromedp.ByQuery),
		chromedp.SendKeys(strat.Input, message, chromedp.ByQuery),
		chromedp.Click(strat.Send, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("submit message: %w", err)
	}

	if err := r.awaitDelivery(browserCtx, message); err != nil {
		return err
	}
	return nil
}

// setHeaders applies extra HTTP headers to every request the page makes.
func setHeaders(headers map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if len(headers) == 0 {
			return nil
		}
		h := make(network.Headers, len(headers))
		for k, v := range headers {
			h[k] = v
		}
		return network.SetExtraHTTPHeaders(h).Do(ctx)
	})
}

// setCookies installs the stored session cookies before navigation so the
// first page load is already authenticated.
func setCookies(pageURL string, cookies []Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			p := network.SetCookie(c.Name, c.Value).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Domain != "" {
				p = p.WithDomain(c.Domain)
			} else {
				p = p.WithURL(pageURL)
			}
			if c.Expires > 0 {
				e := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				p = p.WithExpires(&e)
			}
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// seedStorage writes local and session storage entries, then reloads so the
// app boots with them present.
func seedStorage(auth *AuthContext) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if len(auth.LocalStorage) == 0 && len(auth.SessionStorage) == 0 {
			return nil
		}
		for k, v := range auth.LocalStorage {
			expr := fmt.Sprintf("window.localStorage.setItem(%q, %q)", k, v)
			if err := chromedp.Evaluate(expr, nil).Do(ctx); err != nil {
				return fmt.Errorf("seed localStorage %s: %w", k, err)
			}
		}
		for k, v := range auth.SessionStorage {
			expr := fmt.Sprintf("window.sessionStorage.setItem(%q, %q)", k, v)
			if err := chromedp.Evaluate(expr, nil).Do(ctx); err != nil {
				return fmt.Errorf("seed sessionStorage %s: %w", k, err)
			}
		}
		return chromedp.Reload().Do(ctx)
	})
}

// findComposer probes the selector strategies in order until one matches,
// retrying until the session deadline. A strategy whose input matches but
// whose send control does not still fails, with the error naming the send
// control.
func (r *Resumer) findComposer(ctx context.Context) (*Strategy, error) {
	inputSeen := false
	for {
		for i := range strategies {
			s := &strategies[i]
			ok, err := matches(ctx, s.Input)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			inputSeen = true
			ok, err = matches(ctx, s.Send)
			if err != nil {
				return nil, err
			}
			if ok {
				return s, nil
			}
		}

		select {
		case <-ctx.Done():
			element := "message input"
			if inputSeen {
				element = "send control"
			}
			return nil, r.elementNotFound(ctx, element)
		case <-time.After(probeInterval):
		}
	}
}

// matches reports whether the selector currently matches at least one node.
func matches(ctx context.Context, sel string) (bool, error) {
	var nodes []*cdp.Node
	err := chromedp.Run(ctx,
		chromedp.Nodes(sel, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", sel, err)
	}
	return len(nodes) > 0, nil
}

// elementNotFound captures the page for diagnosis and wraps the failure.
// The capture runs on a fresh context because the session deadline has
// usually expired by the time we get here.
func (r *Resumer) elementNotFound(ctx context.Context, element string) error {
	e := &ElementNotFoundError{Element: element}
	if r.cfg.ScreenshotDir == "" {
		return e
	}

	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		slog.Warn("screenshot capture failed", "error", err)
		return e
	}
	path := filepath.Join(r.cfg.ScreenshotDir, fmt.Sprintf("resume-%d.png", time.Now().Unix()))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		slog.Warn("screenshot write failed", "path", path, "error", err)
		return e
	}
	e.Screenshot = path
	return e
}

// awaitDelivery polls the page until the submitted message shows up in the
// transcript, confirming the send actually landed.
func (r *Resumer) awaitDelivery(ctx context.Context, message string) error {
	expr := fmt.Sprintf("document.body.innerText.includes(%q)", message)
	for {
		var found bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
			return fmt.Errorf("confirm delivery: %w", err)
		}
		if found {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("message delivery not confirmed: %w", ctx.Err())
		case <-time.After(probeInterval):
		}
	}
}
