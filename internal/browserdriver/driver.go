// Package browserdriver adapts go-rod/CDP to the single-session-per-slot
// model the browser pool needs: one browser process per BrowserSlot,
// launched on demand and torn down when the slot is released, rather than
// drawn from a fixed warm pool of interchangeable browsers.
package browserdriver

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/types"
)

// Config controls how the driver launches and manages browser processes.
type Config struct {
	Headless         bool
	BrowserPath      string
	IgnoreCertErrors bool
	InitTimeout      time.Duration
	MaxMemoryMB      int
}

// Driver launches and manages the lifecycle of browser sessions. It holds
// no session state itself; each Launch call returns an independent Session.
type Driver struct {
	config Config
}

// New creates a driver with the given configuration.
func New(config Config) *Driver {
	return &Driver{config: config}
}

// Session wraps a single CDP-connected browser process dedicated to one
// BrowserSlot. It is not safe for concurrent use from multiple goroutines
// without external synchronization (the owning slot serializes access).
type Session struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	proxy    *ProxyConfig
}

// Page wraps a single tab/target within a Session.
type Page struct {
	page    *rod.Page
	cleanup []func()
}

// Launch starts a fresh, stealth-hardened browser process and connects to
// it via CDP. The returned Session owns the underlying process; callers
// must call Close when the slot is released or fails.
func (d *Driver) Launch(ctx context.Context, proxy *ProxyConfig) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := d.createLauncher(proxy)

	url, err := l.Launch()
	if err != nil {
		return nil, types.NewDriverError("launch", "failed to launch browser process", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Context(ctx).Connect(); err != nil {
		l.Cleanup()
		return nil, types.NewDriverError("connect", "failed to connect to browser over CDP", err)
	}

	if d.config.IgnoreCertErrors {
		log.Warn().Msg("certificate validation disabled for this browser session")
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("failed to disable certificate validation")
		}
	}

	log.Debug().Str("control_url", url).Msg("browser session launched")
	return &Session{browser: browser, launcher: l, proxy: proxy}, nil
}

// NewPage opens a stealth-hardened tab, applies proxy auth wiring if
// configured, and returns it. Callers must call Page.Close when done.
func (s *Session) NewPage(ctx context.Context) (*Page, error) {
	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, types.NewDriverError("new_page", "failed to open tab", err)
	}

	stealthPage, err := stealth.Page(s.browser)
	if err == nil {
		page = stealthPage
	} else {
		log.Warn().Err(err).Msg("stealth page creation failed, falling back to plain page with manual stealth injection")
		if err := ApplyStealth(page); err != nil {
			log.Warn().Err(err).Msg("manual stealth injection failed")
		}
	}

	p := &Page{page: page}

	if s.proxy != nil && s.proxy.Username != "" {
		cleanup, err := SetPageProxy(ctx, page, s.proxy)
		if err != nil {
			log.Warn().Err(err).Msg("failed to wire proxy authentication for page")
		} else {
			p.cleanup = append(p.cleanup, cleanup)
		}
	}

	return p, nil
}

// Rod exposes the underlying rod.Page for callers (workflow interpreter,
// humanize package) that need direct CDP access.
func (p *Page) Rod() *rod.Page { return p.page }

// Close navigates to about:blank and closes the tab, running any proxy/
// resource-block cleanup registered against it.
func (p *Page) Close() error {
	for _, fn := range p.cleanup {
		fn()
	}
	if p.page == nil {
		return nil
	}
	_ = p.page.Navigate("about:blank")
	return p.page.Close()
}

// HealthCheck verifies the session's browser process is still responsive
// by opening and closing a throwaway page within the given timeout.
func (s *Session) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("session health check failed: cannot create page")
		return false
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Msg("session health check failed: cannot navigate")
		return false
	}
	return true
}

// CurrentURL returns the URL of the session's most recently activated
// page, or "" if no page is open.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return "", types.NewDriverError("current_url", "failed to list pages", err)
	}
	if len(pages) == 0 {
		return "", nil
	}
	info, err := pages[len(pages)-1].Context(ctx).Info()
	if err != nil {
		return "", types.NewDriverError("current_url", "failed to read page info", err)
	}
	return info.URL, nil
}

// TabHosts returns the hostname of every open tab in the session, in
// activation order.
func (s *Session) TabHosts(ctx context.Context) ([]string, error) {
	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return nil, types.NewDriverError("tab_hosts", "failed to list pages", err)
	}
	hosts := make([]string, 0, len(pages))
	for _, page := range pages {
		info, err := page.Context(ctx).Info()
		if err != nil {
			continue
		}
		if u, err := url.Parse(info.URL); err == nil {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts, nil
}

// Close tears down the browser process and the launcher's own temporary
// resources. The proxy extension directory written by createLauncher is
// not removed. Safe to call once.
func (s *Session) Close() error {
	var err error
	if s.browser != nil {
		err = s.browser.Close()
	}
	if s.launcher != nil {
		s.launcher.Cleanup()
	}
	return err
}

// createLauncher builds a hardened Chrome launcher. A fresh launcher is
// required for every session since a launcher can only launch once.
func (d *Driver) createLauncher(proxy *ProxyConfig) *launcher.Launcher {
	l := launcher.New().
		Headless(d.config.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-web-security").
		Set("disable-accelerated-2d-canvas").
		Set("disable-gpu-sandbox").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2").
		Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update").
		Set("js-flags", fmt.Sprintf("--max-old-space-size=%d", maxHeapMB(d.config.MaxMemoryMB))).
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")

	if d.config.BrowserPath != "" {
		l = l.Bin(d.config.BrowserPath)
	}

	if d.config.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").Set("ignore-ssl-errors")
	}

	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		l = l.Set("disable-gpu-compositing")
	} else {
		l = l.Set("disable-gpu")
	}

	if proxy != nil && proxy.URL != "" {
		l = l.Set("proxy-server", proxy.URL)
		if proxy.Username != "" {
			if ext, err := NewProxyExtension(proxy); err == nil {
				l = l.Set("load-extension", ext.Dir())
				l = l.Set("disable-extensions-except", ext.Dir())
			} else {
				log.Warn().Err(err).Msg("failed to build authenticated-proxy extension, falling back to unauthenticated proxy arg")
			}
		}
	}

	return l
}

// maxHeapMB keeps the V8 heap comfortably under the session's memory
// budget; Chrome's own working set sits on top of the JS heap.
func maxHeapMB(budgetMB int) int {
	if budgetMB <= 0 {
		return 256
	}
	heap := budgetMB / 4
	if heap < 64 {
		heap = 64
	}
	return heap
}
