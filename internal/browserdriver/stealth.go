package browserdriver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// ApplyStealth patches common headless-detection vectors on a page. Call
// it right after a tab is created and before any navigation; NewPage does
// this automatically as a fallback when go-rod/stealth's own page wrapper
// cannot be used.
func ApplyStealth(page *rod.Page) error {
	_, err := page.Evaluate(rod.Eval(stealthScript))
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "SyntaxError") {
			return fmt.Errorf("stealth script syntax error: %w", err)
		}
		if strings.Contains(errStr, "ReferenceError") {
			return fmt.Errorf("stealth script reference error: %w", err)
		}
		log.Warn().Err(err).Msg("stealth script had non-fatal errors, continuing")
		return nil
	}
	return nil
}

// stealthScript masks the automation fingerprints most bot-detection
// scripts check for.
const stealthScript = `
(() => {
    'use strict';
    if (window.__stealthApplied) { return; }
    window.__stealthApplied = true;

    try {

    Object.defineProperty(navigator, 'webdriver', {
        get: () => undefined,
        configurable: true
    });

    Object.defineProperty(navigator, 'plugins', {
        get: () => {
            const plugins = [
                { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format', length: 1, item: () => null, namedItem: () => null, [Symbol.iterator]: function* () {} },
                { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '', length: 1, item: () => null, namedItem: () => null, [Symbol.iterator]: function* () {} },
                { name: 'Native Client', filename: 'internal-nacl-plugin', description: '', length: 2, item: () => null, namedItem: () => null, [Symbol.iterator]: function* () {} }
            ];
            plugins.length = 3;
            plugins.item = (index) => plugins[index] || null;
            plugins.namedItem = (name) => plugins.find(p => p.name === name) || null;
            plugins.refresh = () => {};
            return plugins;
        },
        configurable: true
    });

    Object.defineProperty(navigator, 'languages', {
        get: () => ['en-US', 'en'],
        configurable: true
    });

    if (!window.chrome) { window.chrome = {}; }
    if (!window.chrome.runtime) {
        window.chrome.runtime = {
            connect: function() { return { onMessage: { addListener: function() {} }, postMessage: function() {} }; },
            sendMessage: function() {},
            onMessage: { addListener: function() {} },
            id: undefined
        };
    }
    if (!window.chrome.csi) { window.chrome.csi = function() { return {}; }; }
    if (!window.chrome.loadTimes) {
        window.chrome.loadTimes = function() {
            return {
                requestTime: Date.now() / 1000, startLoadTime: Date.now() / 1000,
                commitLoadTime: Date.now() / 1000, finishDocumentLoadTime: Date.now() / 1000,
                finishLoadTime: Date.now() / 1000, firstPaintTime: Date.now() / 1000,
                firstPaintAfterLoadTime: 0, navigationType: 'navigate',
                wasFetchedViaSpdy: false, wasNpnNegotiated: true,
                npnNegotiatedProtocol: 'h2', wasAlternateProtocolAvailable: false,
                connectionInfo: 'h2'
            };
        };
    }

    if (window.navigator && window.navigator.permissions && window.navigator.permissions.query) {
        const originalQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
        window.navigator.permissions.query = (parameters) => {
            if (parameters.name === 'notifications') {
                return Promise.resolve({
                    state: typeof Notification !== 'undefined' ? Notification.permission : 'default',
                    onchange: null
                });
            }
            return originalQuery(parameters);
        };
    }

    if (navigator.connection) {
        Object.defineProperty(navigator, 'connection', {
            get: () => ({ effectiveType: '4g', rtt: 50, downlink: 10, saveData: false, onchange: null }),
            configurable: true
        });
    }

    Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8, configurable: true });
    Object.defineProperty(navigator, 'deviceMemory', { get: () => 8, configurable: true });

    try {
        if (!Function.prototype.toString._stealth) {
            const originalFunctionToString = Function.prototype.toString;
            if (typeof originalFunctionToString !== 'function' || typeof originalFunctionToString.call !== 'function') {
                throw new Error('toString not patchable');
            }
            const customFunctionToString = function() {
                try {
                    if (window.navigator && window.navigator.permissions && this === window.navigator.permissions.query) {
                        return 'function query() { [native code] }';
                    }
                    if (window.chrome && window.chrome.runtime) {
                        if (this === window.chrome.runtime.connect) { return 'function connect() { [native code] }'; }
                        if (this === window.chrome.runtime.sendMessage) { return 'function sendMessage() { [native code] }'; }
                    }
                } catch (e) {}
                if (typeof originalFunctionToString === 'function' && typeof originalFunctionToString.call === 'function') {
                    return originalFunctionToString.call(this);
                }
                return '[native code]';
            };
            customFunctionToString._stealth = true;
            Object.defineProperty(Function.prototype, 'toString', { value: customFunctionToString, writable: true, configurable: true });
        }
    } catch (e) {}

    try {
        const UNMASKED_VENDOR_WEBGL = 37445;
        const UNMASKED_RENDERER_WEBGL = 37446;
        ['WebGLRenderingContext', 'WebGL2RenderingContext'].forEach(function(ctxName) {
            try {
                const ctx = window[ctxName];
                if (!ctx || !ctx.prototype) return;
                const originalGetParameter = ctx.prototype.getParameter;
                if (typeof originalGetParameter !== 'function') return;
                if (originalGetParameter._stealth) return;
                if (typeof originalGetParameter.call !== 'function') return;
                ctx.prototype.getParameter = function(param) {
                    try {
                        if (param === UNMASKED_VENDOR_WEBGL) { return 'Intel Inc.'; }
                        if (param === UNMASKED_RENDERER_WEBGL) { return 'Intel Iris OpenGL Engine'; }
                        if (typeof originalGetParameter === 'function' && typeof originalGetParameter.call === 'function') {
                            return originalGetParameter.call(this, param);
                        }
                        return null;
                    } catch (e) { return null; }
                };
                ctx.prototype.getParameter._stealth = true;
            } catch (e) {}
        });
    } catch (e) {}

    if (typeof Notification !== 'undefined') {
        Object.defineProperty(Notification, 'permission', { get: () => 'default', configurable: true });
    }

    } catch (e) {}
})();
`

// BlockResources configures the page to drop requests for resource types
// the caller does not need (images, CSS, fonts, media), reducing run time
// and memory. Returns a cleanup function that MUST be called when the page
// is closed to stop the underlying EachEvent goroutines; safe to call more
// than once.
func BlockResources(ctx context.Context, page *rod.Page, blockImages, blockCSS, blockFonts, blockMedia bool) (cleanup func(), err error) {
	err = proto.FetchEnable{
		Patterns: buildBlockPatterns(blockImages, blockCSS, blockFonts, blockMedia),
	}.Call(page)
	if err != nil {
		log.Warn().Err(err).Msg("failed to enable resource blocking")
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var cleanupOnce sync.Once
	cleanupFunc := func() {
		cleanupOnce.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("timeout waiting for resource-blocking listeners to clean up")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			cleanupFunc()
			return true
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = proto.FetchFailRequest{
				RequestID:   e.RequestID,
				ErrorReason: proto.NetworkErrorReasonBlockedByClient,
			}.Call(page)
			return false
		})()
	}()

	return cleanupFunc, nil
}

func buildBlockPatterns(blockImages, blockCSS, blockFonts, blockMedia bool) []*proto.FetchRequestPattern {
	patterns := make([]*proto.FetchRequestPattern, 0)

	if blockImages {
		for _, p := range []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.bmp"} {
			patterns = append(patterns, &proto.FetchRequestPattern{URLPattern: p, ResourceType: proto.NetworkResourceTypeImage})
		}
	}
	if blockCSS {
		patterns = append(patterns, &proto.FetchRequestPattern{URLPattern: "*.css", ResourceType: proto.NetworkResourceTypeStylesheet})
	}
	if blockFonts {
		for _, p := range []string{"*.woff", "*.woff2", "*.ttf", "*.otf", "*.eot"} {
			patterns = append(patterns, &proto.FetchRequestPattern{URLPattern: p, ResourceType: proto.NetworkResourceTypeFont})
		}
	}
	if blockMedia {
		for _, p := range []string{"*.mp4", "*.webm", "*.mp3", "*.ogg", "*.wav"} {
			patterns = append(patterns, &proto.FetchRequestPattern{URLPattern: p, ResourceType: proto.NetworkResourceTypeMedia})
		}
	}
	return patterns
}

// SetUserAgent overrides the page's reported user agent string.
func SetUserAgent(page *rod.Page, userAgent string) error {
	return proto.NetworkSetUserAgentOverride{UserAgent: userAgent}.Call(page)
}

// SetViewport sets the page's viewport dimensions.
func SetViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}

// SetCookies installs cookies on the page before navigation.
func SetCookies(page *rod.Page, cookies []*proto.NetworkCookieParam) error {
	return page.SetCookies(cookies)
}

// GetCookies retrieves all cookies currently visible to the page.
func GetCookies(page *rod.Page) ([]*proto.NetworkCookie, error) {
	return page.Cookies(nil)
}
