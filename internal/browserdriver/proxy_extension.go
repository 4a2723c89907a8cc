package browserdriver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// proxyExtension is a temporary Chrome MV3 extension used to supply proxy
// credentials; Chrome does not support authenticated proxies via command
// line flags.
type proxyExtension struct {
	dir string
}

// NewProxyExtension writes a throwaway extension directory wired to proxy.
// Callers launch Chrome with load-extension pointed at Dir(), then call
// Cleanup when the browser session is closed.
func NewProxyExtension(proxy *ProxyConfig) (*proxyExtension, error) {
	host, port, err := splitProxyURL(proxy.URL)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "controlplane-proxy-ext-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir for proxy extension: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to set directory permissions: %w", err)
	}

	ext := &proxyExtension{dir: dir}
	if err := ext.writeManifest(); err != nil {
		ext.Cleanup()
		return nil, err
	}
	if err := ext.writeBackgroundScript(host, port, proxy.Username, proxy.Password); err != nil {
		ext.Cleanup()
		return nil, err
	}
	return ext, nil
}

// Dir returns the extension directory path.
func (e *proxyExtension) Dir() string { return e.dir }

// Cleanup removes the extension directory. Safe to call on a nil dir.
func (e *proxyExtension) Cleanup() {
	if e.dir != "" {
		os.RemoveAll(e.dir)
	}
}

func (e *proxyExtension) writeManifest() error {
	manifest := map[string]interface{}{
		"manifest_version": 3,
		"name":             "controlplane-proxy-auth",
		"version":          "1.0",
		"permissions":      []string{"proxy", "webRequest", "webRequestAuthProvider"},
		"host_permissions": []string{"<all_urls>"},
		"background":       map[string]interface{}{"service_worker": "background.js"},
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(e.dir, "manifest.json"), data, 0600)
}

// writeBackgroundScript emits the MV3 service worker that configures the
// proxy and answers auth challenges. Every value is JSON-marshaled before
// interpolation so proxy credentials cannot break out of the JS string
// literals they're embedded in.
func (e *proxyExtension) writeBackgroundScript(host, port, username, password string) error {
	hostJSON, err := json.Marshal(host)
	if err != nil {
		return err
	}
	portJSON, err := json.Marshal(port)
	if err != nil {
		return err
	}
	usernameJSON, err := json.Marshal(username)
	if err != nil {
		return err
	}
	passwordJSON, err := json.Marshal(password)
	if err != nil {
		return err
	}

	script := fmt.Sprintf(`
const config = {
    mode: "fixed_servers",
    rules: { singleProxy: { scheme: "http", host: %s, port: parseInt(%s) }, bypassList: [] }
};

chrome.proxy.settings.set({value: config, scope: "regular"}, function() {
    if (chrome.runtime.lastError) {
        console.error("proxy config error:", chrome.runtime.lastError);
    }
});

chrome.webRequest.onAuthRequired.addListener(
    function(details, callbackFn) {
        callbackFn({ authCredentials: { username: %s, password: %s } });
    },
    {urls: ["<all_urls>"]},
    ["asyncBlocking"]
);
`, hostJSON, portJSON, usernameJSON, passwordJSON)

	return os.WriteFile(filepath.Join(e.dir, "background.js"), []byte(script), 0600)
}

// splitProxyURL extracts host:port from a proxy URL of the form
// scheme://host:port or host:port.
func splitProxyURL(proxyURL string) (host, port string, err error) {
	u := proxyURL
	if idx := indexAfterScheme(u); idx >= 0 {
		u = u[idx:]
	}
	for i := len(u) - 1; i >= 0; i-- {
		if u[i] == ':' {
			return u[:i], u[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("proxy url %q has no port", proxyURL)
}

func indexAfterScheme(u string) int {
	for i := 0; i+2 < len(u); i++ {
		if u[i] == ':' && u[i+1] == '/' && u[i+2] == '/' {
			return i + 3
		}
	}
	return -1
}
