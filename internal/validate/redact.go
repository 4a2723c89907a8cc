package validate

import (
	"net/url"
	"strings"
)

// RedactURL strips user credentials and secret-looking query parameters
// from rawURL so it's safe to write to a log line.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}

	return parsed.String()
}

var sensitiveParamPatterns = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"api-key", "auth", "authorization", "bearer", "credential", "key",
	"access_token", "refresh_token", "session", "sessionid", "sid", "private",
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values)
	for key, values := range params {
		keyLower := strings.ToLower(key)
		shouldRedact := false
		for _, pattern := range sensitiveParamPatterns {
			if strings.Contains(keyLower, pattern) {
				shouldRedact = true
				break
			}
		}
		if shouldRedact {
			redacted[key] = []string{"[REDACTED]"}
		} else {
			redacted[key] = values
		}
	}
	return redacted
}

// RedactProxyURL strips the password (but keeps the username, useful for
// identifying which proxy credential a log line came from) from a proxy URL.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}

	return parsed.String()
}
