package validate

import (
	"errors"
	"testing"
)

func TestURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"valid https", "https://example.com", nil},
		{"valid http", "http://example.com/page", nil},
		{"valid with port", "https://example.com:8080/path", nil},
		{"valid with query", "https://example.com?foo=bar", nil},

		{"file scheme", "file:///etc/passwd", ErrBlockedScheme},
		{"javascript scheme", "javascript:alert(1)", ErrBlockedScheme},
		{"data scheme", "data:text/html,<script>alert(1)</script>", ErrBlockedScheme},
		{"ftp scheme", "ftp://example.com", ErrBlockedScheme},
		{"no scheme", "example.com", ErrBlockedScheme},

		{"localhost", "http://localhost/admin", ErrLocalhostBlocked},
		{"localhost with port", "http://localhost:8080", ErrLocalhostBlocked},
		{"127.0.0.1", "http://127.0.0.1", ErrLocalhostBlocked},
		{"127.0.0.1 with port", "http://127.0.0.1:3000", ErrLocalhostBlocked},
		{"IPv6 loopback", "http://[::1]/", ErrLocalhostBlocked},
		{"0.0.0.0", "http://0.0.0.0", ErrPrivateIPBlocked},

		{"decimal loopback", "http://2130706433/", ErrLocalhostBlocked},
		{"decimal private", "http://3232235777/", ErrPrivateIPBlocked},
		{"decimal metadata", "http://2852039166/", ErrPrivateIPBlocked},

		{"alt loopback 127.0.0.2", "http://127.0.0.2/", ErrLocalhostBlocked},
		{"alt loopback 127.1.1.1", "http://127.1.1.1/", ErrLocalhostBlocked},
		{"alt loopback 127.255.255.254", "http://127.255.255.254/", ErrLocalhostBlocked},

		{"shortened loopback", "http://127.1/", ErrLocalhostBlocked},

		{"localhost subdomain", "http://foo.localhost/", ErrLocalhostBlocked},
		{"ip6-localhost", "http://ip6-localhost/", ErrLocalhostBlocked},

		{"private 10.x", "http://10.0.0.1", ErrPrivateIPBlocked},
		{"private 172.16.x", "http://172.16.0.1", ErrPrivateIPBlocked},
		{"private 192.168.x", "http://192.168.1.1", ErrPrivateIPBlocked},

		{"AWS metadata", "http://169.254.169.254/latest/meta-data/", ErrPrivateIPBlocked},
		{"GCP metadata host", "http://metadata.google.internal/", ErrLocalhostBlocked},
		{"AWS instance-data", "http://instance-data/", ErrLocalhostBlocked},

		{"empty", "", ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := URL(tt.url)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("URL(%q) = %v, want nil", tt.url, err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Errorf("URL(%q) = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeCookieDomain(t *testing.T) {
	tests := []struct {
		name       string
		domain     string
		targetHost string
		want       string
	}{
		{"empty domain uses target", "", "example.com", "example.com"},
		{"exact match", "example.com", "example.com", "example.com"},
		{"subdomain match", "example.com", "sub.example.com", "example.com"},
		{"leading dot removed", ".example.com", "example.com", "example.com"},
		{"mismatched domain uses target", "evil.com", "example.com", "example.com"},
		{"parent domain attack blocked", "com", "example.com", "example.com"},
		{"unrelated subdomain blocked", "other.com", "sub.example.com", "sub.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeCookieDomain(tt.domain, tt.targetHost)
			if got != tt.want {
				t.Errorf("SanitizeCookieDomain(%q, %q) = %q, want %q", tt.domain, tt.targetHost, got, tt.want)
			}
		})
	}
}

func TestIsCloudMetadataIP(t *testing.T) {
	tests := []struct {
		ip       string
		metadata bool
	}{
		{"169.254.169.254", true},
		{"100.100.100.200", true},
		{"8.8.8.8", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := parseIPWithNormalization(tt.ip)
			if ip == nil {
				t.Fatalf("failed to parse %q", tt.ip)
			}
			got := isCloudMetadataIP(ip)
			if got != tt.metadata {
				t.Errorf("isCloudMetadataIP(%q) = %v, want %v", tt.ip, got, tt.metadata)
			}
		})
	}
}

func TestProxyURLAllowsPrivateIPsWhenPermitted(t *testing.T) {
	if err := ProxyURL("http://192.168.1.10:8080", true); err != nil {
		t.Errorf("expected private proxy IP to be allowed, got %v", err)
	}
	if err := ProxyURL("http://192.168.1.10:8080", false); err == nil {
		t.Error("expected private proxy IP to be blocked when not permitted")
	}
}

func TestProxyURLAlwaysBlocksMetadataHost(t *testing.T) {
	if err := ProxyURL("http://metadata.google.internal", true); !errors.Is(err, ErrMetadataBlocked) {
		t.Errorf("expected metadata host to be blocked even with allowPrivateIPs, got %v", err)
	}
}
