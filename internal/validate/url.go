// Package validate guards the control plane against SSRF via a recorded
// Robot navigating or proxying to an internal address, and strips
// credentials out of URLs before they reach logs.
package validate

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

const dnsLookupTimeout = 5 * time.Second

func lookupIPWithTimeout(ctx context.Context, hostname string) ([]net.IP, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dnsLookupTimeout)
		defer cancel()
	}
	resolver := &net.Resolver{}
	return resolver.LookupIP(ctx, "ip", hostname)
}

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
	ErrEmptyURL         = errors.New("empty or special URL")
	ErrEmptyHostname    = errors.New("empty hostname")
	ErrDNSLookupFailed  = errors.New("DNS lookup failed or returned no IPs")
	ErrInvalidIDN       = errors.New("invalid internationalized domain name")
	ErrDNSRebinding     = errors.New("DNS rebinding detected: resolved IP does not match expected IP")
)

var idnaProfile = idna.New(
	idna.ValidateLabels(true),
	idna.VerifyDNSLength(true),
	idna.StrictDomainName(true),
)

// AllowedSchemes defines the permitted URL schemes for a robot's target URL.
var AllowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// BlockedHosts contains hostnames that should never be navigated to, since
// they front localhost or a cloud metadata service.
var BlockedHosts = map[string]bool{
	"localhost": true,

	"instance-data":              true,
	"instance-data.ec2.internal": true,

	"metadata.google.internal": true,
	"metadata":                 true,

	"metadata.azure.com":        true,
	"management.azure.com":      true,
	"login.microsoftonline.com": true,
	"graph.microsoft.com":       true,

	"metadata.aliyun.com":     true,
	"metadata.oraclecloud.com": true,
	"metadata.softlayer.local": true,
	"metadata.digitalocean.com": true,
	"metadata.hetzner.cloud":   true,
	"metadata.vultr.com":       true,
	"metadata.linode.com":      true,
	"metadata.tencentyun.com":  true,

	"kubernetes.default.svc": true,
	"kubernetes.default":     true,
	"kubernetes":             true,
}

// cloudMetadataIPs are the well-known IPs cloud providers serve instance
// metadata from; a navigation or proxy reaching one of these could leak
// credentials.
var cloudMetadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("169.254.170.2"),
	net.ParseIP("169.254.170.23"),
	net.ParseIP("fd00:ec2::254"),
	net.ParseIP("fc00:ec2::254"),
	net.ParseIP("169.254.169.253"),
	net.ParseIP("169.254.169.252"),
	net.ParseIP("100.100.100.200"),
	net.ParseIP("192.0.0.192"),
	net.ParseIP("169.254.0.1"),
}

// URL checks whether rawURL is safe for a run to navigate to: an allowed
// scheme, not localhost/a cloud metadata host, and (after DNS resolution)
// not a private, link-local, or metadata IP. Resolution failures fail
// closed rather than letting the browser attempt the navigation anyway.
func URL(rawURL string) error {
	return URLWithContext(context.Background(), rawURL)
}

// URLWithContext is URL with a caller-supplied context for DNS timeout control.
func URLWithContext(ctx context.Context, rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}

	if !AllowedSchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedScheme
	}

	hostname := strings.ToLower(parsed.Hostname())
	if BlockedHosts[hostname] {
		return ErrLocalhostBlocked
	}
	if isLocalhostHostname(hostname) {
		return ErrLocalhostBlocked
	}
	if err := validateIDN(hostname); err != nil {
		return err
	}

	ip := parseIPWithNormalization(hostname)
	if ip != nil {
		ip = normalizeIPv4Mapped(ip)
		if err := validateIP(ip); err != nil {
			return err
		}
		return nil
	}

	ips, err := lookupIPWithTimeout(ctx, hostname)
	if err != nil || len(ips) == 0 {
		return ErrDNSLookupFailed
	}
	for _, resolved := range ips {
		resolved = normalizeIPv4Mapped(resolved)
		if err := validateIP(resolved); err != nil {
			return err
		}
	}
	return nil
}

// parseIPWithNormalization parses hostname as an IP, including decimal,
// octal, and hex octet encodings that would otherwise slip past a plain
// net.ParseIP check.
func parseIPWithNormalization(hostname string) net.IP {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip
	}

	if num, err := strconv.ParseUint(hostname, 10, 32); err == nil {
		return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num))
	}

	parts := strings.Split(hostname, ".")
	if len(parts) == 4 {
		var octets [4]byte
		for i, part := range parts {
			val, err := parseIntWithBase(part)
			if err != nil || val > 255 {
				return nil
			}
			octets[i] = byte(val)
		}
		return net.IPv4(octets[0], octets[1], octets[2], octets[3])
	}

	if len(parts) == 2 {
		first, err1 := parseIntWithBase(parts[0])
		second, err2 := parseIntWithBase(parts[1])
		if err1 == nil && err2 == nil && first <= 255 && second <= 0xFFFFFF {
			return net.IPv4(byte(first), byte(second>>16), byte(second>>8), byte(second))
		}
	}

	if len(parts) == 3 {
		first, err1 := parseIntWithBase(parts[0])
		second, err2 := parseIntWithBase(parts[1])
		third, err3 := parseIntWithBase(parts[2])
		if err1 == nil && err2 == nil && err3 == nil &&
			first <= 255 && second <= 255 && third <= 0xFFFF {
			if third > 255 && (third&0xFF) != 0 {
				return nil
			}
			return net.IPv4(byte(first), byte(second), byte(third>>8), byte(third))
		}
	}

	return nil
}

func parseIntWithBase(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	if strings.HasPrefix(s, "0") && len(s) > 1 && s[1] != 'x' && s[1] != 'X' {
		return strconv.ParseUint(s[1:], 8, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func normalizeIPv4Mapped(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

func validateIDN(hostname string) error {
	isASCII := true
	for i := 0; i < len(hostname); i++ {
		if hostname[i] > 127 {
			isASCII = false
			break
		}
	}
	if isASCII {
		return nil
	}

	if _, err := idnaProfile.ToASCII(hostname); err != nil {
		log.Warn().Str("hostname", hostname).Err(err).Msg("invalid IDN hostname")
		return ErrInvalidIDN
	}
	return nil
}

func isLocalhostHostname(hostname string) bool {
	switch hostname {
	case "localhost", "localhost.localdomain", "local", "ip6-localhost", "ip6-loopback":
		return true
	}
	if strings.HasSuffix(hostname, ".localhost") || strings.HasPrefix(hostname, "localhost.") {
		return true
	}
	return false
}

func isLoopbackIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 127
	}
	return ip.Equal(net.IPv6loopback)
}

func validateIP(ip net.IP) error {
	if isLoopbackIP(ip) {
		return ErrLocalhostBlocked
	}
	if ip.IsPrivate() {
		return ErrPrivateIPBlocked
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return ErrPrivateIPBlocked
	}
	if isCloudMetadataIP(ip) {
		return ErrMetadataBlocked
	}
	if ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}
	return nil
}

func isCloudMetadataIP(ip net.IP) bool {
	for _, metadataIP := range cloudMetadataIPs {
		if ip.Equal(metadataIP) {
			log.Warn().Str("blocked_ip", ip.String()).Msg("blocked cloud metadata access attempt")
			return true
		}
	}
	return false
}

// Proxy URL validation errors.
var (
	ErrInvalidProxyURL    = errors.New("invalid proxy URL")
	ErrBlockedProxyScheme = errors.New("proxy URL scheme not allowed (must be http, https, socks4, or socks5)")
)

// AllowedProxySchemes defines the permitted schemes for a run's proxy URL.
var AllowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks4": true,
	"socks5": true,
}

// ProxyURL validates a proxy URL. Unlike URL, it permits socks4/socks5 and,
// when allowPrivateIPs is set, private/localhost addresses — a self-hosted
// proxy on the operator's own network is a legitimate configuration — but
// cloud metadata hosts and IPs are always blocked regardless.
func ProxyURL(proxyURL string, allowPrivateIPs bool) error {
	if proxyURL == "" {
		return nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return ErrInvalidProxyURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !AllowedProxySchemes[scheme] {
		return ErrBlockedProxyScheme
	}
	if parsed.Host == "" {
		return ErrInvalidProxyURL
	}
	if portStr := parsed.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return ErrInvalidProxyURL
		}
	}

	hostname := strings.ToLower(parsed.Hostname())

	if isCloudMetadataHost(hostname) {
		return ErrMetadataBlocked
	}
	ip := parseIPWithNormalization(hostname)
	if ip != nil {
		ip = normalizeIPv4Mapped(ip)
		if isCloudMetadataIP(ip) {
			return ErrMetadataBlocked
		}
	}

	if allowPrivateIPs {
		return nil
	}

	if BlockedHosts[hostname] {
		return ErrLocalhostBlocked
	}
	if isLocalhostHostname(hostname) {
		return ErrLocalhostBlocked
	}

	if ip == nil {
		ip = parseIPWithNormalization(hostname)
	}
	if ip != nil {
		ip = normalizeIPv4Mapped(ip)
		if err := validateIP(ip); err != nil {
			return err
		}
		return nil
	}

	ips, err := lookupIPWithTimeout(context.Background(), hostname)
	if err == nil {
		for _, resolved := range ips {
			resolved = normalizeIPv4Mapped(resolved)
			if isCloudMetadataIP(resolved) {
				return ErrMetadataBlocked
			}
			if err := validateIP(resolved); err != nil {
				return err
			}
		}
	}
	// DNS lookup failure is not an error for proxy URLs: the browser
	// connects through the proxy, which does its own resolution.
	return nil
}

var cloudMetadataHosts = map[string]bool{
	"instance-data":              true,
	"instance-data.ec2.internal": true,
	"metadata.google.internal":   true,
	"metadata":                   true,
	"metadata.azure.com":         true,
	"metadata.aliyun.com":        true,
	"metadata.oraclecloud.com":   true,
	"metadata.softlayer.local":   true,
	"metadata.digitalocean.com":  true,
	"metadata.hetzner.cloud":     true,
	"metadata.vultr.com":         true,
	"metadata.linode.com":        true,
	"metadata.tencentyun.com":    true,
}

func isCloudMetadataHost(hostname string) bool {
	return cloudMetadataHosts[hostname]
}

// SanitizeCookieDomain validates a cookie's Domain attribute against the
// target host it was set from, rejecting public-suffix supercookie attempts
// (e.g. a cookie scoped to "co.uk") and domains that don't actually cover
// the target host.
func SanitizeCookieDomain(domain string, targetHost string) string {
	if domain == "" {
		return targetHost
	}

	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	targetHost = strings.ToLower(targetHost)

	if domain == targetHost {
		return domain
	}

	if strings.HasSuffix(targetHost, "."+domain) {
		suffix, icann := publicsuffix.PublicSuffix(domain)
		if icann && suffix == domain {
			return targetHost
		}

		eTLD, err := publicsuffix.EffectiveTLDPlusOne(domain)
		if err != nil {
			return targetHost
		}
		if domain != eTLD && !strings.HasSuffix(domain, "."+eTLD) {
			return targetHost
		}
		return domain
	}

	return targetHost
}

// URLWithPinnedIP re-validates rawURL and additionally confirms it still
// resolves to expectedIP, the IP captured at initial validation time. This
// closes the DNS-rebinding gap where a hostname validated safely but the
// DNS record changed before the browser actually connected.
func URLWithPinnedIP(rawURL string, expectedIP net.IP) error {
	return URLWithPinnedIPContext(context.Background(), rawURL, expectedIP)
}

// URLWithPinnedIPContext is URLWithPinnedIP with a caller-supplied context.
func URLWithPinnedIPContext(ctx context.Context, rawURL string, expectedIP net.IP) error {
	if err := URLWithContext(ctx, rawURL); err != nil {
		return err
	}
	if expectedIP == nil {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	hostname := strings.ToLower(parsed.Hostname())

	if ip := parseIPWithNormalization(hostname); ip != nil {
		if !normalizeIPv4Mapped(ip).Equal(expectedIP) {
			return ErrDNSRebinding
		}
		return nil
	}

	ips, err := lookupIPWithTimeout(ctx, hostname)
	if err != nil {
		return ErrDNSRebinding
	}
	for _, resolved := range ips {
		if normalizeIPv4Mapped(resolved).Equal(expectedIP) {
			return nil
		}
	}
	return ErrDNSRebinding
}

// ExtractAndValidateHostIPContext extracts the hostname from rawURL and
// returns its resolved, validated IP, for capturing at navigation time and
// later comparing with URLWithPinnedIP.
func ExtractAndValidateHostIPContext(ctx context.Context, rawURL string) (net.IP, error) {
	if rawURL == "" || rawURL == "about:blank" {
		return nil, ErrEmptyURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrInvalidURL
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return nil, ErrEmptyHostname
	}

	if ip := parseIPWithNormalization(hostname); ip != nil {
		ip = normalizeIPv4Mapped(ip)
		if err := validateIP(ip); err != nil {
			return nil, err
		}
		return ip, nil
	}

	ips, err := lookupIPWithTimeout(ctx, hostname)
	if err != nil || len(ips) == 0 {
		return nil, ErrDNSLookupFailed
	}

	firstIP := normalizeIPv4Mapped(ips[0])
	if err := validateIP(firstIP); err != nil {
		return nil, err
	}
	return firstIP, nil
}
