// Package httpclient builds the proxy-aware HTTP clients the agent uses for
// outbound platform traffic. Proxies come from the agent config, not the
// environment, so a daemonized agent behaves the same under systemd and a
// login shell.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/unitlab-ai/unitlab-agent/internal/config"
)

// DefaultTimeout applies when the caller does not bound requests itself.
const DefaultTimeout = 30 * time.Second

// Options configures a client built by New.
type Options struct {
	Timeout     time.Duration
	ProxyConfig *config.ProxyConfig
}

// New builds an *http.Client honoring the proxy settings, if any.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if opts.ProxyConfig.HasProxy() {
		if err := applyProxy(transport, opts.ProxyConfig); err != nil {
			return nil, err
		}
	}

	return &http.Client{Timeout: opts.Timeout, Transport: transport}, nil
}

// NewWithConfig builds a client from the agent configuration.
func NewWithConfig(cfg *config.AgentConfig, timeout time.Duration) (*http.Client, error) {
	var pc *config.ProxyConfig
	if cfg != nil {
		pc = cfg.GetProxyConfig()
	}
	return New(Options{Timeout: timeout, ProxyConfig: pc})
}

// applyProxy installs the configured proxy on the transport. A SOCKS5 proxy
// replaces the dialer outright and wins over http/https proxies.
func applyProxy(transport *http.Transport, pc *config.ProxyConfig) error {
	if pc.SOCKS5Proxy != "" {
		u, err := url.Parse(pc.SOCKS5Proxy)
		if err != nil {
			return fmt.Errorf("parse socks5 proxy url: %w", err)
		}
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		return nil
	}

	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFor(req, pc)
	}
	return nil
}

// proxyFor picks the proxy URL for one request, honoring no_proxy.
func proxyFor(req *http.Request, pc *config.ProxyConfig) (*url.URL, error) {
	if bypassed(req.URL.Host, pc.NoProxy) {
		return nil, nil
	}

	raw := pc.HTTPProxy
	if req.URL.Scheme == "https" && pc.HTTPSProxy != "" {
		raw = pc.HTTPSProxy
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// bypassed reports whether host matches an entry in the comma-separated
// no_proxy list. Entries match exactly, as a domain suffix when they start
// with a dot, or as a parent domain; "*" matches everything.
func bypassed(host, noProxy string) bool {
	if noProxy == "" {
		return false
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, entry := range strings.Split(noProxy, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
		case entry == "*":
			return true
		case host == entry:
			return true
		case strings.HasPrefix(entry, ".") && strings.HasSuffix(host, entry):
			return true
		case strings.HasSuffix(host, "."+entry):
			return true
		}
	}
	return false
}

// ProxyInfo renders the proxy settings for `config show`, with credentials
// masked.
func ProxyInfo(pc *config.ProxyConfig) string {
	if !pc.HasProxy() {
		return "none"
	}

	var parts []string
	if pc.SOCKS5Proxy != "" {
		parts = append(parts, "socks5="+maskCredentials(pc.SOCKS5Proxy))
	}
	if pc.HTTPProxy != "" {
		parts = append(parts, "http="+maskCredentials(pc.HTTPProxy))
	}
	if pc.HTTPSProxy != "" {
		parts = append(parts, "https="+maskCredentials(pc.HTTPSProxy))
	}
	if pc.NoProxy != "" {
		parts = append(parts, "no_proxy="+pc.NoProxy)
	}
	return strings.Join(parts, " ")
}

func maskCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}
