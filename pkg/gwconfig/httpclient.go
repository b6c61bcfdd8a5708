package gwconfig

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient builds a client that honors the configured outbound proxy.
func (c *Config) HTTPClient(timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}
	if c.ProxyURL != "" {
		proxyURL, err := url.Parse(c.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %q: %w", c.ProxyURL, err)
		}
		if c.ProxyUsername != "" {
			proxyURL.User = url.UserPassword(c.ProxyUsername, c.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
