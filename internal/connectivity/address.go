package connectivity

import (
	"fmt"
	"net"
	"net/url"
)

// ProbeAddress derives the host:port to dial from a backend base URL,
// defaulting the port from the scheme.
func ProbeAddress(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("backend URL %q has no host", baseURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		default:
			return "", fmt.Errorf("backend URL %q has no port and unknown scheme %q", baseURL, u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
