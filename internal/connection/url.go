package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL derives the WebSocket URL for path from the gateway address.
// The scheme is wss when the gateway uses https (or wss), ws otherwise.
func BuildURL(gateway, path string) (string, error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGateway, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidGateway, gateway)
	}

	scheme := "ws"
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		scheme = "wss"
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	out := url.URL{
		Scheme: scheme,
		Host:   u.Host,
	}
	out.Path, out.RawQuery, _ = strings.Cut(path, "?")
	return out.String(), nil
}
