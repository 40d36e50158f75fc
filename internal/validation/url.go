package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateURL checks the upstream of the dev proxy: an absolute http(s)
// URL with a host and nothing the reverse proxy would silently drop or
// leak, such as credentials, a query or a fragment.
func ValidateURL(rawURL string) error {
	if strings.ContainsAny(rawURL, " \t\n\r") {
		return fmt.Errorf("URL contains whitespace")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch {
	case parsed.Scheme != "http" && parsed.Scheme != "https":
		return fmt.Errorf("invalid URL scheme: %q (only http/https allowed)", parsed.Scheme)
	case parsed.Hostname() == "":
		return fmt.Errorf("URL must have a valid hostname")
	case parsed.User != nil:
		return fmt.Errorf("URL must not carry credentials")
	case parsed.RawQuery != "" || parsed.Fragment != "":
		return fmt.Errorf("URL must not have a query or fragment")
	}

	return nil
}
