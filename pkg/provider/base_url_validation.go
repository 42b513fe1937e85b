package provider

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateBaseURL checks that raw is an absolute http(s) endpoint without
// credentials, query or fragment.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid base endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base endpoint scheme %q (must be http or https)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid base endpoint host %q", u.Host)
	}
	if u.User != nil {
		return fmt.Errorf("base endpoint must not contain userinfo")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("base endpoint must not contain query or fragment")
	}
	return nil
}
