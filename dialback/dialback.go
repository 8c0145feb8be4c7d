// Package dialback implements the dialback authentication protocol: an
// inbound request claims an identity, and we confirm the claim by
// calling back the identity's advertised dialback endpoint with the
// token the request carried. No pre-shared secrets are involved.
package dialback

import (
	"fmt"
	"strings"
)

// An Authorization is the parsed form of an
// `Authorization: Dialback token="...", host="..."` header. Exactly one
// of Host and Webfinger is set.
type Authorization struct {
	Token     string
	Host      string
	Webfinger string
}

// Identity returns the claimed identity, host or webfinger address.
func (a *Authorization) Identity() string {
	if a.Host != "" {
		return a.Host
	}
	return a.Webfinger
}

// ParseAuthorization parses a Dialback authorization header. The value
// is split on commas, so a quoted value containing a comma is truncated
// rather than rejected; dialback tokens and identities never contain
// commas in practice.
func ParseAuthorization(header string) (*Authorization, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Dialback") {
		return nil, fmt.Errorf("unsupported authorization scheme: %q", scheme)
	}
	var auth Authorization
	for _, part := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "token":
			auth.Token = value
		case "host":
			auth.Host = value
		case "webfinger":
			auth.Webfinger = value
		}
	}
	if auth.Token == "" {
		return nil, fmt.Errorf("no token in authorization header")
	}
	if auth.Host == "" && auth.Webfinger == "" {
		return nil, fmt.Errorf("no host or webfinger in authorization header")
	}
	return &auth, nil
}

// String renders the header value form of the authorization.
func (a *Authorization) String() string {
	if a.Host != "" {
		return fmt.Sprintf(`Dialback token="%s", host="%s"`, a.Token, a.Host)
	}
	return fmt.Sprintf(`Dialback token="%s", webfinger="%s"`, a.Token, a.Webfinger)
}
