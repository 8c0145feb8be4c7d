// Package webfinger handles webfinger and host-meta discovery documents.
package webfinger

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/carlmjohnson/requests"
)

// A JRD is a JSON Resource Descriptor, the document served by both
// webfinger and host-meta endpoints.
type JRD struct {
	Subject string   `json:"subject,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

type Link struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// Dialback returns the dialback verification endpoint advertised by the
// document.
func (j *JRD) Dialback() (string, error) {
	for _, link := range j.Links {
		if link.Rel == "dialback" && link.Href != "" {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no dialback link found")
}

// ActivityStreams returns the activity streams profile link of the document.
func (j *JRD) ActivityStreams() (string, error) {
	for _, link := range j.Links {
		if link.Type == "application/activity+json" && link.Href != "" {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no activity streams link found")
}

// HostMeta fetches the host-meta document for the given host.
func HostMeta(ctx context.Context, host string) (*JRD, error) {
	var jrd JRD
	err := requests.URL("https://" + host + "/.well-known/host-meta.json").
		Accept("application/json").
		ToJSON(&jrd).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("host-meta fetch for %s: %w", host, err)
	}
	return &jrd, nil
}

type Acct struct {
	User string
	Host string
}

func (a *Acct) String() string {
	return "acct:" + a.User + "@" + a.Host
}

// Webfinger returns the URL for the webfinger resource for this Acct.
func (a *Acct) Webfinger() string {
	return "https://" + a.Host + "/.well-known/webfinger?resource=" + url.QueryEscape(a.String())
}

// ID returns the URL for the ID resource for this Acct.
func (a *Acct) ID() string {
	return "https://" + a.Host + "/users/" + a.User
}

// Followers returns the URL for the followers collection for this Acct.
func (a *Acct) Followers() string {
	return a.ID() + "/followers"
}

// Following returns the URL for the following collection for this Acct.
func (a *Acct) Following() string {
	return a.ID() + "/following"
}

// Inbox returns the URL for the inbox collection for this Acct.
func (a *Acct) Inbox() string {
	return a.ID() + "/inbox"
}

// Outbox returns the URL for the outbox collection for this Acct.
func (a *Acct) Outbox() string {
	return a.ID() + "/outbox"
}

// SharedInbox returns the URL for the host wide inbox for this Acct's host.
func (a *Acct) SharedInbox() string {
	return "https://" + a.Host + "/inbox"
}

// Fetch retrieves the webfinger document for this Acct.
func (a *Acct) Fetch(ctx context.Context) (*JRD, error) {
	var jrd JRD
	err := requests.URL(a.Webfinger()).
		Accept("application/jrd+json, application/json").
		ToJSON(&jrd).
		Fetch(ctx)
	return &jrd, err
}

// Parse parses a user@host style address, with or without a leading @ or
// acct: prefix.
func Parse(query string) (*Acct, error) {
	query = strings.TrimPrefix(query, "acct:")
	query = strings.TrimPrefix(query, "@")

	// In case the handle has been URL encoded
	query, err := url.QueryUnescape(query)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(query, "@", 2)
	switch len(parts) {
	case 1:
		return &Acct{
			User: parts[0],
		}, nil
	case 2:
		return &Acct{
			User: parts[0],
			Host: parts[1],
		}, nil
	default:
		return nil, fmt.Errorf("invalid acct: %q", query)
	}
}
