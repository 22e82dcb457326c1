package relay

import (
	"errors"
	"net/url"
	"strings"
)

// ErrUserRequired is returned by GenerateURL when no user id is given.
var ErrUserRequired = errors.New("User_ID is required")

// LinkRequest describes a shareable chat link.
type LinkRequest struct {
	UserID       string
	ThreadID     string
	Tags         string
	Organization string
}

// GenerateURL builds a link that reopens the chat widget at base for the
// user, optionally on an existing thread and with intake tags. Organization
// defaults to defaultOrg.
func GenerateURL(base, defaultOrg string, r LinkRequest) (string, error) {
	if strings.TrimSpace(r.UserID) == "" {
		return "", ErrUserRequired
	}
	org := r.Organization
	if org == "" {
		org = defaultOrg
	}

	var b strings.Builder
	b.WriteString(base)
	if strings.Contains(base, "?") {
		b.WriteString("&")
	} else {
		b.WriteString("?")
	}
	b.WriteString("User_ID=")
	b.WriteString(encodeComponent(r.UserID))
	b.WriteString("&Organization=")
	b.WriteString(encodeComponent(org))
	if r.ThreadID != "" {
		b.WriteString("&thread_id=")
		b.WriteString(encodeComponent(r.ThreadID))
	}
	if r.Tags != "" {
		b.WriteString("&tags=")
		b.WriteString(encodeComponent(r.Tags))
	}
	return b.String(), nil
}

// encodeComponent escapes like a browser's encodeURIComponent for the
// characters that matter here: spaces become %20, not +.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
