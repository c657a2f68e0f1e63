package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const (
	tokenLifetime    = 2 * time.Hour
	refreshThreshold = 10 * time.Minute
)

// AuthEntry is one cached sign-in. The token is refreshed once it is within
// refreshThreshold of expiry.
type AuthEntry struct {
	Token     string
	SiteID    string
	ExpiresAt time.Time
}

func (e AuthEntry) usable(now time.Time) bool {
	return e.Token != "" && now.Before(e.ExpiresAt.Add(-refreshThreshold))
}

type signinRequest struct {
	Credentials signinCredentials `json:"credentials"`
}

type signinCredentials struct {
	PersonalAccessTokenName   string     `json:"personalAccessTokenName"`
	PersonalAccessTokenSecret string     `json:"personalAccessTokenSecret"`
	Site                      signinSite `json:"site"`
}

type signinSite struct {
	ContentURL string `json:"contentUrl"`
}

type signinResponse struct {
	Credentials struct {
		Token string `json:"token"`
		Site  struct {
			ID string `json:"id"`
		} `json:"site"`
	} `json:"credentials"`
}

// Authenticate performs a personal-access-token sign-in and caches the
// resulting token for the site.
func (c *Client) Authenticate(ctx context.Context, site string) (AuthEntry, error) {
	creds, err := resolveCredentials(site)
	if err != nil {
		return AuthEntry{}, &AuthFailedError{Site: site, Err: err}
	}
	payload, err := json.Marshal(signinRequest{Credentials: signinCredentials{
		PersonalAccessTokenName:   creds.Name,
		PersonalAccessTokenSecret: creds.Secret,
		Site:                      signinSite{ContentURL: site},
	}})
	if err != nil {
		return AuthEntry{}, &AuthFailedError{Site: site, Err: err}
	}

	body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("auth/signin"), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return AuthEntry{}, &AuthFailedError{Site: site, Err: err}
	}

	var parsed signinResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return AuthEntry{}, &AuthFailedError{Site: site, Err: fmt.Errorf("parse signin response: %w", err)}
	}
	if parsed.Credentials.Token == "" || parsed.Credentials.Site.ID == "" {
		return AuthEntry{}, &AuthFailedError{Site: site, Err: fmt.Errorf("signin response missing token or site id")}
	}

	entry := AuthEntry{
		Token:     parsed.Credentials.Token,
		SiteID:    parsed.Credentials.Site.ID,
		ExpiresAt: c.now().Add(tokenLifetime),
	}
	c.mu.Lock()
	c.cache[site] = entry
	c.mu.Unlock()
	log.Printf("authenticated to site %s (token valid until %s)", site, entry.ExpiresAt.Format(time.RFC3339))
	return entry, nil
}

// ValidToken returns a cached non-expiring-soon token, or refreshes it.
// Concurrent refreshes for the same site are collapsed into one sign-in via
// the per-site single-flight group; later callers share the first result.
func (c *Client) ValidToken(ctx context.Context, site string) (AuthEntry, error) {
	c.mu.Lock()
	entry, ok := c.cache[site]
	c.mu.Unlock()
	if ok && entry.usable(c.now()) {
		return entry, nil
	}

	v, err, _ := c.sf.Do(site, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// between our cache miss and reaching here.
		c.mu.Lock()
		entry, ok := c.cache[site]
		c.mu.Unlock()
		if ok && entry.usable(c.now()) {
			return entry, nil
		}
		return c.Authenticate(ctx, site)
	})
	if err != nil {
		return AuthEntry{}, err
	}
	return v.(AuthEntry), nil
}
