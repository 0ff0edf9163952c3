// Package plex is a minimal Plex Media Server client covering what the
// rotation scheduler needs: identity check, section lookup, collection
// listing, and promoting/demoting a collection's managed home hub
// ("pinning" in scheduler terms).
package plex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "dynamix/pkg/logx"
)

var (
	ErrUnauthorized       = errors.New("plex: unauthorized (check plex_token)")
	ErrLibraryNotFound    = errors.New("plex: library not found")
	ErrCollectionNotFound = errors.New("plex: collection not found")
)

type Config struct {
	BaseURL string
	Token   string

	// RequestTimeout bounds a single HTTP call. Defaults to 15s.
	RequestTimeout time.Duration

	// RatePerSec throttles outbound calls so a pin sweep across large
	// libraries doesn't hammer the server. Defaults to 5/s.
	RatePerSec int
}

type Client struct {
	base    string
	token   string
	httpc   *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	// section key cache: library title -> section key
	mu       sync.Mutex
	sections map[string]string
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("plex: base url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("plex: token is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:     base,
		token:    cfg.Token,
		httpc:    &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		log:      log,
		sections: map[string]string{},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("plex: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return decodeJSON(resp.Body, out)
}

// Identity fetches the server's friendly name. Used as the startup
// reachability/auth check: failure here is fatal for the rotation loop.
func (c *Client) Identity(ctx context.Context) (string, error) {
	var ic identityContainer
	if err := c.do(ctx, http.MethodGet, "/", nil, &ic); err != nil {
		return "", err
	}
	return ic.MediaContainer.FriendlyName, nil
}

// Libraries lists all section titles on the server.
func (c *Client) Libraries(ctx context.Context) ([]string, error) {
	var sc sectionsContainer
	if err := c.do(ctx, http.MethodGet, "/library/sections", nil, &sc); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(sc.MediaContainer.Directory))
	c.mu.Lock()
	for _, d := range sc.MediaContainer.Directory {
		c.sections[d.Title] = d.Key
		out = append(out, d.Title)
	}
	c.mu.Unlock()
	return out, nil
}

func (c *Client) sectionKey(ctx context.Context, library string) (string, error) {
	c.mu.Lock()
	key, ok := c.sections[library]
	c.mu.Unlock()
	if ok {
		return key, nil
	}
	// cache miss: refresh sections once
	if _, err := c.Libraries(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	key, ok = c.sections[library]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrLibraryNotFound, library)
	}
	return key, nil
}

// Collections lists a library's collections with item counts and current
// pin state. Pin state comes from the section's managed-hub listing; a
// collection without a managed hub is reported unpinned.
func (c *Client) Collections(ctx context.Context, library string) ([]Collection, error) {
	key, err := c.sectionKey(ctx, library)
	if err != nil {
		return nil, err
	}

	var cc collectionsContainer
	if err := c.do(ctx, http.MethodGet, "/library/sections/"+key+"/collections", nil, &cc); err != nil {
		return nil, err
	}

	promoted, err := c.promotedHubs(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make([]Collection, 0, len(cc.MediaContainer.Metadata))
	for _, m := range cc.MediaContainer.Metadata {
		out = append(out, Collection{
			RatingKey: m.RatingKey,
			Title:     m.Title,
			ItemCount: int(m.ChildCount),
			Pinned:    promoted[hubIdentifier(m.RatingKey)],
		})
	}
	return out, nil
}

// promotedHubs returns managed hub identifier -> promoted-to-home flag.
func (c *Client) promotedHubs(ctx context.Context, sectionKey string) (map[string]bool, error) {
	var mh managedHubsContainer
	if err := c.do(ctx, http.MethodGet, "/hubs/sections/"+sectionKey+"/manage", nil, &mh); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(mh.MediaContainer.Hub))
	for _, h := range mh.MediaContainer.Hub {
		out[h.Identifier] = bool(h.PromotedToOwnHome)
	}
	return out, nil
}

// SetPinned promotes (pinned=true) or demotes a collection's managed hub on
// both the server owner's home and shared users' homes.
func (c *Client) SetPinned(ctx context.Context, library, title string, pinned bool) error {
	key, err := c.sectionKey(ctx, library)
	if err != nil {
		return err
	}

	ratingKey, err := c.collectionRatingKey(ctx, key, title)
	if err != nil {
		return err
	}

	flag := "0"
	if pinned {
		flag = "1"
	}
	q := url.Values{}
	q.Set("promotedToOwnHome", flag)
	q.Set("promotedToSharedHome", flag)
	path := "/hubs/sections/" + key + "/manage/" + hubIdentifier(ratingKey)
	if err := c.do(ctx, http.MethodPut, path, q, nil); err != nil {
		return fmt.Errorf("set pinned %q=%v: %w", title, pinned, err)
	}
	return nil
}

func (c *Client) collectionRatingKey(ctx context.Context, sectionKey, title string) (string, error) {
	var cc collectionsContainer
	if err := c.do(ctx, http.MethodGet, "/library/sections/"+sectionKey+"/collections", nil, &cc); err != nil {
		return "", err
	}
	for _, m := range cc.MediaContainer.Metadata {
		if m.Title == title {
			return m.RatingKey, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrCollectionNotFound, title)
}

func hubIdentifier(ratingKey string) string {
	return "custom.collection." + ratingKey
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}
