// Package catalog looks up internet radio stations in a radio-browser style
// directory. Lookups are cached, retried on transient failures, and guarded
// by a breaker so a dead catalog cannot slow down preset resolution.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tinkerbelle-io/tb-speakerd/internal/metrics"
)

var (
	// ErrStationNotFound means the catalog answered and does not know the
	// station, or the station has no stream URL.
	ErrStationNotFound = errors.New("station not found")

	// ErrUnavailable means the catalog could not be asked: transport
	// failure, server error, bad payload, or an open breaker.
	ErrUnavailable = errors.New("catalog unavailable")
)

const (
	DefaultSearchLimit = 20
	maxSearchLimit     = 100
	maxBody            = 4 << 20
	maxTries           = 3
)

// Station is one catalog entry. Field names follow the radio-browser API.
type Station struct {
	ID          string `json:"stationuuid"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	ResolvedURL string `json:"url_resolved,omitempty"`
	Favicon     string `json:"favicon,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	Tags        string `json:"tags,omitempty"`
	Codec       string `json:"codec,omitempty"`
	Bitrate     int    `json:"bitrate,omitempty"`
}

// StreamURL returns the playable URL, preferring the resolved one the
// catalog computed from playlists.
func (s Station) StreamURL() string {
	if s.ResolvedURL != "" {
		return s.ResolvedURL
	}
	return s.URL
}

// Options configures a Client.
type Options struct {
	URL         string
	Timeout     time.Duration // per request
	CacheTTL    time.Duration // 0 disables caching
	MaxFailures int           // per minute before the breaker opens; 0 disables
	Cooldown    time.Duration // how long not-found answers are remembered
	UserAgent   string
	HTTPClient  *http.Client
}

// Client talks to the catalog API.
type Client struct {
	base      *url.URL
	http      *http.Client
	userAgent string
	cache     *cache
	breaker   *Breaker
	retryWait time.Duration
	log       *slog.Logger
}

// New creates a catalog client.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid catalog url %q", opts.URL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "tb-speakerd"
	}
	return &Client{
		base:      base,
		http:      hc,
		userAgent: ua,
		cache:     newCache(opts.CacheTTL),
		breaker:   NewBreaker(opts.MaxFailures, opts.Cooldown),
		retryWait: 100 * time.Millisecond,
		log:       logger.With("component", "catalog"),
	}, nil
}

// Station fetches one station by its catalog identifier.
func (c *Client) Station(ctx context.Context, id string) (*Station, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrStationNotFound
	}
	if s, ok := c.cache.get(id); ok {
		metrics.IncCatalog("hit")
		return &s, nil
	}
	if c.breaker.IsOnCooldown(id) {
		metrics.IncCatalog("not_found")
		return nil, fmt.Errorf("%s: %w (cached)", id, ErrStationNotFound)
	}
	if c.breaker.IsOpen() {
		metrics.IncCatalog("breaker_open")
		return nil, fmt.Errorf("%w: breaker open", ErrUnavailable)
	}

	var stations []Station
	err := c.getJSON(ctx, "/json/stations/byuuid/"+url.PathEscape(id), nil, &stations)
	if errors.Is(err, errNotFoundStatus) {
		stations, err = nil, nil
	}
	if err != nil {
		c.breaker.RecordFailure()
		metrics.IncCatalog("error")
		c.log.Warn("station lookup failed", "station", id, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	for _, s := range stations {
		if s.ID != "" && !strings.EqualFold(s.ID, id) {
			continue
		}
		if s.StreamURL() == "" {
			break
		}
		if s.ID == "" {
			s.ID = id
		}
		c.cache.put(id, s)
		metrics.IncCatalog("miss")
		return &s, nil
	}

	c.breaker.RecordNotFound(id)
	metrics.IncCatalog("not_found")
	return nil, fmt.Errorf("%s: %w", id, ErrStationNotFound)
}

// Search returns up to limit stations whose name matches query, most
// popular first. Stations without a stream URL are skipped.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Station, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty search query")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	if c.breaker.IsOpen() {
		metrics.IncCatalog("breaker_open")
		return nil, fmt.Errorf("%w: breaker open", ErrUnavailable)
	}

	params := url.Values{}
	params.Set("name", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("hidebroken", "true")
	params.Set("order", "clickcount")
	params.Set("reverse", "true")

	var stations []Station
	if err := c.getJSON(ctx, "/json/stations/search", params, &stations); err != nil {
		c.breaker.RecordFailure()
		metrics.IncCatalog("error")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	metrics.IncCatalog("search")

	out := stations[:0]
	for _, s := range stations {
		if s.StreamURL() != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

var errNotFoundStatus = errors.New("404 not found")

// getJSON GETs path and decodes the body into dst, retrying transport errors
// and 5xx/429 answers with exponential backoff.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dst any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = params.Encode()
	target := u.String()

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			return struct{}{}, backoff.Permanent(errNotFoundStatus)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
			return struct{}{}, fmt.Errorf("status %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}

		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(dst); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryWait
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	return err
}
