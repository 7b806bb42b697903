// Package fetch is the secondary data path: REST reads of current and
// historical device data, shielded by a forced TTL cache and a
// conditional revalidation cache, plus the polling fallback used while
// the live stream is down.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fleetglass-io/fleetglass/internal/core/model"
	"github.com/fleetglass-io/fleetglass/internal/pkg/metrics"
	"github.com/fleetglass-io/fleetglass/pkg/log"
)

// Session supplies the credential attached to every request. The auth
// layer owns login state; the sync engine only consumes tokens.
type Session interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a Session with a fixed credential, for token-based
// deployments configured up front.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// Resource paths on the backend REST API.
const (
	pathDevices   = "/devices"
	pathGeofences = "/geofences"
	pathUsers     = "/users"
	pathPositions = "/positions"
)

// Config carries the client's endpoints, credentials and cache TTLs.
type Config struct {
	// BaseURL is the API root, e.g. https://track.example.com/api.
	BaseURL string
	// HTTPClient defaults to a 15s-timeout client when nil.
	HTTPClient *http.Client
	Session    Session

	DeviceTTL   time.Duration
	GeofenceTTL time.Duration

	Logger log.Logger
}

// Client performs REST reads with two cache layers in front of the
// network: the forced TTL cache answers within a path's TTL without any
// request, then the revalidation cache turns "not modified" replies into
// the previously cached body.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	session    Session
	forced     *ForcedCache
	reval      *RevalidationCache
	logger     log.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse API base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithName("fetch")
	}

	deviceTTL := cfg.DeviceTTL
	if deviceTTL <= 0 {
		deviceTTL = 5 * time.Minute
	}
	geofenceTTL := cfg.GeofenceTTL
	if geofenceTTL <= 0 {
		geofenceTTL = 10 * time.Minute
	}

	return &Client{
		base:       base,
		httpClient: httpClient,
		session:    cfg.Session,
		forced: NewForcedCache(map[string]time.Duration{
			pathDevices:   deviceTTL,
			pathGeofences: geofenceTTL,
			pathUsers:     geofenceTTL,
		}),
		reval:  NewRevalidationCache(),
		logger: logger,
	}, nil
}

// Devices fetches the account's device list (forced-cached).
func (c *Client) Devices(ctx context.Context) ([]model.Device, error) {
	payload, err := c.get(ctx, pathDevices, nil)
	if err != nil {
		return nil, err
	}
	var out []model.Device
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	return out, nil
}

// Geofences fetches the account's geofence list (forced-cached).
func (c *Client) Geofences(ctx context.Context) ([]model.Geofence, error) {
	payload, err := c.get(ctx, pathGeofences, nil)
	if err != nil {
		return nil, err
	}
	var out []model.Geofence
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode geofence list: %w", err)
	}
	return out, nil
}

// Users fetches the account's user list (forced-cached).
func (c *Client) Users(ctx context.Context) ([]model.User, error) {
	payload, err := c.get(ctx, pathUsers, nil)
	if err != nil {
		return nil, err
	}
	var out []model.User
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode user list: %w", err)
	}
	return out, nil
}

// LatestPositions fetches the current position of the given devices, or
// of every device when none are named. Never cached; it feeds the same
// ingestion path as the live stream.
func (c *Client) LatestPositions(ctx context.Context, deviceIDs ...int64) ([]model.Position, error) {
	query := url.Values{}
	for _, id := range deviceIDs {
		query.Add("deviceId", strconv.FormatInt(id, 10))
	}
	return c.positions(ctx, query)
}

// PositionsSince fetches one device's positions in [from, to). Used by
// backfill after a connectivity gap. Never cached.
func (c *Client) PositionsSince(ctx context.Context, deviceID int64, from, to time.Time) ([]model.Position, error) {
	query := url.Values{}
	query.Set("deviceId", strconv.FormatInt(deviceID, 10))
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))
	return c.positions(ctx, query)
}

func (c *Client) positions(ctx context.Context, query url.Values) ([]model.Position, error) {
	payload, err := c.get(ctx, pathPositions, query)
	if err != nil {
		return nil, err
	}
	var out []model.Position
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return out, nil
}

// Clear drops both cache layers. Must be called on account switch so no
// response leaks across accounts.
func (c *Client) Clear() {
	c.forced.Clear()
	c.reval.Clear()
}

// Stats exposes cache usage for diagnostics.
func (c *Client) Stats() map[string]CacheStats {
	return map[string]CacheStats{
		"forced":       c.forced.Stats(),
		"revalidation": c.reval.Stats(),
	}
}

// get runs one GET through the cache layers.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	key := path
	if len(query) > 0 {
		key = path + "?" + query.Encode()
	}
	_, cacheable := c.forced.TTLFor(path)

	if cacheable {
		if payload, fresh, ok := c.forced.Lookup(key); ok && fresh {
			metrics.FetchCacheTotal.WithLabelValues("forced", "hit").Inc()
			return payload, nil
		}
		metrics.FetchCacheTotal.WithLabelValues("forced", "miss").Inc()
	}

	payload, err := c.fetch(ctx, path, key, query, cacheable)
	if err != nil {
		// Stale-on-error: an expired entry beats no data at all.
		if cacheable {
			if stale, _, ok := c.forced.Lookup(key); ok {
				metrics.FetchCacheTotal.WithLabelValues("forced", "stale").Inc()
				c.logger.Warn("serving stale cache entry after fetch failure", "path", path, "err", err)
				return stale, nil
			}
		}
		return nil, err
	}
	return payload, nil
}

func (c *Client) fetch(ctx context.Context, path, key string, query url.Values, cacheable bool) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.FetchLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	u := *c.base
	joined, err := url.JoinPath(u.Path, path)
	if err != nil {
		return nil, fmt.Errorf("build URL for %s: %w", path, err)
	}
	u.Path = joined
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	if c.session != nil {
		token, err := c.session.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("get session token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if cacheable {
		if etag, lastModified, ok := c.reval.Validators(key); ok {
			if etag != "" {
				req.Header.Set("If-None-Match", etag)
			}
			if lastModified != "" {
				req.Header.Set("If-Modified-Since", lastModified)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		payload, ok := c.reval.Payload(key)
		if !ok {
			// Validator sent without a retained body; should not happen.
			return nil, fmt.Errorf("GET %s: not modified but no cached payload", path)
		}
		metrics.FetchCacheTotal.WithLabelValues("revalidation", "hit").Inc()
		c.forced.Store(key, path, payload)
		return payload, nil

	case resp.StatusCode == http.StatusOK:
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", path, err)
		}
		if cacheable {
			c.forced.Store(key, path, payload)
			c.reval.Store(key, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), payload)
		}
		return payload, nil

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("GET %s: server error %d", path, resp.StatusCode)

	default:
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
}
