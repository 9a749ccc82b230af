// Package reddit implements source.Client on Reddit's JSON listings.
//
// Without credentials the public www.reddit.com endpoints are used. With a
// client id and secret the client fetches an app-only OAuth token and talks
// to oauth.reddit.com instead, which has far more generous rate limits.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"automemer/internal/ledger"
	"automemer/internal/source"
	logx "automemer/pkg/logx"
)

const (
	publicBaseURL = "https://www.reddit.com"
	oauthBaseURL  = "https://oauth.reddit.com"
	tokenURL      = "https://www.reddit.com/api/v1/access_token"
	shortLinkBase = "https://redd.it/"

	defaultUserAgent = "automemer/1.0"
	maxLimit         = 100
	maxBodyBytes     = 8 << 20
)

type Config struct {
	BaseURL      string
	TokenURL     string
	UserAgent    string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RetryMax     int
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
	now  func() time.Time

	tokMu     sync.Mutex
	token     string
	tokenTill time.Time
}

var _ source.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = publicBaseURL
		if cfg.ClientID != "" {
			cfg.BaseURL = oauthBaseURL
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TokenURL == "" {
		cfg.TokenURL = tokenURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	return &Client{
		cfg:  cfg,
		http: newHTTPClient(cfg.RetryMax, cfg.Timeout, log),
		log:  log,
		now:  time.Now,
	}
}

func (c *Client) FetchHot(ctx context.Context, name string, limit int) ([]ledger.Observation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("reddit: empty source name")
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("raw_json", "1")

	var l listing
	if err := c.getJSON(ctx, "/r/"+url.PathEscape(name)+"/hot.json", q, &l); err != nil {
		return nil, fmt.Errorf("reddit: fetch r/%s: %w", name, err)
	}
	obs := c.observations(l)
	if len(obs) > limit {
		obs = obs[:limit]
	}
	return obs, nil
}

func (c *Client) Lookup(ctx context.Context, ids []string) ([]ledger.Observation, error) {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimPrefix(strings.TrimSpace(id), "t3_")
		if id != "" {
			names = append(names, "t3_"+id)
		}
	}

	var out []ledger.Observation
	for start := 0; start < len(names); start += maxLimit {
		end := min(start+maxLimit, len(names))
		q := url.Values{}
		q.Set("raw_json", "1")
		var l listing
		if err := c.getJSON(ctx, "/by_id/"+strings.Join(names[start:end], ",")+".json", q, &l); err != nil {
			return out, fmt.Errorf("reddit: lookup: %w", err)
		}
		out = append(out, c.observations(l)...)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.cfg.ClientID != "" {
		tok, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			c.dropToken()
		}
		return err
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v)
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (http %d)", source.ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w (reset in %ss)", source.ErrRateLimited, resp.Header.Get("X-Ratelimit-Reset"))
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

// accessToken returns a cached app-only token, refreshing it a minute
// before it expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokMu.Lock()
	defer c.tokMu.Unlock()
	if c.token != "" && c.now().Before(c.tokenTill) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&tr); err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("access token: empty token (error=%q)", tr.Error)
	}
	ttl := time.Duration(tr.ExpiresIn)*time.Second - time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.token = tr.AccessToken
	c.tokenTill = c.now().Add(ttl)
	c.log.Debug("reddit access token refreshed", logx.Duration("ttl", ttl))
	return c.token, nil
}

func (c *Client) dropToken() {
	c.tokMu.Lock()
	c.token = ""
	c.tokMu.Unlock()
}
