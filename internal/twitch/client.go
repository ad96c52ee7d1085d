package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/metrics"
	"github.com/Serph91P/StreamVault-sub002/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	defaultHelixURL = "https://api.twitch.tv/helix"
	defaultAuthURL  = "https://id.twitch.tv/oauth2/token"

	// Per-request ceiling: every call to Twitch carries a timeout of at
	// most 30 s.
	requestTimeout = 30 * time.Second

	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
	retryCap      = 2 * time.Second
)

// Options configures a Client.
type Options struct {
	ClientID     string
	ClientSecret string
	HelixURL     string
	AuthURL      string
	RateLimit    rate.Limit
	RateBurst    int
}

// Client speaks Helix with an app access token. 401 triggers one token
// refresh and retry; 5xx and transport errors are tried up to three times
// in all, with exponential backoff between attempts; other 4xx are
// permanent.
type Client struct {
	clientID     string
	clientSecret string
	helixURL     string
	authURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       zerolog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	rnd         *rand.Rand
}

func NewClient(opts Options) *Client {
	if opts.HelixURL == "" {
		opts.HelixURL = defaultHelixURL
	}
	if opts.AuthURL == "" {
		opts.AuthURL = defaultAuthURL
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	return &Client{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		helixURL:     strings.TrimRight(opts.HelixURL, "/"),
		authURL:      opts.AuthURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		logger:  log.WithComponent("twitch"),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

// token returns a valid app access token, fetching one via the
// client-credentials grant when missing or near expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.accessToken != "" && time.Until(c.expiresAt) > time.Minute {
		tok := c.accessToken
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()
	return c.refreshToken(ctx)
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.mu.Lock()
	c.accessToken = tr.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return tr.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// do performs one Helix request with the full auth/retry policy.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body any, out any) error {
	tracer := telemetry.Tracer("twitch")
	ctx, span := tracer.Start(ctx, "twitch."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("twitch.operation", operation))
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	fullURL := c.helixURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	refreshed := false
	var lastErr error
attempts:
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		tok, err := c.token(ctx)
		if err != nil {
			lastErr = err
			if !c.sleepBackoff(ctx, attempt) {
				break
			}
			continue
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			span.RecordError(err)
			return err
		}
		req.Header.Set("Client-Id", c.clientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			metrics.TwitchRequest(operation, "transport_error")
			if !c.sleepBackoff(ctx, attempt) {
				break
			}
			continue
		}

		status := resp.StatusCode
		span.SetAttributes(telemetry.HTTPAttributes(method, path, path, status)...)

		switch {
		case status == http.StatusUnauthorized && !refreshed:
			// One token refresh, then retry the same attempt budget.
			drain(resp)
			c.invalidateToken()
			refreshed = true
			attempt--
			metrics.TwitchRequest(operation, "unauthorized")
			continue
		case status >= http.StatusInternalServerError:
			drain(resp)
			lastErr = fmt.Errorf("twitch %s returned %d", operation, status)
			metrics.TwitchRequest(operation, "server_error")
			if !c.sleepBackoff(ctx, attempt) {
				break attempts
			}
			continue
		case status >= http.StatusBadRequest:
			// 4xx other than 401: permanent.
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			drain(resp)
			metrics.TwitchRequest(operation, "client_error")
			err := fmt.Errorf("twitch %s returned %d: %s", operation, status, strings.TrimSpace(string(body)))
			span.SetStatus(codes.Error, http.StatusText(status))
			return err
		}

		var decodeErr error
		if out != nil {
			decodeErr = json.NewDecoder(resp.Body).Decode(out)
		}
		drain(resp)
		if decodeErr != nil {
			span.RecordError(decodeErr)
			return fmt.Errorf("decode %s response: %w", operation, decodeErr)
		}
		metrics.TwitchRequest(operation, "ok")
		span.SetStatus(codes.Ok, "")
		return nil
	}

	metrics.TwitchRequest(operation, "exhausted")
	if lastErr == nil {
		lastErr = fmt.Errorf("twitch %s failed", operation)
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return lastErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// sleepBackoff waits before the next attempt; returns false when the
// attempt budget is spent or the context is done.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) bool {
	if attempt >= retryAttempts {
		return false
	}
	wait := retryBase * time.Duration(1<<(attempt-1))
	if wait > retryCap {
		wait = retryCap
	}
	c.mu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(wait/5 + 1)))
	c.mu.Unlock()
	timer := time.NewTimer(wait + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// GetUsersByLogin resolves up to 100 users by login name.
func (c *Client) GetUsersByLogin(ctx context.Context, logins ...string) ([]User, error) {
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", l)
	}
	var env dataEnvelope[User]
	if err := c.do(ctx, "get_users", http.MethodGet, "/users", q, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// GetUsersByID resolves up to 100 users by Twitch id.
func (c *Client) GetUsersByID(ctx context.Context, ids ...string) ([]User, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	var env dataEnvelope[User]
	if err := c.do(ctx, "get_users", http.MethodGet, "/users", q, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// GetStreamsByUserID returns the live streams for the given user ids;
// offline users are simply absent from the result.
func (c *Client) GetStreamsByUserID(ctx context.Context, userIDs ...string) ([]Stream, error) {
	q := url.Values{}
	for _, id := range userIDs {
		q.Add("user_id", id)
	}
	var env dataEnvelope[Stream]
	if err := c.do(ctx, "get_streams", http.MethodGet, "/streams", q, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// GetGamesByID enriches category ids with names and box art.
func (c *Client) GetGamesByID(ctx context.Context, gameIDs ...string) ([]Game, error) {
	q := url.Values{}
	for _, id := range gameIDs {
		q.Add("id", id)
	}
	var env dataEnvelope[Game]
	if err := c.do(ctx, "get_games", http.MethodGet, "/games", q, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// LiveUserIDs reports which of the given Twitch user ids are live right
// now; absent ids are offline. Implements recovery.LiveProber.
func (c *Client) LiveUserIDs(ctx context.Context, twitchIDs []string) (map[string]bool, error) {
	live := make(map[string]bool, len(twitchIDs))
	if len(twitchIDs) == 0 {
		return live, nil
	}
	streams, err := c.GetStreamsByUserID(ctx, twitchIDs...)
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		if s.Type == "live" || s.Type == "" {
			live[s.UserID] = true
		}
	}
	return live, nil
}

// CreateEventSubSubscription registers a webhook subscription for one
// broadcaster and type.
func (c *Client) CreateEventSubSubscription(ctx context.Context, subType, broadcasterID, callbackURL, secret string) (*Subscription, error) {
	body := map[string]any{
		"type":    subType,
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
		},
		"transport": map[string]string{
			"method":   "webhook",
			"callback": callbackURL,
			"secret":   secret,
		},
	}
	var env dataEnvelope[Subscription]
	if err := c.do(ctx, "create_eventsub", http.MethodPost, "/eventsub/subscriptions", nil, body, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("create eventsub subscription: empty response")
	}
	return &env.Data[0], nil
}

// DeleteEventSubSubscription removes a subscription by id.
func (c *Client) DeleteEventSubSubscription(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", id)
	return c.do(ctx, "delete_eventsub", http.MethodDelete, "/eventsub/subscriptions", q, nil, nil)
}
