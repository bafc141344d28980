// Package xero is a thin client for the Xero Accounting API list endpoints
// used by the historical sync.
package xero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/paginate"
	"github.com/stanstork/ledgersync/internal/ratelimit"
)

const (
	DefaultBaseURL  = "https://api.xero.com/api.xro/2.0"
	DefaultTokenURL = "https://identity.xero.com/connect/token"

	requestTimeout = 60 * time.Second
)

var ErrUnauthorized = errors.New("xero: unauthorized")

// RateLimitError is returned for 429 responses. It satisfies
// ratelimit.RetryAfterError so the limiter pauses and re-issues the call.
type RateLimitError struct {
	Wait    time.Duration
	Problem string
}

func (e *RateLimitError) Error() string {
	if e.Problem != "" {
		return fmt.Sprintf("xero: rate limited (%s limit), retry after %s", e.Problem, e.Wait)
	}
	return fmt.Sprintf("xero: rate limited, retry after %s", e.Wait)
}

func (e *RateLimitError) RetryAfter() time.Duration {
	return e.Wait
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xero: unexpected status %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Query narrows one list call. Zero values are omitted from the request.
type Query struct {
	TenantID      string
	ModifiedSince *time.Time
	Where         string
	Order         string
	Page          int
	PageSize      int
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// NewClient authenticates with the stored token set. The access token is
// refreshed through the token endpoint when it expires.
func NewClient(ctx context.Context, cfg Config, creds models.XeroCredentials, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.Expiry,
		TokenType:    "Bearer",
	}
	httpClient := oauth2.NewClient(ctx, oauthCfg.TokenSource(ctx, token))
	httpClient.Timeout = requestTimeout
	return NewClientWithHTTP(cfg.BaseURL, httpClient, limiter, logger)
}

// NewClientWithHTTP uses httpClient as is, without adding authentication.
func NewClientWithHTTP(baseURL string, httpClient *http.Client, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		limiter: limiter,
		logger:  logger.With().Str("component", "xero_client").Logger(),
	}
}

func (c *Client) Contacts(ctx context.Context, q Query) (paginate.Page[Contact], error) {
	var env contactsEnvelope
	if err := c.get(ctx, "Contacts", q, &env); err != nil {
		return paginate.Page[Contact]{}, err
	}
	return paginate.Infer(env.Contacts, q.Page, q.PageSize, pageCount(env.Pagination)), nil
}

// Accounts returns the whole chart of accounts; the endpoint is not paged.
func (c *Client) Accounts(ctx context.Context, q Query) ([]Account, error) {
	q.Page, q.PageSize = 0, 0
	var env accountsEnvelope
	if err := c.get(ctx, "Accounts", q, &env); err != nil {
		return nil, err
	}
	return env.Accounts, nil
}

func (c *Client) BankTransactions(ctx context.Context, q Query) (paginate.Page[BankTransaction], error) {
	var env bankTransactionsEnvelope
	if err := c.get(ctx, "BankTransactions", q, &env); err != nil {
		return paginate.Page[BankTransaction]{}, err
	}
	return paginate.Infer(env.BankTransactions, q.Page, q.PageSize, pageCount(env.Pagination)), nil
}

// Invoices lists both sales invoices and bills; narrow with a Type filter.
func (c *Client) Invoices(ctx context.Context, q Query) (paginate.Page[Invoice], error) {
	var env invoicesEnvelope
	if err := c.get(ctx, "Invoices", q, &env); err != nil {
		return paginate.Page[Invoice]{}, err
	}
	return paginate.Infer(env.Invoices, q.Page, q.PageSize, pageCount(env.Pagination)), nil
}

func (c *Client) get(ctx context.Context, resource string, q Query, out interface{}) error {
	endpoint := c.baseURL + "/" + resource
	if params := q.values(); len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	return c.limiter.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("xero-tenant-id", q.TenantID)
		if q.ModifiedSince != nil {
			req.Header.Set("If-Modified-Since", q.ModifiedSince.UTC().Format(http.TimeFormat))
		}

		started := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			// A rejected refresh grant means the stored credentials are dead.
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) {
				c.logger.Warn().Err(err).Str("resource", resource).Msg("token refresh rejected")
				return ErrUnauthorized
			}
			return fmt.Errorf("xero: GET %s: %w", resource, err)
		}
		defer resp.Body.Close()

		c.logger.Debug().
			Str("resource", resource).
			Int("page", q.Page).
			Int("status", resp.StatusCode).
			Dur("took", time.Since(started)).
			Msg("xero request")

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &RateLimitError{
				Wait:    retryAfter(resp.Header.Get("Retry-After")),
				Problem: resp.Header.Get("X-Rate-Limit-Problem"),
			}
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return ErrUnauthorized
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// A mistyped field inside a record leaves that field at its zero
			// value; the rest of the page is still usable.
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) && strings.Contains(typeErr.Field, ".") {
				c.logger.Warn().Err(err).Str("resource", resource).Int("page", q.Page).Msg("defaulted malformed field")
				return nil
			}
			return fmt.Errorf("xero: decode %s: %w", resource, err)
		}
		return nil
	})
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.Where != "" {
		v.Set("where", q.Where)
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	return v
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		return time.Until(t)
	}
	return 0
}
