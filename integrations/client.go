// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package integrations talks to a Scalar-style integration manager: the
// service that issues the scalar_token a client presents when it opens
// a widget hosted by that manager.
//
// Only three calls are implemented: exchanging a Matrix OpenID token
// for a scalar_token (POST /register), checking a token (GET /account),
// and authorizing widget URLs on whitelisted hosts. [Client] satisfies
// tokencache.Exchanger and tokencache.Validator.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/widgets/lib/netutil"
	"github.com/bureau-foundation/widgets/lib/version"
	"github.com/bureau-foundation/widgets/messaging"
)

// TokenParam is the query parameter carrying the token on widget URLs.
const TokenParam = "scalar_token"

// Config configures a Client.
type Config struct {
	// APIURL is the manager's REST base ("https://scalar.vector.im/api").
	APIURL string

	// Whitelist lists the URLs whose widgets receive the token. A widget
	// URL matches an entry with the same scheme and host and a path at
	// or below the entry's path. Empty means only URLs under APIURL.
	Whitelist []string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an integration-manager API client. Safe for concurrent use.
type Client struct {
	apiURL     string
	whitelist  []*url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// APIError is a non-success response from the integration manager.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("integrations: %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("integrations: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsInvalidToken reports whether err is the manager rejecting a
// scalar_token (HTTP 401 or 403).
func IsInvalidToken(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// New validates config and returns a Client.
func New(config Config) (*Client, error) {
	if config.APIURL == "" {
		return nil, fmt.Errorf("integrations: APIURL is required")
	}
	parsed, err := url.Parse(config.APIURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("integrations: APIURL %q is not an http(s) URL", config.APIURL)
	}
	apiURL := strings.TrimRight(config.APIURL, "/")

	entries := config.Whitelist
	if len(entries) == 0 {
		entries = []string{apiURL}
	}
	whitelist := make([]*url.URL, 0, len(entries))
	for _, entry := range entries {
		parsed, err := url.Parse(entry)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("integrations: whitelist entry %q is not an http(s) URL", entry)
		}
		whitelist = append(whitelist, parsed)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiURL:     apiURL,
		whitelist:  whitelist,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type registerResponse struct {
	ScalarToken string `json:"scalar_token"`
}

// ExchangeToken requests an OpenID token for session from its
// homeserver and registers it with the manager, returning the issued
// scalar_token.
func (c *Client) ExchangeToken(ctx context.Context, session messaging.Session) (string, error) {
	openID, err := session.RequestOpenIDToken(ctx)
	if err != nil {
		return "", fmt.Errorf("integrations: exchange: %w", err)
	}
	body, err := json.Marshal(openID)
	if err != nil {
		return "", fmt.Errorf("integrations: exchange: marshaling openid token: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/register", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("integrations: exchange: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	var response registerResponse
	if err := c.do(request, "register", &response); err != nil {
		return "", err
	}
	if response.ScalarToken == "" {
		return "", fmt.Errorf("integrations: register: response carries no scalar_token")
	}
	c.logger.Debug("registered with integration manager", "user_id", session.UserID(), "api_url", c.apiURL)
	return response.ScalarToken, nil
}

// ValidateToken asks the manager whether token is still accepted. A
// rejected token returns (false, nil); transport and server failures
// return an error.
func (c *Client) ValidateToken(ctx context.Context, token string) (bool, error) {
	query := url.Values{TokenParam: {token}}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/account?"+query.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("integrations: account: %w", err)
	}
	var account struct {
		UserID string `json:"user_id"`
	}
	err = c.do(request, "account", &account)
	if IsInvalidToken(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsWhitelisted reports whether widgetURL is served by a trusted
// integration manager and so may receive the token.
func (c *Client) IsWhitelisted(widgetURL string) bool {
	parsed, err := url.Parse(widgetURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	for _, entry := range c.whitelist {
		if parsed.Scheme != entry.Scheme || !strings.EqualFold(parsed.Host, entry.Host) {
			continue
		}
		base := strings.TrimRight(entry.Path, "/")
		if base == "" || parsed.Path == base || strings.HasPrefix(parsed.Path, base+"/") {
			return true
		}
	}
	return false
}

// AuthorizeURL appends token to widgetURL as scalar_token. Any
// scalar_token already present is replaced.
func (c *Client) AuthorizeURL(widgetURL, token string) (string, error) {
	parsed, err := url.Parse(widgetURL)
	if err != nil {
		return "", fmt.Errorf("integrations: parsing widget URL: %w", err)
	}
	query := parsed.Query()
	query.Set(TokenParam, token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) do(request *http.Request, op string, result any) error {
	request.Header.Set("User-Agent", version.UserAgent())
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("integrations: %s: %w", op, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return &APIError{Op: op, StatusCode: response.StatusCode, Body: netutil.ErrorBody(response.Body)}
	}
	if err := netutil.DecodeResponse(response.Body, result); err != nil {
		return fmt.Errorf("integrations: %s: decoding response: %w", op, err)
	}
	return nil
}
