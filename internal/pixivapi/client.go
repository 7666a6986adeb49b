// Package pixivapi is a minimal client for the Pixiv App API: OAuth token
// refresh and illust-detail lookup, the two calls the hydration pipeline
// needs.
package pixivapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// well-known Pixiv App API endpoints and client credentials (public,
// widely documented by third-party Pixiv clients).
const (
	authURL       = "https://oauth.secure.pixiv.net/auth/token"
	appAPIBaseURL = "https://app-api.pixiv.net"
)

// Client talks to the Pixiv App API over an upstream HTTP transport that
// the caller controls (so proxy selection happens per-request).
type Client struct {
	clientID     string
	clientSecret string
	userAgent    string
	timeout      time.Duration
}

// New creates a Client with the given OAuth app credentials.
func New(clientID, clientSecret, userAgent string, timeout time.Duration) *Client {
	return &Client{clientID: clientID, clientSecret: clientSecret, userAgent: userAgent, timeout: timeout}
}

// TokenResponse is the OAuth token exchange result.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

type tokenEnvelope struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshAccessToken exchanges a long-lived refresh token for a short-lived
// access token, routed through the given http.Client (which may wrap a
// proxy dialer picked by the caller).
func (c *Client) RefreshAccessToken(ctx context.Context, httpClient *http.Client, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":      {c.clientID},
		"client_secret":  {c.clientSecret},
		"grant_type":     {"refresh_token"},
		"refresh_token":  {refreshToken},
		"get_secure_url": {"1"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pixiv oauth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("pixiv oauth error: status %d: %s", resp.StatusCode, string(body))
	}

	var env tokenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode oauth response: %w", err)
	}
	return &TokenResponse{AccessToken: env.AccessToken, ExpiresIn: env.ExpiresIn, RefreshToken: env.RefreshToken}, nil
}

// IllustDetail is the subset of the Pixiv illust-detail response the
// hydration pipeline persists.
type IllustDetail struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Type         string `json:"type"` // "illust", "manga", "ugoira"
	CreateDate   string `json:"create_date"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SanityLevel  int    `json:"sanity_level"`
	XRestrict    int    `json:"x_restrict"`
	IllustAIType int    `json:"illust_ai_type"`
	TotalBookmarks int  `json:"total_bookmarks"`
	TotalView    int    `json:"total_view"`
	TotalComments int   `json:"total_comments"`
	User         struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	Tags []struct {
		Name           string `json:"name"`
		TranslatedName string `json:"translated_name"`
	} `json:"tags"`
	MetaSinglePage struct {
		OriginalImageURL string `json:"original_image_url"`
	} `json:"meta_single_page"`
	MetaPages []struct {
		ImageURLs struct {
			Original string `json:"original"`
		} `json:"image_urls"`
	} `json:"meta_pages"`
	PageCount int `json:"page_count"`
}

type illustDetailEnvelope struct {
	Illust IllustDetail `json:"illust"`
}

// GetIllustDetail fetches full metadata for a single illustration.
func (c *Client) GetIllustDetail(ctx context.Context, httpClient *http.Client, accessToken string, illustID int64) (*IllustDetail, error) {
	u := fmt.Sprintf("%s/v1/illust/detail?illust_id=%d", appAPIBaseURL, illustID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pixiv illust detail request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var env illustDetailEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode illust detail: %w", err)
	}
	return &env.Illust, nil
}

// HTTPError wraps a non-2xx Pixiv API response so callers can distinguish
// auth failures (401), rate limiting (429) and not-found (404).
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("pixiv api error: status %d: %s", e.StatusCode, e.Body)
}
