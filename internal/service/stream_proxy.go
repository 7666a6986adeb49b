package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/metrics"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

// pximgHost is the canonical Pixiv CDN host eligible for mirror rewriting.
const pximgHost = "i.pximg.net"

// ApiErrorCode classifies a stream-proxy failure so the HTTP handler can
// pick the right status code and response body, per spec §4.8.
type ApiErrorCode string

// Stream proxy failure classes.
const (
	ErrUpstream403       ApiErrorCode = "UPSTREAM_403"
	ErrUpstream404       ApiErrorCode = "UPSTREAM_404"
	ErrUpstreamRateLimit ApiErrorCode = "RATE_LIMIT"
	ErrProxyAuthFailed   ApiErrorCode = "PROXY_AUTH_FAILED"
	ErrProxyConnectFailed ApiErrorCode = "PROXY_CONNECT_FAILED"
	ErrUpstreamStream    ApiErrorCode = "UPSTREAM_STREAM_ERROR"
)

// ApiError is a typed stream-proxy failure carrying the classification
// the HTTP layer needs to render the right response.
type ApiError struct {
	Code    ApiErrorCode
	Message string
}

func (e *ApiError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// pixivRefererHost is the Referer Pixiv's CDN requires on every image
// fetch; requests without it are rejected with a 403.
const pixivRefererHost = "https://www.pixiv.net/"

// StreamProxy fetches an image's bytes from its origin URL through a
// selected proxy endpoint and streams the response back, the "P"
// component of spec §4.8.
type StreamProxy struct {
	imageRepo     repository.ImageRepository
	endpointRepo  repository.ProxyEndpointRepository
	proxySelector *ProxySelector
	breaker       *CircuitBreaker
	clock         clock.Clock
	timeout       time.Duration
}

// NewStreamProxy creates a new StreamProxy.
func NewStreamProxy(
	imageRepo repository.ImageRepository,
	endpointRepo repository.ProxyEndpointRepository,
	proxySelector *ProxySelector,
	breaker *CircuitBreaker,
	c clock.Clock,
	timeout time.Duration,
) *StreamProxy {
	return &StreamProxy{
		imageRepo:     imageRepo,
		endpointRepo:  endpointRepo,
		proxySelector: proxySelector,
		breaker:       breaker,
		clock:         c,
		timeout:       timeout,
	}
}

// StreamRequest carries the inbound request's Range header and image
// target down into Fetch.
type StreamRequest struct {
	Image      *models.Image
	TokenID    int64
	PoolID     int64
	RangeHeader string

	// MirrorHost, when set, replaces i.pximg.net in the origin URL per
	// spec §4.9's use_pixiv_cat rewrite (a caller-selected or
	// admin-allowlisted mirror FQDN).
	MirrorHost string
}

// originURL returns req.Image.OriginalURL, rewritten to MirrorHost when
// one is set and the original host is the canonical Pixiv CDN host.
func (req *StreamRequest) originURL() string {
	if req.MirrorHost == "" {
		return req.Image.OriginalURL
	}
	u, err := url.Parse(req.Image.OriginalURL)
	if err != nil || u.Host != pximgHost {
		return req.Image.OriginalURL
	}
	u.Host = req.MirrorHost
	return u.String()
}

// StreamResponse wraps the upstream body and the subset of headers worth
// forwarding to the client.
type StreamResponse struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentType   string
	ContentLength string
	ContentRange  string
	AcceptRanges  string
}

// Fetch proxies req.Image.OriginalURL through a selected proxy, forcing
// the Referer Pixiv's CDN requires and forwarding Range if present.
func (s *StreamProxy) Fetch(ctx context.Context, req *StreamRequest) (*StreamResponse, error) {
	proxy, err := s.proxySelector.Select(ctx, req.TokenID, req.PoolID)
	if err != nil {
		metrics.StreamRequests.WithLabelValues(string(ErrProxyConnectFailed)).Inc()
		return nil, &ApiError{Code: ErrProxyConnectFailed, Message: err.Error()}
	}

	httpClient, err := s.proxySelector.HTTPClient(proxy, s.timeout)
	if err != nil {
		metrics.StreamRequests.WithLabelValues(string(ErrProxyAuthFailed)).Inc()
		return nil, &ApiError{Code: ErrProxyAuthFailed, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.originURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Referer", pixivRefererHost)
	if req.RangeHeader != "" {
		httpReq.Header.Set("Range", req.RangeHeader)
	}

	now := clock.FormatUTCMilli(s.clock.Now())
	start := s.clock.Now()
	resp, err := httpClient.Do(httpReq)
	latencyMs := int(s.clock.Now().Sub(start).Milliseconds())

	if err != nil {
		s.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, err.Error())
		apiErr := classifyTransportError(err)
		metrics.StreamRequests.WithLabelValues(string(apiErr.Code)).Inc()
		return nil, apiErr
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		s.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, "upstream 403")
		_ = s.imageRepo.MarkFailure(ctx, req.Image.ID, "upstream_403", now)
		metrics.StreamRequests.WithLabelValues(string(ErrUpstream403)).Inc()
		return nil, &ApiError{Code: ErrUpstream403, Message: "upstream rejected the request"}
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		s.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, "")
		_ = s.imageRepo.MarkFailure(ctx, req.Image.ID, "upstream_404", now)
		metrics.StreamRequests.WithLabelValues(string(ErrUpstream404)).Inc()
		return nil, &ApiError{Code: ErrUpstream404, Message: "image no longer exists upstream"}
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		s.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, "rate limited")
		metrics.StreamRequests.WithLabelValues(string(ErrUpstreamRateLimit)).Inc()
		return nil, &ApiError{Code: ErrUpstreamRateLimit, Message: "upstream rate limited this proxy"}
	case resp.StatusCode >= 400:
		resp.Body.Close()
		s.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, fmt.Sprintf("status %d", resp.StatusCode))
		metrics.StreamRequests.WithLabelValues(string(ErrUpstreamStream)).Inc()
		return nil, &ApiError{Code: ErrUpstreamStream, Message: fmt.Sprintf("upstream returned status %d", resp.StatusCode)}
	}

	s.proxySelector.RecordOutcome(ctx, proxy, latencyMs, now, "")
	_ = s.imageRepo.MarkOK(ctx, req.Image.ID, now)
	metrics.StreamRequests.WithLabelValues("ok").Inc()

	return &StreamResponse{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.Header.Get("Content-Length"),
		ContentRange:  resp.Header.Get("Content-Range"),
		AcceptRanges:  "bytes",
	}, nil
}

func classifyTransportError(err error) *ApiError {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return &ApiError{Code: ErrProxyConnectFailed, Message: err.Error()}
	}
	return &ApiError{Code: ErrUpstreamStream, Message: err.Error()}
}
