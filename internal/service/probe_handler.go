package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/metrics"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
	"github.com/pixivproxy/imgserve/internal/secretbox"
)

// ProbeHandler periodically dials every enabled ProxyEndpoint to confirm
// it still reaches the public internet, the "N" component of spec §4.9:
// the same periodic check-all/update-state loop the teacher used for
// upstream endpoint health, retargeted at proxy connectivity instead of
// provider API health.
type ProbeHandler struct {
	endpointRepo repository.ProxyEndpointRepository
	breaker      *CircuitBreaker
	enc          *secretbox.Encryptor
	clock        clock.Clock
	logger       *zap.Logger
	probeURL     string
	timeout      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProbeHandler creates a new ProbeHandler. probeURL is the target
// fetched through each candidate proxy to confirm connectivity.
func NewProbeHandler(
	endpointRepo repository.ProxyEndpointRepository,
	breaker *CircuitBreaker,
	enc *secretbox.Encryptor,
	c clock.Clock,
	logger *zap.Logger,
	probeURL string,
	timeout time.Duration,
) *ProbeHandler {
	return &ProbeHandler{
		endpointRepo: endpointRepo,
		breaker:      breaker,
		enc:          enc,
		clock:        c,
		logger:       logger,
		probeURL:     probeURL,
		timeout:      timeout,
		done:         make(chan struct{}),
	}
}

// Start begins periodic probing of every enabled proxy endpoint.
func (p *ProbeHandler) Start(ctx context.Context, interval time.Duration) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go p.loop(loopCtx, interval)
	p.logger.Info("proxy probe handler started", zap.Duration("interval", interval))
}

// Stop halts periodic probing.
func (p *ProbeHandler) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *ProbeHandler) loop(ctx context.Context, interval time.Duration) {
	defer close(p.done)

	p.ProbeAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every enabled endpoint concurrently and waits for all
// results before returning, so a caller driving this from a job can
// report an aggregate outcome.
func (p *ProbeHandler) ProbeAll(ctx context.Context) {
	endpoints, err := p.endpointRepo.FindAll(ctx)
	if err != nil {
		p.logger.Error("probe: list endpoints", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		if !ep.Enabled {
			continue
		}
		wg.Add(1)
		go func(ep *models.ProxyEndpoint) {
			defer wg.Done()
			p.probeOne(ctx, ep)
		}(ep)
	}
	wg.Wait()

	open := 0
	for _, ep := range endpoints {
		if p.breaker.IsOpen(ep.ID) {
			open++
		}
	}
	metrics.ProxyEndpointsOpen.Set(float64(open))
}

func (p *ProbeHandler) probeOne(ctx context.Context, ep *models.ProxyEndpoint) {
	client, err := p.httpClient(ep)
	now := clock.FormatUTCMilli(p.clock.Now())
	if err != nil {
		p.breaker.RecordFailure(ep.ID)
		_ = p.endpointRepo.MarkFail(ctx, ep.ID, 0, now, err.Error(), "")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		p.logger.Error("probe: build request", zap.Error(err))
		return
	}

	start := p.clock.Now()
	resp, err := client.Do(req)
	latencyMs := int(p.clock.Now().Sub(start).Milliseconds())

	if err != nil {
		p.breaker.RecordFailure(ep.ID)
		_ = p.endpointRepo.MarkFail(ctx, ep.ID, latencyMs, now, err.Error(), "")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errMsg := fmt.Sprintf("probe returned status %d", resp.StatusCode)
		p.breaker.RecordFailure(ep.ID)
		_ = p.endpointRepo.MarkFail(ctx, ep.ID, latencyMs, now, errMsg, "")
		return
	}

	p.breaker.RecordSuccess(ep.ID)
	_ = p.endpointRepo.MarkOK(ctx, ep.ID, latencyMs, now)
}

func (p *ProbeHandler) httpClient(ep *models.ProxyEndpoint) (*http.Client, error) {
	selector := &ProxySelector{enc: p.enc}
	return selector.HTTPClient(ep, p.timeout)
}
