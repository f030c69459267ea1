// Package proxycheck actively probes stored proxies and feeds the results
// back into the pool's health accounting. Passive feedback from live
// sessions stays authoritative; probing only keeps health data from going
// stale on proxies nobody is using.
package proxycheck

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/stagecrew/roster/internal/model"
	"github.com/stagecrew/roster/internal/scanloop"
	"github.com/stagecrew/roster/internal/store"
)

const (
	defaultProbeURL    = "https://www.gstatic.com/generate_204"
	defaultConcurrency = 8
	defaultTimeout     = 10 * time.Second
	defaultBatchSize   = 64
)

// Checker executes one probe through the given proxy, returning observed
// latency. Injectable for testing.
type Checker func(ctx context.Context, p model.Proxy) (time.Duration, error)

// Config configures the Prober.
type Config struct {
	Repo        *store.ProxyRepo
	Concurrency int           // max concurrent probes, default 8
	Timeout     time.Duration // per-probe deadline, default 10s
	BatchSize   int           // proxies examined per sweep, default 64
	ProbeURL    string        // target for HTTP probes
	// DeadThreshold retires a proxy whose consecutive-failure count reaches
	// it. Zero disables prober-driven retirement.
	DeadThreshold int
	// Checker overrides the probe transport. Nil uses HTTPChecker.
	Checker Checker
}

// Prober sweeps stored proxies on a jittered cadence.
type Prober struct {
	repo          *store.ProxyRepo
	sem           chan struct{}
	timeout       time.Duration
	batchSize     int
	deadThreshold int
	check         Checker
	runner        *scanloop.Runner
}

// New creates a Prober from cfg.
func New(cfg Config) *Prober {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = defaultConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	check := cfg.Checker
	if check == nil {
		probeURL := cfg.ProbeURL
		if probeURL == "" {
			probeURL = defaultProbeURL
		}
		check = HTTPChecker(probeURL)
	}
	return &Prober{
		repo:          cfg.Repo,
		sem:           make(chan struct{}, conc),
		timeout:       timeout,
		batchSize:     batch,
		deadThreshold: cfg.DeadThreshold,
		check:         check,
		runner:        scanloop.NewRunner(),
	}
}

// Start launches the background sweep loop.
func (p *Prober) Start(minInterval, jitterRange time.Duration) {
	p.runner.Go(minInterval, jitterRange, p.Sweep)
}

// Stop halts the sweep loop and waits for in-flight probes.
func (p *Prober) Stop() {
	p.runner.Stop()
}

// Sweep probes one batch of proxies, bounded by the concurrency semaphore.
// Results are recorded through the repo; the sweep itself holds no state.
func (p *Prober) Sweep() {
	proxies, err := p.repo.ListActive(p.batchSize)
	if err != nil {
		log.Printf("[proxycheck] list proxies: %v", err)
		return
	}

	done := make(chan struct{}, len(proxies))
	for _, px := range proxies {
		p.sem <- struct{}{}
		go func(px model.Proxy) {
			defer func() { <-p.sem; done <- struct{}{} }()
			p.probeOne(px)
		}(px)
	}
	for range proxies {
		<-done
	}
}

func (p *Prober) probeOne(px model.Proxy) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	latency, err := p.check(ctx, px)
	if err == nil {
		if rerr := p.repo.ReportSuccess(px.ID, latency); rerr != nil {
			log.Printf("[proxycheck] record success id=%d: %v", px.ID, rerr)
		}
		return
	}

	consecutive, rerr := p.repo.ReportFailure(px.ID)
	if rerr != nil {
		log.Printf("[proxycheck] record failure id=%d: %v", px.ID, rerr)
		return
	}
	log.Printf("[proxycheck] probe failed id=%d consecutive=%d: %v", px.ID, consecutive, err)

	if p.deadThreshold > 0 && consecutive >= p.deadThreshold {
		if derr := p.repo.MarkDead(px.ID); derr != nil {
			log.Printf("[proxycheck] retire id=%d: %v", px.ID, derr)
			return
		}
		log.Printf("[proxycheck] retired proxy id=%d after %d consecutive failures", px.ID, consecutive)
	}
}

// HTTPChecker returns a Checker that fetches probeURL through the proxy.
// HTTP and HTTPS proxies go through the transport's proxy URL; SOCKS5 uses a
// dedicated dialer.
func HTTPChecker(probeURL string) Checker {
	return func(ctx context.Context, px model.Proxy) (time.Duration, error) {
		transport, err := transportFor(px)
		if err != nil {
			return 0, err
		}
		client := &http.Client{Transport: transport}
		defer client.CloseIdleConnections()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			return 0, fmt.Errorf("probe request: %w", err)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("probe via %s: %w", px.URL(), err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return 0, fmt.Errorf("probe via %s: status %d", px.URL(), resp.StatusCode)
		}
		return time.Since(start), nil
	}
}

func transportFor(px model.Proxy) (*http.Transport, error) {
	switch px.Protocol {
	case "socks5":
		var auth *xproxy.Auth
		if px.Username != "" {
			auth = &xproxy.Auth{User: px.Username, Password: px.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", net.JoinHostPort(px.Host, fmt.Sprint(px.Port)), auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", px.URL(), err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}, nil
	default:
		u, err := url.Parse(px.URL())
		if err != nil {
			return nil, fmt.Errorf("proxy url for %s: %w", px.URL(), err)
		}
		return &http.Transport{Proxy: http.ProxyURL(u)}, nil
	}
}
