// Package gateway routes every LLM request through a per-service
// queue with adaptive spacing, duplicate coalescing and a circuit
// breaker. The gateway is the only rate-limited resource shared
// between sessions.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/llms"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// Priority levels for queued requests.
const (
	PriorityNormal   = 0
	PriorityCritical = 1
)

// Completer is the surface the stage processors consume.
type Completer interface {
	Complete(ctx context.Context, service string, req llms.Request, priority int) (llms.Response, error)
}

// Gateway implements Completer over a set of configured services.
type Gateway struct {
	cfg      config.GatewayConfig
	services map[string]*serviceQueue
	flight   singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
}

type pendingRequest struct {
	ctx    context.Context
	req    llms.Request
	result chan completionResult
}

type completionResult struct {
	resp llms.Response
	err  error
}

type serviceQueue struct {
	name     string
	provider llms.Provider
	breaker  *gobreaker.CircuitBreaker
	rate     config.RateLimitConfig
	retries  int

	critical chan *pendingRequest
	normal   chan *pendingRequest

	depth   atomic.Int32
	delayNs atomic.Int64
}

// New builds a gateway over the registered LLM providers. Per-service
// rate-limit and circuit overrides from the service config take
// precedence over the gateway defaults.
func New(cfg config.GatewayConfig, services map[string]config.ServiceConfig, reg *llms.Registry) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		services: make(map[string]*serviceQueue),
		stopCh:   make(chan struct{}),
	}

	for name, svcCfg := range services {
		provider, ok := reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("llm service %q has no registered provider", name)
		}

		rate := cfg.RateLimit
		if svcCfg.RateLimit != nil {
			rate = mergeRate(rate, *svcCfg.RateLimit)
		}
		circuit := cfg.Circuit
		if svcCfg.Circuit != nil {
			if svcCfg.Circuit.FailureThreshold != 0 {
				circuit.FailureThreshold = svcCfg.Circuit.FailureThreshold
			}
			if svcCfg.Circuit.ResetMs != 0 {
				circuit.ResetMs = svcCfg.Circuit.ResetMs
			}
		}

		sq := &serviceQueue{
			name:     name,
			provider: provider,
			rate:     rate,
			retries:  cfg.MaxRetries,
			critical: make(chan *pendingRequest, rate.QueueCap),
			normal:   make(chan *pendingRequest, rate.QueueCap),
		}
		sq.delayNs.Store(int64(rate.MinDelay()))
		sq.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     circuit.Reset(),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(circuit.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("llm circuit state change", "service", name, "from", from.String(), "to", to.String())
				observeCircuitState(name, to)
			},
		})

		g.services[name] = sq
		go g.serve(sq)
	}

	return g, nil
}

func mergeRate(base, override config.RateLimitConfig) config.RateLimitConfig {
	if override.MinDelayMs != 0 {
		base.MinDelayMs = override.MinDelayMs
	}
	if override.MaxDelayMs != 0 {
		base.MaxDelayMs = override.MaxDelayMs
	}
	if override.QueueCap != 0 {
		base.QueueCap = override.QueueCap
	}
	if override.AdaptThreshold != 0 {
		base.AdaptThreshold = override.AdaptThreshold
	}
	return base
}

// Complete enqueues the request and waits for its completion.
// Identical in-flight requests against the same service are coalesced.
func (g *Gateway) Complete(ctx context.Context, service string, req llms.Request, priority int) (llms.Response, error) {
	sq, ok := g.services[service]
	if !ok {
		return llms.Response{}, protocol.NewError(protocol.ErrConfig, "unknown llm service %q", service)
	}

	key := service + ":" + hashRequest(req)
	v, err, _ := g.flight.Do(key, func() (any, error) {
		return g.enqueue(ctx, sq, req, priority)
	})
	if err != nil {
		return llms.Response{}, err
	}
	return v.(llms.Response), nil
}

func (g *Gateway) enqueue(ctx context.Context, sq *serviceQueue, req llms.Request, priority int) (llms.Response, error) {
	if int(sq.depth.Load()) >= sq.rate.QueueCap {
		observeRejection(sq.name)
		return llms.Response{}, protocol.NewError(protocol.ErrRateLimited, "llm queue for %q is full", sq.name)
	}

	pending := &pendingRequest{
		ctx:    ctx,
		req:    req,
		result: make(chan completionResult, 1),
	}

	target := sq.normal
	if priority >= PriorityCritical {
		target = sq.critical
	}

	select {
	case target <- pending:
		sq.depth.Add(1)
	default:
		observeRejection(sq.name)
		return llms.Response{}, protocol.NewError(protocol.ErrRateLimited, "llm queue for %q is full", sq.name)
	}

	select {
	case res := <-pending.result:
		return res.resp, res.err
	case <-ctx.Done():
		// The worker will notice the dead context and discard the entry.
		return llms.Response{}, protocol.WrapError(protocol.ErrCancelled, ctx.Err(), "llm request abandoned")
	}
}

// serve is the single worker goroutine of one service queue. Critical
// requests are always drained before normal ones.
func (g *Gateway) serve(sq *serviceQueue) {
	for {
		var pending *pendingRequest

		select {
		case <-g.stopCh:
			return
		case pending = <-sq.critical:
		default:
			select {
			case <-g.stopCh:
				return
			case pending = <-sq.critical:
			case pending = <-sq.normal:
			}
		}

		sq.depth.Add(-1)

		if pending.ctx.Err() != nil {
			pending.result <- completionResult{err: protocol.WrapError(protocol.ErrCancelled, pending.ctx.Err(), "llm request cancelled before dispatch")}
			continue
		}

		resp, err := g.dispatch(pending.ctx, sq, pending.req)
		pending.result <- completionResult{resp: resp, err: err}

		g.adaptDelay(sq, err)
		g.pace(sq)
	}
}

// dispatch runs one request through the breaker with retries on
// recoverable failures.
func (g *Gateway) dispatch(ctx context.Context, sq *serviceQueue, req llms.Request) (llms.Response, error) {
	var lastErr error

	for attempt := 0; attempt < sq.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return llms.Response{}, protocol.WrapError(protocol.ErrCancelled, ctx.Err(), "llm retry abandoned")
			}
		}

		start := time.Now()
		result, err := sq.breaker.Execute(func() (any, error) {
			return sq.provider.Complete(ctx, req)
		})
		observeRequest(sq.name, time.Since(start), err)

		if err == nil {
			return result.(llms.Response), nil
		}
		lastErr = err

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return llms.Response{}, protocol.WrapError(protocol.ErrRateLimited, err, "llm circuit open for %q", sq.name)
		}

		switch protocol.KindOf(err) {
		case protocol.ErrRateLimited, protocol.ErrTimeout, protocol.ErrTransport:
			continue
		default:
			return llms.Response{}, err
		}
	}

	return llms.Response{}, protocol.WrapError(protocol.KindOf(lastErr), lastErr, "llm request failed after %d attempts", sq.retries)
}

// adaptDelay adjusts the inter-request spacing: growth by 1.5x on
// throttling failures, shrink toward the minimum when the queue backs
// up and calls are healthy.
func (g *Gateway) adaptDelay(sq *serviceQueue, err error) {
	cur := time.Duration(sq.delayNs.Load())

	switch {
	case err != nil && (protocol.IsKind(err, protocol.ErrRateLimited) || protocol.IsKind(err, protocol.ErrTransport)):
		next := time.Duration(float64(cur) * 1.5)
		if next > sq.rate.MaxDelay() {
			next = sq.rate.MaxDelay()
		}
		sq.delayNs.Store(int64(next))
	case int(sq.depth.Load()) > sq.rate.AdaptThreshold:
		next := cur / 2
		if next < sq.rate.MinDelay() {
			next = sq.rate.MinDelay()
		}
		sq.delayNs.Store(int64(next))
	}
}

func (g *Gateway) pace(sq *serviceQueue) {
	delay := time.Duration(sq.delayNs.Load())
	if delay <= 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-g.stopCh:
	}
}

// CircuitState reports the breaker state for one service.
func (g *Gateway) CircuitState(service string) (string, bool) {
	sq, ok := g.services[service]
	if !ok {
		return "", false
	}
	return sq.breaker.State().String(), true
}

// QueueDepth reports the pending request count for one service.
func (g *Gateway) QueueDepth(service string) (int, bool) {
	sq, ok := g.services[service]
	if !ok {
		return 0, false
	}
	return int(sq.depth.Load()), true
}

// Services returns the configured service names.
func (g *Gateway) Services() []string {
	names := make([]string, 0, len(g.services))
	for name := range g.services {
		names = append(names, name)
	}
	return names
}

// Stop terminates the worker goroutines.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
}

func hashRequest(req llms.Request) string {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Sprintf("unhashable-%p", &req)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}
