// Package live adapts a REST exchange API to core.Broker behind a
// resilient HTTP pipeline: failsafe-go retry + circuit breaker and a
// golang.org/x/time/rate limiter. Each call's latency is written to the
// debug log; no otel spans or metrics are recorded here.
//
// Grounded on pkg/http/client.go (retry/circuit-breaker/otel pipeline
// shape) and internal/exchange/base/adapter.go (exchange-specific
// sign/parse/map seams, polling-stream helper for the ticker warmer).
// The wire-format specifics of any one venue (binance/bybit/okx/...) are
// injected through the Exchange seam rather than hardcoded here, so this
// package stays venue-agnostic; a concrete venue plugs in by implementing
// Exchange.
package live

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/apperrors"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Exchange is the venue-specific seam: request signing, endpoint shape and
// response parsing for one concrete broker's REST API.
type Exchange interface {
	Name() string
	SignRequest(req *http.Request, body []byte) error
	BuildPlaceOrder(req core.PlaceOrderRequest) (method, path string, body []byte, err error)
	ParsePlaceOrder(body []byte) (core.Order, error)
	BuildGetOrder(symbol core.Symbol, brokerOrderID string) (method, path string, err error)
	ParseOrder(body []byte) (core.Order, error)
	BuildGetOpenOrders(symbol core.Symbol) (method, path string, err error)
	ParseOrders(body []byte) ([]core.Order, error)
	BuildCancelOrder(symbol core.Symbol, brokerOrderID string) (method, path string, err error)
	BuildGetPosition(symbol core.Symbol) (method, path string, err error)
	ParsePosition(symbol core.Symbol, body []byte) (core.Position, error)
	BuildGetBalance(asset string) (method, path string, err error)
	ParseBalance(body []byte) (decimal.Decimal, error)
	ParseAPIError(body []byte) error
}

// Broker wraps an Exchange with the common resilience pipeline every live
// venue needs.
type Broker struct {
	exchange Exchange
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*http.Response]
	log      core.Logger
}

// New builds a live broker against baseURL, calling out to exchange for
// every venue-specific concern. requestsPerSecond bounds the rate limiter;
// timeout bounds each individual HTTP call.
func New(exchange Exchange, baseURL string, timeout time.Duration, requestsPerSecond float64, log core.Logger) *Broker {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Broker{
		exchange: exchange,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
		pipeline: failsafe.With[*http.Response](retryPolicy, breaker),
		log:      log.WithField("component", "broker.live").WithField("exchange", exchange.Name()),
	}
}

func (b *Broker) Name() string { return b.exchange.Name() }

func (b *Broker) CheckHealth(ctx context.Context) error {
	_, _, err := b.execute(ctx, http.MethodGet, "/ping", nil)
	return err
}

func (b *Broker) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.Order, error) {
	method, path, body, err := b.exchange.BuildPlaceOrder(req)
	if err != nil {
		return core.Order{}, apperrors.Wrapf(apperrors.KindConfig, "live.PlaceOrder", err, "build request")
	}
	respBody, _, err := b.execute(ctx, method, path, body)
	if err != nil {
		return core.Order{}, err
	}
	return b.exchange.ParsePlaceOrder(respBody)
}

func (b *Broker) CancelOrder(ctx context.Context, symbol core.Symbol, brokerOrderID string) error {
	method, path, err := b.exchange.BuildCancelOrder(symbol, brokerOrderID)
	if err != nil {
		return apperrors.Wrapf(apperrors.KindConfig, "live.CancelOrder", err, "build request")
	}
	_, _, err = b.execute(ctx, method, path, nil)
	return err
}

func (b *Broker) GetOrder(ctx context.Context, symbol core.Symbol, brokerOrderID string) (core.Order, error) {
	method, path, err := b.exchange.BuildGetOrder(symbol, brokerOrderID)
	if err != nil {
		return core.Order{}, apperrors.Wrapf(apperrors.KindConfig, "live.GetOrder", err, "build request")
	}
	body, _, err := b.execute(ctx, method, path, nil)
	if err != nil {
		return core.Order{}, err
	}
	return b.exchange.ParseOrder(body)
}

func (b *Broker) GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	method, path, err := b.exchange.BuildGetOpenOrders(symbol)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.KindConfig, "live.GetOpenOrders", err, "build request")
	}
	body, _, err := b.execute(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	return b.exchange.ParseOrders(body)
}

func (b *Broker) GetPosition(ctx context.Context, symbol core.Symbol) (core.Position, error) {
	method, path, err := b.exchange.BuildGetPosition(symbol)
	if err != nil {
		return core.Position{}, apperrors.Wrapf(apperrors.KindConfig, "live.GetPosition", err, "build request")
	}
	body, _, err := b.execute(ctx, method, path, nil)
	if err != nil {
		return core.Position{}, err
	}
	return b.exchange.ParsePosition(symbol, body)
}

func (b *Broker) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	method, path, err := b.exchange.BuildGetBalance(asset)
	if err != nil {
		return decimal.Zero, apperrors.Wrapf(apperrors.KindConfig, "live.GetBalance", err, "build request")
	}
	body, _, err := b.execute(ctx, method, path, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return b.exchange.ParseBalance(body)
}

// execute runs one signed, rate-limited, retried+circuit-broken HTTP call
// and returns the response body.
func (b *Broker) execute(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, 0, apperrors.Wrapf(apperrors.KindTimeout, "live.execute", err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, nil)
	if err != nil {
		return nil, 0, apperrors.Wrapf(apperrors.KindConfig, "live.execute", err, "build request")
	}
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if err := b.exchange.SignRequest(req, body); err != nil {
		return nil, 0, apperrors.Wrapf(apperrors.KindConfig, "live.execute", err, "sign request")
	}

	start := time.Now()
	resp, err := b.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return b.client.Do(req)
	})
	latency := time.Since(start)
	b.log.Debug("broker call", "method", method, "path", path, "latency_ms", latency.Milliseconds())

	if err != nil {
		return nil, 0, apperrors.Wrapf(apperrors.KindTransient, "live.execute", err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, apperrors.Wrapf(apperrors.KindTransient, "live.execute", err, "read response body")
	}

	if resp.StatusCode >= 400 {
		if apiErr := b.exchange.ParseAPIError(respBody); apiErr != nil {
			return nil, resp.StatusCode, apiErr
		}
		return nil, resp.StatusCode, apperrors.New(apperrors.KindData, "live.execute", fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody)))
	}

	return respBody, resp.StatusCode, nil
}

var _ core.Broker = (*Broker)(nil)
