// Package payment confirms with the payment gateway that a transaction
// reference was settled.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "PaymentGateway",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.SecretKey,
		http:    &http.Client{Timeout: timeout},
		cb:      gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
		tracer:  otel.Tracer("payment"),
	}
}

// Enabled reports whether a gateway credential is configured.
func (c *Client) Enabled() bool { return c.secret != "" }

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
	} `json:"data"`
}

// Verify reports whether the gateway settled reference. Transport failures,
// gateway 5xx responses and an open breaker come back as (false, err); a
// gateway answer that the payment did not succeed is (false, nil).
func (c *Client) Verify(ctx context.Context, reference string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "payment.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", reference))

	ok, err := executeWithBreaker(c.cb, func() (bool, error) {
		return c.verify(ctx, reference)
	})
	switch {
	case err != nil:
		metrics.PaymentVerifyTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		logx.Warn(ctx, c.logger, "payment verification failed",
			zap.String("reference", reference), zap.Error(err))
	case ok:
		metrics.PaymentVerifyTotal.WithLabelValues("settled").Inc()
	default:
		metrics.PaymentVerifyTotal.WithLabelValues("unsettled").Inc()
		logx.Info(ctx, c.logger, "payment not settled", zap.String("reference", reference))
	}
	return ok, err
}

func (c *Client) verify(ctx context.Context, reference string) (bool, error) {
	endpoint := c.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("gateway responded %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode gateway response: %w", err)
	}
	return resp.StatusCode == http.StatusOK && body.Status && body.Data.Status == "success", nil
}
